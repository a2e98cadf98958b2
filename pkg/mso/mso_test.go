package mso

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdoc"
)

func TestValidateValidity(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		from    time.Time
		until   time.Time
		wantErr bool
	}{
		{"within window", now.Add(-time.Hour), now.Add(time.Hour), false},
		{"not yet valid", now.Add(time.Hour), now.Add(2 * time.Hour), true},
		{"expired", now.Add(-2 * time.Hour), now.Add(-time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mso := &MobileSecurityObject{ValidityInfo: ValidityInfo{ValidFrom: tt.from, ValidUntil: tt.until}}
			err := ValidateValidity(mso, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateValidity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyDigest_Succeeds(t *testing.T) {
	itemBytes := []byte("encoded issuer-signed item")
	digest := sha256.Sum256(itemBytes)
	mso := &MobileSecurityObject{
		DigestAlgorithm: string(SHA256),
		ValueDigests: map[string]map[uint64][]byte{
			"org.iso.18013.5.1": {0: digest[:]},
		},
	}
	item := mdoc.IssuerSignedItem{DigestID: 0, ElementID: "age_over_21"}
	if err := VerifyDigest(mso, "org.iso.18013.5.1", item, itemBytes); err != nil {
		t.Errorf("VerifyDigest failed: %v", err)
	}
}

func TestVerifyDigest_RejectsMutatedItem(t *testing.T) {
	original := []byte("original bytes")
	digest := sha256.Sum256(original)
	mso := &MobileSecurityObject{
		DigestAlgorithm: string(SHA256),
		ValueDigests: map[string]map[uint64][]byte{
			"org.iso.18013.5.1": {0: digest[:]},
		},
	}
	item := mdoc.IssuerSignedItem{DigestID: 0, ElementID: "age_over_21"}
	mutated := []byte("mutated bytes")
	if err := VerifyDigest(mso, "org.iso.18013.5.1", item, mutated); err == nil {
		t.Error("expected digest mismatch error, got nil")
	}
}

func TestVerifyDigest_RejectsMissingNamespace(t *testing.T) {
	mso := &MobileSecurityObject{DigestAlgorithm: string(SHA256), ValueDigests: map[string]map[uint64][]byte{}}
	item := mdoc.IssuerSignedItem{DigestID: 0}
	if err := VerifyDigest(mso, "missing.namespace", item, nil); err == nil {
		t.Error("expected missing-namespace error, got nil")
	}
}

func TestVerifyDigest_RejectsMissingDigestID(t *testing.T) {
	mso := &MobileSecurityObject{
		DigestAlgorithm: string(SHA256),
		ValueDigests:    map[string]map[uint64][]byte{"ns": {0: []byte("x")}},
	}
	item := mdoc.IssuerSignedItem{DigestID: 99}
	if err := VerifyDigest(mso, "ns", item, []byte("anything")); err == nil {
		t.Error("expected missing-digest-id error, got nil")
	}
}

func TestCheckJurisdictionCoupling(t *testing.T) {
	tests := []struct {
		name       string
		disclosed  string
		cert       string
		want       JurisdictionCoupling
	}{
		{"both absent", "", "", JurisdictionPassed},
		{"both present and equal", "California", "California", JurisdictionPassed},
		{"both present but differ", "California", "Nevada", JurisdictionWarning},
		{"disclosed only", "California", "", JurisdictionWarning},
		{"cert only", "", "California", JurisdictionWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckJurisdictionCoupling(tt.disclosed, tt.cert); got != tt.want {
				t.Errorf("CheckJurisdictionCoupling(%q, %q) = %v, want %v", tt.disclosed, tt.cert, got, tt.want)
			}
		})
	}
}
