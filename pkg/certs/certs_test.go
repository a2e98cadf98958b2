package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func generateTestCA(t *testing.T, cn string, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn, Country: []string{"US"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert, priv
}

func generateTestLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn, Country: []string{"US"}, Province: []string{"California"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &priv.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func TestEvaluator_ValidateChain_Succeeds(t *testing.T) {
	now := time.Now()
	ca, caKey := generateTestCA(t, "Test IACA", now.Add(-time.Hour), now.Add(time.Hour))
	leaf := generateTestLeaf(t, ca, caKey, "Test Issuer", now.Add(-time.Minute), now.Add(time.Minute))

	eval := NewEvaluator([]*x509.Certificate{ca})
	chain, err := eval.ValidateChain(leaf, nil, now)
	if err != nil {
		t.Fatalf("ValidateChain: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("chain length = %d, want 2", len(chain))
	}
}

func TestEvaluator_ValidateChain_RejectsUntrustedRoot(t *testing.T) {
	now := time.Now()
	ca, caKey := generateTestCA(t, "Untrusted IACA", now.Add(-time.Hour), now.Add(time.Hour))
	leaf := generateTestLeaf(t, ca, caKey, "Test Issuer", now.Add(-time.Minute), now.Add(time.Minute))

	eval := NewEvaluator(nil)
	if _, err := eval.ValidateChain(leaf, nil, now); err == nil {
		t.Error("expected chain validation error with no trust anchors configured, got nil")
	}
}

func TestEvaluator_ValidateChain_RejectsExpiredLeaf(t *testing.T) {
	now := time.Now()
	ca, caKey := generateTestCA(t, "Test IACA", now.Add(-2*time.Hour), now.Add(2*time.Hour))
	leaf := generateTestLeaf(t, ca, caKey, "Expired Issuer", now.Add(-2*time.Hour), now.Add(-time.Hour))

	eval := NewEvaluator([]*x509.Certificate{ca})
	if _, err := eval.ValidateChain(leaf, nil, now); err == nil {
		t.Error("expected chain validation error for expired leaf, got nil")
	}
}

func TestExtractSubjectDN(t *testing.T) {
	now := time.Now()
	ca, caKey := generateTestCA(t, "Test IACA", now.Add(-time.Hour), now.Add(time.Hour))
	leaf := generateTestLeaf(t, ca, caKey, "Test Issuer", now.Add(-time.Minute), now.Add(time.Minute))

	dn := ExtractSubjectDN(leaf)
	if dn.CountryName != "US" {
		t.Errorf("CountryName = %q, want %q", dn.CountryName, "US")
	}
	if dn.StateOrProvince != "California" {
		t.Errorf("StateOrProvince = %q, want %q", dn.StateOrProvince, "California")
	}
}
