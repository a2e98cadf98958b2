// Package mso models the Mobile Security Object carried inside IssuerAuth
// and implements the digest-binding check that ties disclosed elements
// back to it.
package mso

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"time"

	mdlcbor "github.com/moda-gov-tw/mdl-verifier-go/pkg/cbor"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdlerrors"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdoc"
)

// DigestAlgorithm names the hash used for valueDigests, per ISO 18013-5
// §9.1.2.5.
type DigestAlgorithm string

const (
	SHA256 DigestAlgorithm = "SHA-256"
	SHA384 DigestAlgorithm = "SHA-384"
	SHA512 DigestAlgorithm = "SHA-512"
)

func (a DigestAlgorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("mso: unsupported digest algorithm %q", a)
	}
}

// MobileSecurityObject is the issuer-signed payload of IssuerAuth.
type MobileSecurityObject struct {
	Version         string                       `cbor:"version"`
	DigestAlgorithm string                       `cbor:"digestAlgorithm"`
	ValueDigests    map[string]map[uint64][]byte `cbor:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo                `cbor:"deviceKeyInfo"`
	DocType         string                       `cbor:"docType"`
	ValidityInfo    ValidityInfo                 `cbor:"validityInfo"`
}

// DeviceKeyInfo carries the holder's device public key as a raw COSE_Key
// map, decoded by pkg/cose when device-auth is evaluated.
type DeviceKeyInfo struct {
	DeviceKey map[int64]any `cbor:"deviceKey"`
}

// ValidityInfo is the MSO's signed/validFrom/validUntil window.
type ValidityInfo struct {
	Signed         time.Time  `cbor:"signed"`
	ValidFrom      time.Time  `cbor:"validFrom"`
	ValidUntil     time.Time  `cbor:"validUntil"`
	ExpectedUpdate *time.Time `cbor:"expectedUpdate,omitempty"`
}

// Parse decodes an MSO from the bytes carried as IssuerAuth's payload.
func Parse(payload []byte) (*MobileSecurityObject, error) {
	var mso MobileSecurityObject
	if err := mdlcbor.Unmarshal(payload, &mso); err != nil {
		return nil, mdlerrors.New(mdlerrors.CategoryIssuerAuth, mdlerrors.ErrMSOParse, "decode MSO: %v", err)
	}
	return &mso, nil
}

// ValidateValidity checks the MSO's validity window against a reference
// time, reporting the two distinct failure modes separately: not yet
// valid versus expired.
func ValidateValidity(mso *MobileSecurityObject, at time.Time) error {
	if at.Before(mso.ValidityInfo.ValidFrom) {
		return mdlerrors.New(mdlerrors.CategoryIssuerAuth, mdlerrors.ErrMSONotYetValid,
			"MSO not yet valid (validFrom: %s)", mso.ValidityInfo.ValidFrom)
	}
	if at.After(mso.ValidityInfo.ValidUntil) {
		return mdlerrors.New(mdlerrors.CategoryIssuerAuth, mdlerrors.ErrMSOExpired,
			"MSO expired (validUntil: %s)", mso.ValidityInfo.ValidUntil)
	}
	return nil
}

// VerifyDigest checks that the original encoded bytes of a disclosed
// IssuerSignedItem hash to the digest the MSO records for its namespace
// and digestID. It hashes itemBytes — the original tag-24 payload bytes
// captured by pkg/cbor — rather than re-marshaling a decoded Go struct, so
// the check is correct even if the issuer's encoder wasn't canonical.
func VerifyDigest(mso *MobileSecurityObject, namespace string, item mdoc.IssuerSignedItem, itemBytes []byte) error {
	nsDigests, ok := mso.ValueDigests[namespace]
	if !ok {
		return mdlerrors.New(mdlerrors.CategoryDataIntegrity, mdlerrors.ErrMissingNamespace,
			"no digests recorded for namespace %s", namespace)
	}
	expected, ok := nsDigests[item.DigestID]
	if !ok {
		return mdlerrors.New(mdlerrors.CategoryDataIntegrity, mdlerrors.ErrMissingDigest,
			"no digest for digestID %d in namespace %s", item.DigestID, namespace)
	}

	h, err := DigestAlgorithm(mso.DigestAlgorithm).newHash()
	if err != nil {
		return mdlerrors.New(mdlerrors.CategoryDataIntegrity, mdlerrors.ErrDigestAlgorithm, "%v", err)
	}
	h.Write(itemBytes)
	computed := h.Sum(nil)

	if !bytes.Equal(computed, expected) {
		return mdlerrors.New(mdlerrors.CategoryDataIntegrity, mdlerrors.ErrDigestMismatch,
			"digest mismatch for %s/%s (digestID %d)", namespace, item.ElementID, item.DigestID)
	}
	return nil
}

// JurisdictionCoupling classifies the comparison between the disclosed
// issuing_jurisdiction element (if any) and the issuer certificate's
// stateOrProvince RDN (if any): PASSED when both present and equal or
// both absent, WARNING otherwise.
type JurisdictionCoupling int

const (
	JurisdictionPassed JurisdictionCoupling = iota
	JurisdictionWarning
)

// CheckJurisdictionCoupling compares the disclosed jurisdiction claim
// against the certificate's stateOrProvince. Unlike issuing_country below,
// issuing_jurisdiction is an optional mDL element with no certificate
// field mandated to carry it, so a mismatch only ever warrants a WARNING.
func CheckJurisdictionCoupling(disclosedJurisdiction string, certStateOrProvince string) JurisdictionCoupling {
	disclosed := disclosedJurisdiction != ""
	onCert := certStateOrProvince != ""

	switch {
	case !disclosed && !onCert:
		return JurisdictionPassed
	case disclosed && onCert && disclosedJurisdiction == certStateOrProvince:
		return JurisdictionPassed
	default:
		return JurisdictionWarning
	}
}

// VerifyIssuingCountry checks the disclosed issuing_country element
// against the issuer certificate's countryName. Unlike
// issuing_jurisdiction, issuing_country is a mandatory mDL element that
// must equal the certificate's C, so a mismatch is a hard failure rather
// than a warning. A document that doesn't disclose issuing_country at all
// has nothing to check here.
func VerifyIssuingCountry(disclosedCountry string, certCountryName string) error {
	if disclosedCountry == "" {
		return nil
	}
	if disclosedCountry != certCountryName {
		return mdlerrors.New(mdlerrors.CategoryDataIntegrity, mdlerrors.ErrCountryMismatch,
			"issuing_country %q does not match certificate countryName %q", disclosedCountry, certCountryName)
	}
	return nil
}
