// Package certs evaluates the X.509 trust chain backing an mDL issuer or
// device certificate against a configured set of IACA trust anchors.
package certs

import (
	"crypto/x509"
	"fmt"
	"time"
)

// Evaluator validates certificate chains against a fixed set of trust
// anchors. Immutable after construction, matching the Verifier's
// thread-safety requirement.
type Evaluator struct {
	roots *x509.CertPool
}

// NewEvaluator builds an Evaluator from a set of trust anchors. An empty
// anchor set is not a silent pass — chain validation is always attempted
// against whatever pool was configured, and the caller must use
// Options.DisableCertificateChainValidation to explicitly opt out.
func NewEvaluator(trustAnchors []*x509.Certificate) *Evaluator {
	pool := x509.NewCertPool()
	for _, c := range trustAnchors {
		pool.AddCert(c)
	}
	return &Evaluator{roots: pool}
}

// ValidateChain builds a chain from leaf up through any supplied
// intermediates to one of the evaluator's trust anchors, checking
// signatures and the validity window of every certificate in the chain.
func (e *Evaluator) ValidateChain(leaf *x509.Certificate, intermediates []*x509.Certificate, at time.Time) ([]*x509.Certificate, error) {
	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}

	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         e.roots,
		Intermediates: pool,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("certs: chain validation failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("certs: no valid chain to a trusted anchor")
	}

	chain := chains[0]
	for _, c := range chain {
		if err := ValidateValidityWindow(c, at); err != nil {
			return nil, err
		}
	}

	if leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return nil, fmt.Errorf("certs: leaf certificate %s lacks the digitalSignature key usage", leaf.Subject)
	}

	return chain, nil
}

// ValidateValidityWindow checks a single certificate's NotBefore/NotAfter
// against the reference time.
func ValidateValidityWindow(cert *x509.Certificate, at time.Time) error {
	if at.Before(cert.NotBefore) {
		return fmt.Errorf("certs: certificate %s not yet valid (NotBefore: %v)", cert.Subject, cert.NotBefore)
	}
	if at.After(cert.NotAfter) {
		return fmt.Errorf("certs: certificate %s expired (NotAfter: %v)", cert.Subject, cert.NotAfter)
	}
	return nil
}

// SubjectDN is the subset of a certificate's Subject RDN sequence the
// issuing-jurisdiction cross-check (pkg/mso) cares about.
type SubjectDN struct {
	CountryName     string
	StateOrProvince string
}

// RDN object identifiers (X.520).
var (
	oidCountryName     = []int{2, 5, 4, 6}
	oidStateOrProvince = []int{2, 5, 4, 8}
)

// ExtractSubjectDN walks the certificate's raw RDN sequence rather than
// string-matching cert.Subject.String(): the string form quotes and
// escapes attribute values in ways that make substring matching
// unreliable for the country/jurisdiction comparison.
func ExtractSubjectDN(cert *x509.Certificate) SubjectDN {
	var dn SubjectDN
	for _, name := range cert.Subject.Names {
		switch {
		case oidEqual(name.Type, oidCountryName):
			if s, ok := name.Value.(string); ok {
				dn.CountryName = s
			}
		case oidEqual(name.Type, oidStateOrProvince):
			if s, ok := name.Value.(string); ok {
				dn.StateOrProvince = s
			}
		}
	}
	return dn
}

func oidEqual(oid []int, want []int) bool {
	if len(oid) != len(want) {
		return false
	}
	for i := range oid {
		if oid[i] != want[i] {
			return false
		}
	}
	return true
}
