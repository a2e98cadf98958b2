// Package verifier orchestrates the three-phase check ISO/IEC 18013-5
// DeviceResponse verification requires — issuer auth, device auth, data
// integrity — in that fixed order, emitting one Assessment per sub-check
// rather than stopping at the first failure within a phase.
package verifier

import (
	"context"
	"crypto/ecdh"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/moda-gov-tw/mdl-verifier-go/pkg/certs"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/cose"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdlerrors"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdoc"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mso"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/transcript"
)

// Status is the outcome of a single check.
type Status int

const (
	Passed Status = iota
	Warning
	Failed
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "PASSED"
	case Warning:
		return "WARNING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Assessment records the outcome of one sub-check within a verification
// phase.
type Assessment struct {
	Status   Status
	Category mdlerrors.Category
	Check    string
	Reason   string
}

// Collector receives every Assessment as verification proceeds.
type Collector interface {
	Record(Assessment)
}

// CollectorFunc adapts a plain function to Collector.
type CollectorFunc func(Assessment)

func (f CollectorFunc) Record(a Assessment) { f(a) }

// Options configures a single Verify/Diagnose call. Per-call, not
// constructor-time — trust anchors are the only thing fixed at
// construction (see NewVerifier).
type Options struct {
	// SessionTranscriptBytes is the encoded SessionTranscript used to bind
	// DeviceAuthentication. Required whenever the device-auth phase runs;
	// without it that phase records a FAILED deviceAuth.sessionTranscript.
	SessionTranscriptBytes []byte
	// EphemeralReaderKey is the reader's ephemeral private key, required
	// only for the MAC device-auth path (ECDH + HKDF EMacKey derivation).
	EphemeralReaderKey *ecdh.PrivateKey
	// DisableCertificateChainValidation skips chain-to-anchor validation
	// (e.g. for test fixtures signed by a throwaway CA). Must be set
	// explicitly — there is no implicit fallback.
	DisableCertificateChainValidation bool
	// OnCheck, if set, receives every Assessment as it's produced, in
	// addition to whatever the call itself returns.
	OnCheck func(Assessment)
	// Now overrides the reference time used for validity-window checks;
	// nil means time.Now().
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Verifier evaluates DeviceResponses against a fixed set of trust anchors.
// Immutable after construction: Verify/Diagnose never mutate it, so a
// single Verifier may be shared across concurrent callers.
type Verifier struct {
	evaluator *certs.Evaluator
}

// NewVerifier builds a Verifier trusting the given IACA root certificates.
func NewVerifier(trustAnchors []*x509.Certificate) *Verifier {
	return &Verifier{evaluator: certs.NewEvaluator(trustAnchors)}
}

// failFastCollector keeps an MDLError for the first FAILED assessment:
// Verify returns it once the current document's phases have run, so every
// check within a phase that doesn't depend on the failed one still runs.
type failFastCollector struct {
	onCheck func(Assessment)
	failure *mdlerrors.MDLError
}

func (c *failFastCollector) Record(a Assessment) {
	if c.onCheck != nil {
		c.onCheck(a)
	}
	if a.Status == Failed && c.failure == nil {
		c.failure = &mdlerrors.MDLError{Category: a.Category, Message: fmt.Sprintf("%s: %s", a.Check, a.Reason)}
	}
}

// Verify runs all three phases against a single encoded DeviceResponse and
// returns the parsed response if every phase passes (WARNING never blocks
// the verdict; only FAILED does). Errors surface uniformly as *mdlerrors.MDLError.
func (v *Verifier) Verify(ctx context.Context, encoded []byte, opts Options) (*mdoc.DeviceResponse, error) {
	collector := &failFastCollector{onCheck: opts.OnCheck}

	resp, err := mdoc.ParseDeviceResponse(encoded)
	if err != nil {
		return nil, err
	}

	for i := range resp.Documents {
		if err := ctx.Err(); err != nil {
			return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.Unknown, "verification canceled: %v", err)
		}
		doc := &resp.Documents[i]
		v.verifyDocument(ctx, doc, opts, collector)
		if collector.failure != nil {
			return nil, collector.failure
		}
	}
	return resp, nil
}

// VerifyCollecting runs all phases but never stops early: every Assessment
// for every document is recorded, and the call only ever returns a
// transport/document-format error (malformed CBOR, no documents). This is
// what pkg/diagnostics uses to build an exhaustive report.
func (v *Verifier) VerifyCollecting(ctx context.Context, encoded []byte, opts Options, collector Collector) (*mdoc.DeviceResponse, error) {
	resp, err := mdoc.ParseDeviceResponse(encoded)
	if err != nil {
		return nil, err
	}
	wrapped := CollectorFunc(func(a Assessment) {
		if opts.OnCheck != nil {
			opts.OnCheck(a)
		}
		collector.Record(a)
	})
	for i := range resp.Documents {
		v.verifyDocument(ctx, &resp.Documents[i], opts, wrapped)
	}
	return resp, nil
}

func (v *Verifier) verifyDocument(ctx context.Context, doc *mdoc.Document, opts Options, collector Collector) {
	now := opts.now()

	// Phase 1: ISSUER_AUTH.
	leafCert, parsedMSO, issuerOK := v.verifyIssuerAuth(doc, opts, now, collector)

	// Phase 2: DEVICE_AUTH. The device key comes from the MSO, and this
	// phase runs only when every issuer-auth check passed; after any
	// issuer-auth failure (an MSO outside its validity window included) it
	// is skipped and records no assessment.
	if issuerOK && parsedMSO != nil {
		v.verifyDeviceAuth(doc, parsedMSO, opts, collector)
	}

	// Phase 3: DATA_INTEGRITY. Digest binding only makes sense once we
	// have an MSO to check digests against.
	if parsedMSO != nil {
		v.verifyDataIntegrity(ctx, doc, parsedMSO, leafCert, collector)
	}
}

func (v *Verifier) verifyIssuerAuth(doc *mdoc.Document, opts Options, now time.Time, collector Collector) (*x509.Certificate, *mso.MobileSecurityObject, bool) {
	const phase = mdlerrors.CategoryIssuerAuth

	var sign1 cose.Sign1
	if err := sign1.UnmarshalCBOR(doc.IssuerSigned.IssuerAuth); err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.parse", err.Error()})
		return nil, nil, false
	}
	collector.Record(Assessment{Passed, phase, "issuerAuth.parse", ""})

	chain, err := cose.ExtractCertificateChain(sign1.Protected)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.certificateChain", err.Error()})
		return nil, nil, false
	}
	leaf := chain[0]
	collector.Record(Assessment{Passed, phase, "issuerAuth.certificateChain", ""})

	issuerOK := true
	if certs.ExtractSubjectDN(leaf).CountryName == "" {
		collector.Record(Assessment{Failed, phase, "issuerAuth.subjectCountry", "issuer certificate subject has no countryName (C)"})
		issuerOK = false
	} else {
		collector.Record(Assessment{Passed, phase, "issuerAuth.subjectCountry", ""})
	}

	if opts.DisableCertificateChainValidation {
		collector.Record(Assessment{Warning, phase, "issuerAuth.chainValidation", "chain validation disabled by caller option"})
	} else {
		if _, err := v.evaluator.ValidateChain(leaf, chain[1:], now); err != nil {
			collector.Record(Assessment{Failed, phase, "issuerAuth.chainValidation", err.Error()})
			issuerOK = false
		} else {
			collector.Record(Assessment{Passed, phase, "issuerAuth.chainValidation", ""})
		}
	}

	alg, err := cose.ExtractAlgorithm(sign1.Protected)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.algorithm", err.Error()})
		return nil, nil, false
	}

	toBeSigned, err := cose.BuildSigStructure(sign1.ProtectedBytes(), nil, sign1.Payload)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.signature", err.Error()})
		return nil, nil, false
	}
	if err := cose.VerifySign1(alg, leaf.PublicKey, toBeSigned, sign1.Signature); err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.signature", err.Error()})
		return nil, nil, false
	}
	collector.Record(Assessment{Passed, phase, "issuerAuth.signature", ""})

	parsedMSO, err := mso.Parse(sign1.Payload)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.msoParse", err.Error()})
		return leaf, nil, false
	}
	collector.Record(Assessment{Passed, phase, "issuerAuth.msoParse", ""})

	if err := mso.ValidateValidity(parsedMSO, now); err != nil {
		collector.Record(Assessment{Failed, phase, "issuerAuth.validity", err.Error()})
		return leaf, parsedMSO, false
	}
	collector.Record(Assessment{Passed, phase, "issuerAuth.validity", ""})

	return leaf, parsedMSO, issuerOK
}

func (v *Verifier) verifyDeviceAuth(doc *mdoc.Document, parsedMSO *mso.MobileSecurityObject, opts Options, collector Collector) any {
	const phase = mdlerrors.CategoryDeviceAuth
	auth := doc.DeviceSigned.DeviceAuth

	hasSig := auth.HasSignature()
	hasMAC := auth.HasMAC()
	switch {
	case hasSig == hasMAC:
		reason := "neither deviceSignature nor deviceMac present"
		if hasSig {
			reason = "both deviceSignature and deviceMac present"
		}
		collector.Record(Assessment{Failed, phase, "deviceAuth.proofPresence", reason})
		return nil
	}
	collector.Record(Assessment{Passed, phase, "deviceAuth.proofPresence", ""})

	coseKeyMap := parsedMSO.DeviceKeyInfo.DeviceKey
	var coseKey cose.COSEKey
	// Positive CBOR integers decode into `any` as uint64, negative as int64.
	switch kty := coseKeyMap[1].(type) {
	case int64:
		coseKey.Kty = kty
	case uint64:
		coseKey.Kty = int64(kty)
	}
	switch crv := coseKeyMap[-1].(type) {
	case int64:
		coseKey.Crv = crv
	case uint64:
		coseKey.Crv = int64(crv)
	}
	if x, ok := coseKeyMap[-2].([]byte); ok {
		coseKey.X = x
	}
	if y, ok := coseKeyMap[-3].([]byte); ok {
		coseKey.Y = y
	}
	devicePub, err := coseKey.ToPublicKey()
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.deviceKeyExtraction", err.Error()})
		return nil
	}
	collector.Record(Assessment{Passed, phase, "deviceAuth.deviceKeyExtraction", ""})

	if len(opts.SessionTranscriptBytes) == 0 {
		collector.Record(Assessment{Failed, phase, "deviceAuth.sessionTranscript", "no session transcript supplied"})
		return nil
	}

	deviceAuthBytes, err := transcript.BuildDeviceAuthenticationBytes(opts.SessionTranscriptBytes, doc.DocType, doc.DeviceSigned.NameSpaces)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.transcriptBinding", err.Error()})
		return nil
	}

	if hasSig {
		var sign1 cose.Sign1
		if err := sign1.UnmarshalCBOR(auth.DeviceSignature); err != nil {
			collector.Record(Assessment{Failed, phase, "deviceAuth.signature", err.Error()})
			return nil
		}
		alg, err := cose.ExtractAlgorithm(sign1.Protected)
		if err != nil {
			collector.Record(Assessment{Failed, phase, "deviceAuth.signature", err.Error()})
			return nil
		}
		toBeSigned, err := cose.BuildSigStructure(sign1.ProtectedBytes(), nil, deviceAuthBytes)
		if err != nil {
			collector.Record(Assessment{Failed, phase, "deviceAuth.signature", err.Error()})
			return nil
		}
		if err := cose.VerifySign1(alg, devicePub, toBeSigned, sign1.Signature); err != nil {
			collector.Record(Assessment{Failed, phase, "deviceAuth.signature", err.Error()})
			return nil
		}
		collector.Record(Assessment{Passed, phase, "deviceAuth.signature", ""})
		return devicePub
	}

	// MAC path: needs the reader's ephemeral key to derive EMacKey via
	// ECDH + HKDF against the device's EC2 key.
	if opts.EphemeralReaderKey == nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", "ephemeralReaderKey required for MAC device auth"})
		return nil
	}
	ecdhDevicePub, err := toECDHPublicKey(devicePub)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}
	emacKey, err := transcript.DeriveEMacKey(opts.EphemeralReaderKey, ecdhDevicePub, opts.SessionTranscriptBytes)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}

	var mac0 cose.Mac0
	if err := mac0.UnmarshalCBOR(auth.DeviceMac); err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}
	alg, err := cose.ExtractAlgorithm(mac0.Protected)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}
	toBeMACed, err := cose.BuildMACStructure(mac0.ProtectedBytes(), nil, deviceAuthBytes)
	if err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}
	if err := cose.VerifyMac0(alg, emacKey, toBeMACed, mac0.Tag); err != nil {
		collector.Record(Assessment{Failed, phase, "deviceAuth.mac", err.Error()})
		return nil
	}
	collector.Record(Assessment{Passed, phase, "deviceAuth.mac", ""})
	return devicePub
}

func (v *Verifier) verifyDataIntegrity(ctx context.Context, doc *mdoc.Document, parsedMSO *mso.MobileSecurityObject, leafCert *x509.Certificate, collector Collector) {
	const phase = mdlerrors.CategoryDataIntegrity

	if parsedMSO.DigestAlgorithm != "SHA-256" && parsedMSO.DigestAlgorithm != "SHA-384" && parsedMSO.DigestAlgorithm != "SHA-512" {
		collector.Record(Assessment{Failed, phase, "dataIntegrity.digestAlgorithm", fmt.Sprintf("unsupported digest algorithm %q", parsedMSO.DigestAlgorithm)})
		return
	}

	type nsResult struct {
		namespace string
		err       error
	}
	namespaces := make([]string, 0, len(doc.IssuerSigned.NameSpaces))
	for ns := range doc.IssuerSigned.NameSpaces {
		namespaces = append(namespaces, ns)
	}

	results := make([]nsResult, len(namespaces))
	var wg sync.WaitGroup
	for i, ns := range namespaces {
		wg.Add(1)
		go func(i int, ns string) {
			defer wg.Done()
			results[i] = nsResult{namespace: ns, err: verifyNamespaceDigests(doc, parsedMSO, ns)}
		}(i, ns)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			collector.Record(Assessment{Failed, phase, fmt.Sprintf("dataIntegrity.digest[%s]", r.namespace), r.err.Error()})
		} else {
			collector.Record(Assessment{Passed, phase, fmt.Sprintf("dataIntegrity.digest[%s]", r.namespace), ""})
		}
	}

	if leafCert != nil {
		checkJurisdictionCoupling(doc, leafCert, collector)
		checkIssuingCountry(doc, leafCert, collector)
	}
}

func verifyNamespaceDigests(doc *mdoc.Document, parsedMSO *mso.MobileSecurityObject, namespace string) error {
	for _, wrapped := range doc.IssuerSigned.NameSpaces[namespace] {
		var item mdoc.IssuerSignedItem
		if err := wrapped.Decode(&item); err != nil {
			return fmt.Errorf("decode issuer-signed item: %w", err)
		}
		if err := mso.VerifyDigest(parsedMSO, namespace, item, []byte(wrapped)); err != nil {
			return err
		}
	}
	return nil
}

func checkJurisdictionCoupling(doc *mdoc.Document, leafCert *x509.Certificate, collector Collector) {
	const phase = mdlerrors.CategoryDataIntegrity
	dn := certs.ExtractSubjectDN(leafCert)

	var disclosed string
	for _, items := range doc.IssuerSigned.NameSpaces {
		for _, wrapped := range items {
			var item mdoc.IssuerSignedItem
			if err := wrapped.Decode(&item); err != nil {
				continue
			}
			if item.ElementID == "issuing_jurisdiction" {
				if s, ok := item.ElementValue.(string); ok {
					disclosed = s
				}
			}
		}
	}

	switch mso.CheckJurisdictionCoupling(disclosed, dn.StateOrProvince) {
	case mso.JurisdictionPassed:
		collector.Record(Assessment{Passed, phase, "dataIntegrity.jurisdictionCoupling", ""})
	default:
		collector.Record(Assessment{Warning, phase, "dataIntegrity.jurisdictionCoupling",
			fmt.Sprintf("disclosed jurisdiction %q does not match certificate stateOrProvince %q", disclosed, dn.StateOrProvince)})
	}
}

func checkIssuingCountry(doc *mdoc.Document, leafCert *x509.Certificate, collector Collector) {
	const phase = mdlerrors.CategoryDataIntegrity
	dn := certs.ExtractSubjectDN(leafCert)

	var disclosed string
	for _, items := range doc.IssuerSigned.NameSpaces {
		for _, wrapped := range items {
			var item mdoc.IssuerSignedItem
			if err := wrapped.Decode(&item); err != nil {
				continue
			}
			if item.ElementID == "issuing_country" {
				if s, ok := item.ElementValue.(string); ok {
					disclosed = s
				}
			}
		}
	}

	if err := mso.VerifyIssuingCountry(disclosed, dn.CountryName); err != nil {
		collector.Record(Assessment{Failed, phase, "dataIntegrity.issuingCountry", err.Error()})
		return
	}
	collector.Record(Assessment{Passed, phase, "dataIntegrity.issuingCountry", ""})
}

func toECDHPublicKey(pub any) (*ecdh.PublicKey, error) {
	type ecdhConvertible interface {
		ECDH() (*ecdh.PublicKey, error)
	}
	if conv, ok := pub.(ecdhConvertible); ok {
		return conv.ECDH()
	}
	return nil, fmt.Errorf("device key does not support ECDH (MAC device auth requires an EC2 key)")
}
