// Package diagnostics builds a structured, human-readable Report from a
// DeviceResponse verification pass, aggregating every Assessment the
// verifier emitted rather than surfacing only the final pass/fail verdict.
package diagnostics

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"

	gocose "github.com/veraison/go-cose"

	mdlcbor "github.com/moda-gov-tw/mdl-verifier-go/pkg/cbor"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/cose"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdoc"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mso"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/verifier"
)

// SignatureReport summarizes one COSE envelope's verification outcome.
// Digests is only populated for the issuer signature — it records the
// number of valueDigests entries the MSO carries per namespace.
type SignatureReport struct {
	Alg     string
	IsValid bool
	Reasons []string
	Digests map[string]int
}

// DataIntegrityReport summarizes the digest-binding phase.
type DataIntegrityReport struct {
	DisclosedAttributes string // "k of n"
	IsValid             bool
	Reasons             []string
}

// Attribute is one disclosed issuer-signed element.
type Attribute struct {
	Namespace        string
	ElementID        string
	Value             any
	IsValid          bool
	MatchCertificate bool
}

// IssuerCertificateReport describes the leaf certificate that signed
// IssuerAuth.
type IssuerCertificateReport struct {
	SubjectName  string
	PEM          string
	NotBefore    string
	NotAfter     string
	SerialNumber string
	Thumbprint   string
}

// JWK is a JSON Web Key (RFC 7517) restricted to the public-key fields a
// device key needs.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"`
}

// DeviceKeyReport carries the holder device key in JWK form.
type DeviceKeyReport struct {
	JWK *JWK
}

// Report is the full diagnostic output for one document within a
// DeviceResponse.
type Report struct {
	IssuerSignature  SignatureReport
	DeviceSignature  *SignatureReport // nil for issuer-only documents
	DataIntegrity    DataIntegrityReport
	Attributes       []Attribute
	DeviceAttributes map[string]any
	IssuerCertificate IssuerCertificateReport
	DeviceKey        DeviceKeyReport
}

// VerifyAgeOver reports whether the report's attributes assert
// age_over_<ageN>, and whether that element was disclosed at all.
func (r *Report) VerifyAgeOver(ageN int) (isOver bool, found bool) {
	want := fmt.Sprintf("age_over_%d", ageN)
	for _, a := range r.Attributes {
		if a.ElementID != want {
			continue
		}
		if b, ok := a.Value.(bool); ok {
			return b, true
		}
	}
	return false, false
}

type collectingCollector struct {
	assessments []verifier.Assessment
}

func (c *collectingCollector) Record(a verifier.Assessment) {
	c.assessments = append(c.assessments, a)
}

// Diagnose runs v.VerifyCollecting over every document in encoded and
// derives a Report for the first document from every Assessment produced,
// regardless of whether verification as a whole would have failed. The
// assessments of all documents feed the pass/fail summaries.
func Diagnose(ctx context.Context, v *verifier.Verifier, encoded []byte, opts verifier.Options) (*Report, error) {
	collector := &collectingCollector{}
	resp, err := v.VerifyCollecting(ctx, encoded, opts, collector)
	if err != nil {
		return nil, err
	}
	if len(resp.Documents) == 0 {
		return nil, fmt.Errorf("diagnostics: DeviceResponse contains no documents")
	}
	doc := resp.Documents[0]

	report := &Report{}

	var sign1 cose.Sign1
	var leaf *x509.Certificate
	var parsedMSO *mso.MobileSecurityObject
	if err := sign1.UnmarshalCBOR(doc.IssuerSigned.IssuerAuth); err == nil {
		if alg, err := cose.ExtractAlgorithm(sign1.Protected); err == nil {
			report.IssuerSignature.Alg = algorithmName(alg)
		}
		if chain, err := cose.ExtractCertificateChain(sign1.Protected); err == nil && len(chain) > 0 {
			leaf = chain[0]
		}
		if m, err := mso.Parse(sign1.Payload); err == nil {
			parsedMSO = m
		}
	}

	report.IssuerSignature.IsValid, report.IssuerSignature.Reasons = summarize(collector.assessments, "ISSUER_AUTH", "issuerAuth.")
	report.DataIntegrity.IsValid, report.DataIntegrity.Reasons = summarize(collector.assessments, "DATA_INTEGRITY", "dataIntegrity.")

	if doc.DeviceSigned.DeviceAuth.HasSignature() || doc.DeviceSigned.DeviceAuth.HasMAC() {
		ds := &SignatureReport{}
		if doc.DeviceSigned.DeviceAuth.HasSignature() {
			var ds1 cose.Sign1
			if err := ds1.UnmarshalCBOR(doc.DeviceSigned.DeviceAuth.DeviceSignature); err == nil {
				if alg, err := cose.ExtractAlgorithm(ds1.Protected); err == nil {
					ds.Alg = algorithmName(alg)
				}
			}
		} else {
			var dm0 cose.Mac0
			if err := dm0.UnmarshalCBOR(doc.DeviceSigned.DeviceAuth.DeviceMac); err == nil {
				if alg, err := cose.ExtractAlgorithm(dm0.Protected); err == nil {
					ds.Alg = algorithmName(alg)
				}
			}
		}
		ds.IsValid, ds.Reasons = summarize(collector.assessments, "DEVICE_AUTH", "deviceAuth.")
		report.DeviceSignature = ds
	}

	jurisdictionMatches := true
	for _, a := range collector.assessments {
		if a.Check == "dataIntegrity.jurisdictionCoupling" {
			jurisdictionMatches = a.Status == verifier.Passed
		}
	}

	var disclosed, total int
	for ns, items := range doc.IssuerSigned.NameSpaces {
		for _, wrapped := range items {
			total++
			var item mdoc.IssuerSignedItem
			if err := wrapped.Decode(&item); err != nil {
				report.Attributes = append(report.Attributes, Attribute{Namespace: ns})
				continue
			}
			valid := digestAssessmentPassed(collector.assessments, ns)
			if valid {
				disclosed++
			}
			matchCert := true
			if item.ElementID == "issuing_jurisdiction" {
				matchCert = jurisdictionMatches
			}
			report.Attributes = append(report.Attributes, Attribute{
				Namespace:        ns,
				ElementID:        item.ElementID,
				Value:            item.ElementValue,
				IsValid:          valid,
				MatchCertificate: matchCert,
			})
		}
	}
	report.DataIntegrity.DisclosedAttributes = fmt.Sprintf("%d of %d", disclosed, total)

	if len(doc.DeviceSigned.NameSpaces) > 0 {
		deviceAttrs := make(map[string]any)
		if err := mdlcbor.Unmarshal([]byte(doc.DeviceSigned.NameSpaces), &deviceAttrs); err == nil {
			report.DeviceAttributes = deviceAttrs
		}
	}

	if leaf != nil {
		report.IssuerCertificate = IssuerCertificateReport{
			SubjectName:  leaf.Subject.String(),
			PEM:          string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})),
			NotBefore:    leaf.NotBefore.UTC().Format("2006-01-02T15:04:05Z"),
			NotAfter:     leaf.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
			SerialNumber: leaf.SerialNumber.String(),
			Thumbprint:   fmt.Sprintf("%x", sha256.Sum256(leaf.Raw)),
		}
	}

	if parsedMSO != nil {
		digests := make(map[string]int, len(parsedMSO.ValueDigests))
		for ns, d := range parsedMSO.ValueDigests {
			digests[ns] = len(d)
		}
		report.IssuerSignature.Digests = digests

		if jwk, err := deviceKeyToJWK(parsedMSO.DeviceKeyInfo.DeviceKey); err == nil {
			report.DeviceKey.JWK = jwk
		}
	}

	return report, nil
}

func summarize(assessments []verifier.Assessment, category string, checkPrefix string) (bool, []string) {
	valid := true
	var reasons []string
	for _, a := range assessments {
		if a.Category.String() != category {
			continue
		}
		if checkPrefix != "" && !strings.HasPrefix(a.Check, checkPrefix) {
			continue
		}
		if a.Status == verifier.Failed {
			valid = false
			reasons = append(reasons, a.Reason)
		}
	}
	return valid, reasons
}

func digestAssessmentPassed(assessments []verifier.Assessment, namespace string) bool {
	want := fmt.Sprintf("dataIntegrity.digest[%s]", namespace)
	for _, a := range assessments {
		if a.Check == want {
			return a.Status == verifier.Passed
		}
	}
	return false
}

func algorithmName(alg gocose.Algorithm) string {
	switch alg {
	case cose.AlgorithmES256:
		return "ES256"
	case cose.AlgorithmES384:
		return "ES384"
	case cose.AlgorithmES512:
		return "ES512"
	case cose.AlgorithmEdDSA:
		return "EdDSA"
	case cose.AlgorithmHMAC256:
		return "HMAC256"
	default:
		return strconv.FormatInt(int64(alg), 10)
	}
}

func deviceKeyToJWK(coseKeyMap map[int64]any) (*JWK, error) {
	var key cose.COSEKey
	// Positive CBOR integers decode into `any` as uint64, negative as int64.
	switch kty := coseKeyMap[1].(type) {
	case int64:
		key.Kty = kty
	case uint64:
		key.Kty = int64(kty)
	}
	switch crv := coseKeyMap[-1].(type) {
	case int64:
		key.Crv = crv
	case uint64:
		key.Crv = int64(crv)
	}
	if x, ok := coseKeyMap[-2].([]byte); ok {
		key.X = x
	}
	if y, ok := coseKeyMap[-3].([]byte); ok {
		key.Y = y
	}

	switch key.Kty {
	case cose.KeyTypeEC2:
		crv, err := ec2CurveName(key.Crv)
		if err != nil {
			return nil, err
		}
		return &JWK{Kty: "EC", Crv: crv, X: base64.RawURLEncoding.EncodeToString(key.X), Y: base64.RawURLEncoding.EncodeToString(key.Y)}, nil
	case cose.KeyTypeOKP:
		if key.Crv != cose.CurveEd25519 {
			return nil, fmt.Errorf("diagnostics: unsupported OKP curve %d", key.Crv)
		}
		return &JWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(key.X)}, nil
	default:
		return nil, fmt.Errorf("diagnostics: unsupported device key type %d", key.Kty)
	}
}

func ec2CurveName(crv int64) (string, error) {
	switch crv {
	case cose.CurveP256:
		return "P-256", nil
	case cose.CurveP384:
		return "P-384", nil
	case cose.CurveP521:
		return "P-521", nil
	default:
		return "", fmt.Errorf("diagnostics: unsupported EC2 curve %d", crv)
	}
}
