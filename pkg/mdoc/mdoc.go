// Package mdoc holds the ISO/IEC 18013-5 DeviceResponse data model and the
// parser that decodes a raw CBOR DeviceResponse into it.
package mdoc

import (
	"fmt"
	"strconv"
	"strings"

	mdlcbor "github.com/moda-gov-tw/mdl-verifier-go/pkg/cbor"
	"github.com/moda-gov-tw/mdl-verifier-go/pkg/mdlerrors"
)

// minVersion is the lowest DeviceResponse version this package accepts,
// ISO/IEC 18013-5 §8.3.2.1.2.2.
const minVersion = "1.0"

// DeviceResponse is the top-level structure a reader receives from a
// device, per ISO/IEC 18013-5 §8.3.2.1.2.2.
type DeviceResponse struct {
	Version   string     `cbor:"version"`
	Documents []Document `cbor:"documents"`
	Status    uint64     `cbor:"status"`
}

// Document is one mDL (or other mdoc) presentation within a response.
type Document struct {
	DocType      string       `cbor:"docType"`
	IssuerSigned IssuerSigned `cbor:"issuerSigned"`
	DeviceSigned DeviceSigned `cbor:"deviceSigned"`
}

// IssuerSigned carries the issuer-signed namespaces plus the IssuerAuth
// COSE_Sign1 envelope wrapping the MSO.
type IssuerSigned struct {
	NameSpaces map[string][]mdlcbor.EmbeddedCBOR `cbor:"nameSpaces"`
	IssuerAuth []byte                            `cbor:"issuerAuth"`
}

// IssuerSignedItem is a single disclosed data element, wrapped in tag 24
// inside IssuerSigned.NameSpaces. DigestID indexes into the MSO's
// valueDigests for the same namespace; Random is the per-item salt mixed
// into the digest so identical values hash differently across documents.
type IssuerSignedItem struct {
	DigestID     uint64 `cbor:"digestID"`
	Random       []byte `cbor:"random"`
	ElementID    string `cbor:"elementIdentifier"`
	ElementValue any    `cbor:"elementValue"`
}

// DeviceSigned carries the device's own namespaces (usually empty for mDL
// presentations, since there's nothing further to disclose beyond the
// issuer-signed data) plus the DeviceAuth proof binding the presentation
// to the holder's device key.
type DeviceSigned struct {
	NameSpaces mdlcbor.EmbeddedCBOR `cbor:"nameSpaces"`
	DeviceAuth DeviceAuth           `cbor:"deviceAuth"`
}

// DeviceAuth carries exactly one of DeviceSignature or DeviceMAC — never
// both, never neither.
type DeviceAuth struct {
	DeviceSignature []byte `cbor:"deviceSignature,omitempty"`
	DeviceMac       []byte `cbor:"deviceMac,omitempty"`
}

// HasSignature reports whether the device proved possession via a
// COSE_Sign1 signature rather than a COSE_Mac0 tag.
func (d DeviceAuth) HasSignature() bool { return len(d.DeviceSignature) > 0 }

// HasMAC reports whether the device proved possession via a COSE_Mac0 tag.
func (d DeviceAuth) HasMAC() bool { return len(d.DeviceMac) > 0 }

// ParseDeviceResponse decodes a raw CBOR DeviceResponse and checks its
// structural invariants: a non-empty version and at least one document,
// each with a docType. Anything that fails here is a DOCUMENT_FORMAT
// error — it never reaches issuer-auth or device-auth evaluation.
func ParseDeviceResponse(data []byte) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := mdlcbor.Unmarshal(data, &resp); err != nil {
		return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.ErrMalformedCBOR,
			"malformed DeviceResponse CBOR: %v", err)
	}
	if resp.Version == "" {
		return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.ErrUnsupportedVersion,
			"DeviceResponse missing version")
	}
	if !versionAtLeast(resp.Version, minVersion) {
		return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.ErrUnsupportedVersion,
			"DeviceResponse version %q is below the minimum supported version %q", resp.Version, minVersion)
	}
	if len(resp.Documents) == 0 {
		return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.ErrEmptyDocuments,
			"DeviceResponse contains no documents")
	}
	for i, doc := range resp.Documents {
		if doc.DocType == "" {
			return nil, mdlerrors.New(mdlerrors.CategoryDocumentFormat, mdlerrors.ErrMissingDocType,
				"document %d missing docType", i)
		}
	}
	return &resp, nil
}

// versionAtLeast compares dotted major.minor version strings numerically
// (not lexically, so "1.10" ranks above "1.9"). A version string that
// doesn't parse as dotted integers is treated as below min.
func versionAtLeast(version, min string) bool {
	v, ok := parseVersion(version)
	if !ok {
		return false
	}
	m, ok := parseVersion(min)
	if !ok {
		return false
	}
	if v[0] != m[0] {
		return v[0] > m[0]
	}
	return v[1] >= m[1]
}

func parseVersion(s string) (v [2]int, ok bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return v, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return v, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return v, false
	}
	return [2]int{major, minor}, true
}

// Flatten produces a namespace/element -> value map of a document's
// issuer-signed claims.
func (d Document) Flatten() (map[string]any, error) {
	claims := make(map[string]any)
	for ns, items := range d.IssuerSigned.NameSpaces {
		for _, wrapped := range items {
			var item IssuerSignedItem
			if err := wrapped.Decode(&item); err != nil {
				return nil, fmt.Errorf("mdoc: decode issuer-signed item in %s: %w", ns, err)
			}
			claims[fmt.Sprintf("%s/%s", ns, item.ElementID)] = item.ElementValue
		}
	}
	return claims, nil
}
