// Package cose implements the subset of RFC 8152 (COSE) ISO/IEC 18013-5
// needs: COSE_Sign1 and COSE_Mac0 envelopes, Sig_structure/MAC_structure
// construction, and COSE_Key to Go public key conversion.
package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"hash"
	"math/big"

	gocose "github.com/veraison/go-cose"

	mdlcbor "github.com/moda-gov-tw/mdl-verifier-go/pkg/cbor"
)

// Algorithm identifiers reused from veraison/go-cose rather than
// redeclared.
const (
	AlgorithmES256  = gocose.AlgorithmES256
	AlgorithmES384  = gocose.AlgorithmES384
	AlgorithmES512  = gocose.AlgorithmES512
	AlgorithmEdDSA  = gocose.AlgorithmEdDSA
	AlgorithmHMAC256 gocose.Algorithm = 5 // HMAC w/ SHA-256; go-cose has no MAC constant
)

const (
	HeaderLabelAlgorithm = gocose.HeaderLabelAlgorithm
	HeaderLabelX5Chain   = gocose.HeaderLabelX5Chain
)

// COSE_Key type/curve labels (RFC 8152 §13).
const (
	KeyTypeEC2 int64 = 2
	KeyTypeOKP int64 = 1

	CurveP256    int64 = 1
	CurveP384    int64 = 2
	CurveP521    int64 = 3
	CurveEd25519 int64 = 6
)

// COSEKey is a COSE_Key structure (RFC 8152 §7) restricted to the public
// key material the verifier needs: EC2 (P-256/384/521) and OKP (Ed25519).
type COSEKey struct {
	Kty int64  `cbor:"1,keyasint"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// ToPublicKey converts a COSE_Key into the corresponding Go public key,
// dispatching on kty: EC2 (P-256/384/521) or OKP (Ed25519).
func (k *COSEKey) ToPublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case KeyTypeEC2:
		return k.toECDSAPublicKey()
	case KeyTypeOKP:
		return k.toEd25519PublicKey()
	default:
		return nil, fmt.Errorf("cose: unsupported key type %d", k.Kty)
	}
}

func (k *COSEKey) toECDSAPublicKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case CurveP256:
		curve = elliptic.P256()
	case CurveP384:
		curve = elliptic.P384()
	case CurveP521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("cose: unsupported EC2 curve %d", k.Crv)
	}
	if len(k.X) == 0 || len(k.Y) == 0 {
		return nil, fmt.Errorf("cose: EC2 key missing x or y coordinate")
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}, nil
}

func (k *COSEKey) toEd25519PublicKey() (ed25519.PublicKey, error) {
	if k.Crv != CurveEd25519 {
		return nil, fmt.Errorf("cose: unsupported OKP curve %d", k.Crv)
	}
	if len(k.X) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cose: invalid Ed25519 key size %d", len(k.X))
	}
	return ed25519.PublicKey(k.X), nil
}

// Sign1 is a COSE_Sign1 structure (RFC 8152 §4.2): [protected, unprotected,
// payload, signature]. Protected/unprotected headers are kept as raw maps
// so ExtractCertificateChain/ExtractAlgorithm can read well-known labels
// without a full go-cose Sign1Message dependency for the wire shape, while
// still reusing go-cose's algorithm/label constants above.
type Sign1 struct {
	Protected    map[int64]any
	rawProtected []byte
	Unprotected  map[int64]any
	Payload      []byte
	Signature    []byte
}

// ProtectedBytes returns the exact encoded protected header bytes carried
// on the wire, rather than a re-encoding of the decoded map, so the
// Sig_structure built over them matches byte-for-byte even if the issuer's
// CBOR encoder wasn't canonical.
func (s *Sign1) ProtectedBytes() []byte { return s.rawProtected }

func (s *Sign1) MarshalCBOR() ([]byte, error) {
	protectedBytes := s.rawProtected
	if protectedBytes == nil {
		b, err := mdlcbor.Marshal(s.Protected)
		if err != nil {
			return nil, fmt.Errorf("cose: encode protected header: %w", err)
		}
		protectedBytes = b
	}
	arr := []any{protectedBytes, s.Unprotected, s.Payload, s.Signature}
	return mdlcbor.Marshal(arr)
}

func (s *Sign1) UnmarshalCBOR(data []byte) error {
	var arr [4]any
	if err := mdlcbor.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("cose: decode COSE_Sign1 array: %w", err)
	}
	protectedBytes, ok := arr[0].([]byte)
	if !ok {
		return fmt.Errorf("cose: protected header is not a byte string")
	}
	var protected map[int64]any
	if len(protectedBytes) > 0 {
		if err := mdlcbor.Unmarshal(protectedBytes, &protected); err != nil {
			return fmt.Errorf("cose: decode protected header: %w", err)
		}
	}
	unprotected, _ := arr[1].(map[int64]any)
	payload, _ := arr[2].([]byte)
	signature, ok := arr[3].([]byte)
	if !ok {
		return fmt.Errorf("cose: signature is not a byte string")
	}

	s.Protected = protected
	s.rawProtected = protectedBytes
	s.Unprotected = unprotected
	s.Payload = payload
	s.Signature = signature
	return nil
}

// Mac0 is a COSE_Mac0 structure (RFC 8152 §6.2): [protected, unprotected,
// payload, tag].
type Mac0 struct {
	Protected    map[int64]any
	rawProtected []byte
	Unprotected  map[int64]any
	Payload      []byte
	Tag          []byte
}

// ProtectedBytes returns the exact encoded protected header bytes carried
// on the wire (see Sign1.ProtectedBytes).
func (m *Mac0) ProtectedBytes() []byte { return m.rawProtected }

func (m *Mac0) MarshalCBOR() ([]byte, error) {
	protectedBytes := m.rawProtected
	if protectedBytes == nil {
		b, err := mdlcbor.Marshal(m.Protected)
		if err != nil {
			return nil, fmt.Errorf("cose: encode protected header: %w", err)
		}
		protectedBytes = b
	}
	arr := []any{protectedBytes, m.Unprotected, m.Payload, m.Tag}
	return mdlcbor.Marshal(arr)
}

func (m *Mac0) UnmarshalCBOR(data []byte) error {
	var arr [4]any
	if err := mdlcbor.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("cose: decode COSE_Mac0 array: %w", err)
	}
	protectedBytes, ok := arr[0].([]byte)
	if !ok {
		return fmt.Errorf("cose: protected header is not a byte string")
	}
	var protected map[int64]any
	if len(protectedBytes) > 0 {
		if err := mdlcbor.Unmarshal(protectedBytes, &protected); err != nil {
			return fmt.Errorf("cose: decode protected header: %w", err)
		}
	}
	unprotected, _ := arr[1].(map[int64]any)
	payload, _ := arr[2].([]byte)
	tag, ok := arr[3].([]byte)
	if !ok {
		return fmt.Errorf("cose: tag is not a byte string")
	}

	m.Protected = protected
	m.rawProtected = protectedBytes
	m.Unprotected = unprotected
	m.Payload = payload
	m.Tag = tag
	return nil
}

// ExtractAlgorithm reads the alg (label 1) protected header, the way the
// teacher's ExtractAlgorithm does for COSE_Sign1; here it's generalized to
// read from either header map since COSE_Mac0 carries the same label.
func ExtractAlgorithm(protected map[int64]any) (gocose.Algorithm, error) {
	raw, ok := protected[int64(HeaderLabelAlgorithm)]
	if !ok {
		return 0, fmt.Errorf("cose: missing algorithm (label %d) in protected header", HeaderLabelAlgorithm)
	}
	switch v := raw.(type) {
	case int64:
		return gocose.Algorithm(v), nil
	case int:
		return gocose.Algorithm(v), nil
	case uint64:
		return gocose.Algorithm(v), nil
	default:
		return 0, fmt.Errorf("cose: unexpected algorithm type %T", raw)
	}
}

// ExtractCertificateChain reads the x5chain (label 33) protected header
// and parses every certificate in it (single []byte or []any of []byte),
// returning the whole chain rather than only the leaf, so pkg/certs can
// build a full intermediate chain.
func ExtractCertificateChain(protected map[int64]any) ([]*x509.Certificate, error) {
	raw, ok := protected[int64(HeaderLabelX5Chain)]
	if !ok {
		return nil, fmt.Errorf("cose: missing x5chain (label %d) in protected header", HeaderLabelX5Chain)
	}

	var der [][]byte
	switch v := raw.(type) {
	case []byte:
		der = [][]byte{v}
	case []any:
		for _, c := range v {
			b, ok := c.([]byte)
			if !ok {
				return nil, fmt.Errorf("cose: x5chain entry is not a byte string")
			}
			der = append(der, b)
		}
	default:
		return nil, fmt.Errorf("cose: unexpected x5chain type %T", raw)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("cose: empty x5chain")
	}

	certs := make([]*x509.Certificate, 0, len(der))
	for _, b := range der {
		cert, err := x509.ParseCertificate(b)
		if err != nil {
			return nil, fmt.Errorf("cose: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// BuildSigStructure builds the Sig_structure for COSE_Sign1 (RFC 8152
// §4.4): ["Signature1", body_protected, external_aad, payload].
func BuildSigStructure(bodyProtected, externalAAD, payload []byte) ([]byte, error) {
	if externalAAD == nil {
		externalAAD = []byte{}
	}
	arr := []any{"Signature1", bodyProtected, externalAAD, payload}
	return mdlcbor.Marshal(arr)
}

// BuildMACStructure builds the MAC_structure for COSE_Mac0 (RFC 8152
// §6.3): ["MAC0", protected, external_aad, payload].
func BuildMACStructure(protected, externalAAD, payload []byte) ([]byte, error) {
	if externalAAD == nil {
		externalAAD = []byte{}
	}
	arr := []any{"MAC0", protected, externalAAD, payload}
	return mdlcbor.Marshal(arr)
}

// VerifySign1 verifies the signature over toBeSigned using pubKey per alg,
// dispatching across ECDSA (raw r||s per COSE, not ASN.1), and EdDSA. The
// fixed-length-split approach for ECDSA mirrors dc4eu-vc's verifyECDSA.
func VerifySign1(alg gocose.Algorithm, pubKey crypto.PublicKey, toBeSigned, signature []byte) error {
	switch alg {
	case AlgorithmES256, AlgorithmES384, AlgorithmES512:
		ecKey, ok := pubKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("cose: algorithm %d requires an ECDSA public key, got %T", alg, pubKey)
		}
		return verifyECDSA(alg, ecKey, toBeSigned, signature)
	case AlgorithmEdDSA:
		edKey, ok := pubKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("cose: EdDSA requires an ed25519.PublicKey, got %T", pubKey)
		}
		if !ed25519.Verify(edKey, toBeSigned, signature) {
			return fmt.Errorf("cose: EdDSA signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("cose: unsupported signing algorithm %d", alg)
	}
}

func verifyECDSA(alg gocose.Algorithm, pubKey *ecdsa.PublicKey, toBeSigned, signature []byte) error {
	var h hash.Hash
	var byteLen int
	switch alg {
	case AlgorithmES256:
		h, byteLen = sha256.New(), 32
	case AlgorithmES384:
		h, byteLen = sha512.New384(), 48
	case AlgorithmES512:
		h, byteLen = sha512.New(), 66
	}
	if len(signature) != byteLen*2 {
		return fmt.Errorf("cose: signature length %d, want %d", len(signature), byteLen*2)
	}
	h.Write(toBeSigned)
	digest := h.Sum(nil)

	r := new(big.Int).SetBytes(signature[:byteLen])
	s := new(big.Int).SetBytes(signature[byteLen:])
	if !ecdsa.Verify(pubKey, digest, r, s) {
		return fmt.Errorf("cose: ECDSA signature verification failed")
	}
	return nil
}

// VerifyMac0 verifies an HMAC-256/256 tag over toBeMACed using key,
// following dc4eu-vc's computeMAC shape but restricted to the one MAC
// algorithm ISO 18013-5 uses for device auth.
func VerifyMac0(alg gocose.Algorithm, key, toBeMACed, tag []byte) error {
	if alg != AlgorithmHMAC256 {
		return fmt.Errorf("cose: unsupported MAC algorithm %d", alg)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(toBeMACed)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return fmt.Errorf("cose: MAC verification failed")
	}
	return nil
}
