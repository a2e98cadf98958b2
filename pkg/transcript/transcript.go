// Package transcript builds the DeviceAuthentication structure a device
// signs or MACs over, and derives the EMacKey used for the MAC path via
// ECDH + HKDF-SHA256, per ISO/IEC 18013-5 §9.1.3.
package transcript

import (
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	mdlcbor "github.com/moda-gov-tw/mdl-verifier-go/pkg/cbor"
)

// BuildDeviceAuthenticationBytes constructs the four-element
// DeviceAuthentication array (ISO 18013-5 §9.1.3.4):
// ["DeviceAuthentication", SessionTranscript, DocType, DeviceNameSpacesBytes],
// then wraps the whole array as tag-24 embedded CBOR and encodes that —
// DeviceAuthenticationBytes' own CDDL definition is
// #6.24(bstr .cbor DeviceAuthentication), matching DeviceNameSpacesBytes'
// definition one level in. This is the detached payload a device signs
// (COSE_Sign1) or MACs (COSE_Mac0) directly. sessionTranscriptBytes is
// spliced in verbatim (it is itself the encoded SessionTranscript array,
// not further wrapped), while deviceNameSpacesBytes is tag-24 wrapped per
// its own CDDL definition.
func BuildDeviceAuthenticationBytes(sessionTranscriptBytes []byte, docType string, deviceNameSpacesBytes []byte) ([]byte, error) {
	if deviceNameSpacesBytes == nil {
		empty, err := mdlcbor.Marshal(map[string]any{})
		if err != nil {
			return nil, fmt.Errorf("transcript: encode empty device namespaces: %w", err)
		}
		deviceNameSpacesBytes = empty
	}
	arr := []any{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscriptBytes),
		docType,
		mdlcbor.EmbeddedCBOR(deviceNameSpacesBytes),
	}
	arrBytes, err := mdlcbor.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("transcript: encode DeviceAuthentication: %w", err)
	}
	return mdlcbor.Marshal(mdlcbor.EmbeddedCBOR(arrBytes))
}

// DeriveEMacKey performs ECDH between the reader's ephemeral private key
// and the device's public key, then HKDF-SHA256 with info="EMacKey" and
// salt=SHA-256(SessionTranscriptBytes), per ISO 18013-5 §9.1.3.5. Both
// keys must be on the same curve. Ed25519 device keys never use the MAC
// path (ECDH needs an EC2 key), so this only accepts *ecdh.PrivateKey /
// *ecdh.PublicKey pairs, not the Ed25519 variant pkg/cose also supports.
func DeriveEMacKey(readerEphemeralPriv *ecdh.PrivateKey, devicePub *ecdh.PublicKey, sessionTranscriptBytes []byte) ([]byte, error) {
	sharedSecret, err := readerEphemeralPriv.ECDH(devicePub)
	if err != nil {
		return nil, fmt.Errorf("transcript: ECDH key agreement failed: %w", err)
	}

	salt := sha256.Sum256(sessionTranscriptBytes)
	reader := hkdf.New(sha256.New, sharedSecret, salt[:], []byte("EMacKey"))

	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("transcript: HKDF expand failed: %w", err)
	}
	return key, nil
}
