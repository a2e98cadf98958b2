// Package cbor provides the deterministic CBOR codec (RFC 8949 §4.2.1) the
// rest of the verifier builds on, plus the tag-0/1004/24 wrapper types
// ISO/IEC 18013-5 uses for timestamps and embedded structures.
package cbor

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	TagDateTime    = 0
	TagFullDate    = 1004
	TagEmbeddedCBOR = 24
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		TimeTag:       cbor.EncTagRequired,
		BigIntConvert: cbor.BigIntConvertShortest,
	}
	m, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid encoder options: %v", err))
	}
	encMode = m

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TimeTag:     cbor.DecTagOptional,
	}
	d, err := decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid decoder options: %v", err))
	}
	decMode = d
}

// EncMode returns the shared canonical encode mode. Exposed so adjacent
// packages building their own Marshaler/Unmarshaler pairs (pkg/cose,
// pkg/mso) can compose on the same deterministic settings instead of
// reaching for cbor.Marshal's package-level default.
func EncMode() cbor.EncMode { return encMode }

// DecMode returns the shared decode mode: rejects duplicate map keys and
// indefinite-length items, per the decoder's documented strictness.
func DecMode() cbor.DecMode { return decMode }

// Marshal encodes v using the canonical, deterministic mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v using the strict decode mode.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EmbeddedCBOR is a tag-24 wrapper that preserves the original encoded
// bytes of its payload verbatim rather than re-encoding on decode. Digest
// binding (pkg/mso) hashes these bytes directly, so round-tripping through
// a typed Go value and back must never be allowed to change them.
type EmbeddedCBOR []byte

func (e EmbeddedCBOR) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: TagEmbeddedCBOR, Content: []byte(e)})
}

func (e *EmbeddedCBOR) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("cbor: embedded-cbor: %w", err)
	}
	if tag.Number != TagEmbeddedCBOR {
		return fmt.Errorf("cbor: expected tag %d, got %d", TagEmbeddedCBOR, tag.Number)
	}
	var inner []byte
	if err := decMode.Unmarshal(tag.Content, &inner); err != nil {
		return fmt.Errorf("cbor: embedded-cbor content: %w", err)
	}
	*e = inner
	return nil
}

// Decode unwraps the embedded bytes into v, applying the same strict
// decode mode used at the top level.
func (e EmbeddedCBOR) Decode(v any) error {
	return decMode.Unmarshal([]byte(e), v)
}

// Wrap encodes v canonically and wraps the result as tag-24 embedded CBOR.
func Wrap(v any) (EmbeddedCBOR, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EmbeddedCBOR(b), nil
}

// FullDate is a tag-1004 "YYYY-MM-DD" calendar date, used for fields like
// birth_date and issue_date that carry no time-of-day component.
type FullDate string

func (d FullDate) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: TagFullDate, Content: string(d)})
}

func (d *FullDate) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("cbor: full-date: %w", err)
	}
	if tag.Number != TagFullDate {
		return fmt.Errorf("cbor: expected tag %d, got %d", TagFullDate, tag.Number)
	}
	var s string
	if err := decMode.Unmarshal(tag.Content, &s); err != nil {
		return fmt.Errorf("cbor: full-date content: %w", err)
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("cbor: invalid full-date %q: %w", s, err)
	}
	*d = FullDate(s)
	return nil
}

// DateTime is a tag-0 RFC 3339 timestamp. mso.ValidityInfo does not use
// it: its signed/validFrom/validUntil fields are plain time.Time values,
// encoded and decoded through the shared modes' time-tag settings.
type DateTime struct {
	time.Time
}

func (t DateTime) MarshalCBOR() ([]byte, error) {
	s := t.UTC().Format("2006-01-02T15:04:05Z")
	return encMode.Marshal(cbor.Tag{Number: TagDateTime, Content: s})
}

func (t *DateTime) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("cbor: date-time: %w", err)
	}
	if tag.Number != TagDateTime {
		return fmt.Errorf("cbor: expected tag %d, got %d", TagDateTime, tag.Number)
	}
	var s string
	if err := decMode.Unmarshal(tag.Content, &s); err != nil {
		return fmt.Errorf("cbor: date-time content: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("cbor: invalid date-time %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}
