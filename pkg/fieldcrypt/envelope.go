package fieldcrypt

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const envelopeDelimiter = ":"

// Envelope is the persisted form of one encrypted value.
type Envelope struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// String renders "<hex iv>:<hex tag>:<hex ciphertext>".
func (e Envelope) String() string {
	return hex.EncodeToString(e.IV) + envelopeDelimiter +
		hex.EncodeToString(e.Tag) + envelopeDelimiter +
		hex.EncodeToString(e.Ciphertext)
}

// ParseEnvelope splits and hex-decodes a stored value. It checks shape only;
// authenticity is checked by Decrypt.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(s, envelopeDelimiter)
	if len(parts) != 3 {
		return Envelope{}, fmt.Errorf("%w: expected 3 components, got %d", ErrInvalidEnvelope, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return Envelope{}, fmt.Errorf("%w: bad iv", ErrInvalidEnvelope)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return Envelope{}, fmt.Errorf("%w: bad authentication tag", ErrInvalidEnvelope)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad ciphertext", ErrInvalidEnvelope)
	}
	return Envelope{IV: iv, Tag: tag, Ciphertext: ciphertext}, nil
}

// LooksEncrypted reports whether s has the envelope shape.
func LooksEncrypted(s string) bool {
	_, err := ParseEnvelope(s)
	return err == nil
}
