package fieldcrypt

import "errors"

var (
	// ErrInvalidEnvelope means the stored value is not a well-formed
	// "<hex iv>:<hex tag>:<hex ciphertext>" triple.
	ErrInvalidEnvelope = errors.New("invalid encrypted envelope")

	// ErrIntegrity means the authentication tag did not verify. The value was
	// tampered with or encrypted under a different key.
	ErrIntegrity = errors.New("encrypted value failed integrity check")

	ErrEncryptionFailed = errors.New("encryption failed")
	ErrInvalidKey       = errors.New("invalid key material")
	ErrUnsupportedValue = errors.New("unsupported field value")
)
