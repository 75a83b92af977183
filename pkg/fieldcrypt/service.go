// Package fieldcrypt encrypts individual PHI/PII field values at rest.
//
// Values are sealed with AES-256-GCM under a key derived once from the master
// secret with Argon2id. Every call to Encrypt draws a fresh IV, so equal
// plaintexts never produce equal envelopes and encrypted fields cannot be
// searched. Hash provides the deterministic, non-reversible token to search on.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	dErrors "medguard/pkg/domain-errors"
)

const (
	ivSize  = 12
	tagSize = 16

	// DefaultSalt is used when no deployment salt is configured. The derived
	// key must be stable across restarts, so the salt is fixed per deployment.
	DefaultSalt = "medguard.fieldcrypt.v1.salt"

	hashKeyInfo = "medguard.fieldcrypt.hash"
)

// Service encrypts, decrypts and hashes field values. It is safe for
// concurrent use; key material is read-only after construction.
type Service struct {
	aead    cipher.AEAD
	hashKey []byte
	rand    io.Reader
	logger  *slog.Logger
}

type config struct {
	salt   []byte
	params KDFParams
	rand   io.Reader
	logger *slog.Logger
}

// Option configures the Service.
type Option func(*config)

// WithSalt overrides the key-derivation salt.
func WithSalt(salt string) Option {
	return func(c *config) {
		c.salt = []byte(salt)
	}
}

// WithKDFParams overrides the Argon2id parameters.
func WithKDFParams(p KDFParams) Option {
	return func(c *config) {
		c.params = p
	}
}

// WithRandom overrides the IV source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}

// WithLogger sets the logger used for construction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New derives the field and hashing keys from masterSecret.
func New(masterSecret string, opts ...Option) (*Service, error) {
	cfg := config{
		salt:   []byte(DefaultSalt),
		params: DefaultKDFParams(),
		rand:   rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(masterSecret) < 16 {
		return nil, dErrors.Wrap(ErrInvalidKey, dErrors.CodeValidation, "master secret must be at least 16 characters")
	}
	if len(cfg.salt) < 16 {
		return nil, dErrors.Wrap(ErrInvalidKey, dErrors.CodeValidation, "salt must be at least 16 bytes")
	}
	if err := cfg.params.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid key derivation parameters")
	}

	key := argon2.IDKey([]byte(masterSecret), cfg.salt,
		cfg.params.Iterations, cfg.params.Memory, cfg.params.Parallelism, cfg.params.KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	hashKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, cfg.salt, []byte(hashKeyInfo)), hashKey); err != nil {
		return nil, fmt.Errorf("failed to derive hash key: %w", err)
	}

	cfg.logger.Info("field encryption initialized",
		"kdf", "argon2id",
		"memory_kib", cfg.params.Memory,
		"iterations", cfg.params.Iterations,
	)

	return &Service{
		aead:    aead,
		hashKey: hashKey,
		rand:    cfg.rand,
		logger:  cfg.logger,
	}, nil
}

// Encrypt seals plaintext into an envelope. The empty string is sealed like
// any other value.
func (s *Service) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return "", dErrors.Wrap(fmt.Errorf("%w: generate iv: %v", ErrEncryptionFailed, err), dErrors.CodeInternal, "failed to encrypt value")
	}

	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return Envelope{IV: iv, Tag: tag, Ciphertext: ciphertext}.String(), nil
}

// Decrypt opens an envelope produced by Encrypt. A malformed envelope
// fails with ErrInvalidEnvelope, including the empty string; a tag mismatch
// fails with ErrIntegrity.
func (s *Service) Decrypt(envelope string) (string, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "malformed encrypted value")
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := s.aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return "", dErrors.Wrap(ErrIntegrity, dErrors.CodeIntegrity, "encrypted value failed integrity check")
	}
	return string(plaintext), nil
}

// Hash returns a deterministic, keyed, one-way digest of value for building
// search and comparison tokens. It cannot be reversed into the value.
func (s *Service) Hash(value string) string {
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
