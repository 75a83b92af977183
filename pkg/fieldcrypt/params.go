package fieldcrypt

import (
	"fmt"

	"github.com/hengadev/errsx"
)

// KDFParams defines the Argon2id parameters used to derive the field key.
type KDFParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// DefaultKDFParams returns the production Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
		KeyLength:   32,
	}
}

// Validate checks the parameters are within acceptable ranges.
func (p KDFParams) Validate() error {
	errs := errsx.Map{}

	if p.Memory < 8192 {
		errs.Set("memory", fmt.Errorf("memory must be at least 8192 KiB, got %d", p.Memory))
	}
	if p.Iterations < 2 {
		errs.Set("iterations", fmt.Errorf("iterations must be at least 2, got %d", p.Iterations))
	}
	if p.Parallelism < 1 {
		errs.Set("parallelism", fmt.Errorf("parallelism must be at least 1, got %d", p.Parallelism))
	}
	// AES-256 only
	if p.KeyLength != 32 {
		errs.Set("keyLength", fmt.Errorf("key length must be 32 bytes, got %d", p.KeyLength))
	}

	return errs.AsError()
}
