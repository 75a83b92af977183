package fieldcrypt

import (
	"fmt"

	"github.com/hengadev/errsx"
)

// EncryptFields replaces the named string fields of doc with envelopes in place.
// Missing, nil and empty fields are skipped. Failures are collected per field.
func (s *Service) EncryptFields(doc map[string]any, fields ...string) error {
	var errs errsx.Map
	for _, name := range fields {
		v, ok := doc[name]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			errs.Set(name, fmt.Errorf("%w: %T", ErrUnsupportedValue, v))
			continue
		}
		if str == "" {
			continue
		}
		enc, err := s.Encrypt(str)
		if err != nil {
			errs.Set(name, err)
			continue
		}
		doc[name] = enc
	}
	return errs.AsError()
}

// DecryptFields opens the named envelope fields of doc in place.
// Empty fields were never encrypted and are left as they are.
// A field that fails to decrypt keeps its stored value and is reported; the
// caller decides whether a partial read is acceptable.
func (s *Service) DecryptFields(doc map[string]any, fields ...string) error {
	var errs errsx.Map
	for _, name := range fields {
		v, ok := doc[name]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			errs.Set(name, fmt.Errorf("%w: %T", ErrUnsupportedValue, v))
			continue
		}
		if str == "" {
			continue
		}
		dec, err := s.Decrypt(str)
		if err != nil {
			errs.Set(name, err)
			continue
		}
		doc[name] = dec
	}
	return errs.AsError()
}
