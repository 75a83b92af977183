// Package sentinel holds the facts stores report about records. Stores wrap
// them with %w; services translate them into domain errors at the boundary.
package sentinel

import "errors"

var (
	// ErrNotFound: no record under the given id or alias.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a unique id or alias is already taken.
	ErrConflict = errors.New("conflict")
	// ErrImmutable: the record is append-only.
	ErrImmutable = errors.New("immutable")
)
