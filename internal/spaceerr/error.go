// Package spaceerr defines the stable error taxonomy surfaced by the
// capsule storage core, so callers (CLI exit-code mapping, structured
// logging, protocol adapters) can switch on a Kind without parsing strings.
package spaceerr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the category a caller should branch on.
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	CompressionFailed  Kind = "compression_failed"
	KeyVersionNotFound Kind = "key_version_not_found"
	IntegrityFailure   Kind = "integrity_failure"
	NotFound           Kind = "not_found"
	DurabilityFailure  Kind = "durability_failure"
	CorruptIndex       Kind = "corrupt_index"
	Telemetry          Kind = "telemetry"
)

// Error is the single error type the core returns across all components.
// Sensitive material (keys, plaintext) must never be interpolated into Op
// or wrapped into Err in a way that surfaces it through Error().
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind, unwrapping through the
// standard errors chain.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
