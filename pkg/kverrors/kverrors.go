// Package kverrors defines the engine's error taxonomy: kinds, not type
// names. Every error that crosses a subsystem boundary is classified via
// one of the six Classes below so callers can branch on kverrors.Is
// instead of type-asserting concrete error types.
package kverrors

import (
	"errors"

	"github.com/zeebo/errs"
)

var (
	// NotFound: a logical object is missing. Recoverable at the caller.
	NotFound = errs.Class("not found")

	// TransientBackend: network/timeout error. BlobStore retries with
	// capped backoff internally; this surfaces only once retries are
	// exhausted.
	TransientBackend = errs.Class("transient backend error")

	// IntegrityMismatch: an md5 mismatch was observed on read.
	IntegrityMismatch = errs.Class("integrity mismatch")

	// Enospc: the backend or local disk reported out of space.
	Enospc = errs.Class("out of space")

	// Corruption: MetaDb or FileEntryIndex reported an inconsistency
	// serious enough to require refusing further writes.
	Corruption = errs.Class("corruption")

	// Misuse: invalid arguments were passed to a store call.
	Misuse = errs.Class("misuse")
)

// Is reports whether err was wrapped by class.
func Is(err error, class errs.Class) bool {
	if err == nil {
		return false
	}
	return class.Has(err)
}

// Kind returns the first recognized kverrors class wrapping err, or the
// zero Class if err was not classified by this package.
func Kind(err error) (errs.Class, bool) {
	for _, class := range []errs.Class{
		NotFound, TransientBackend, IntegrityMismatch, Enospc, Corruption, Misuse,
	} {
		if class.Has(err) {
			return class, true
		}
	}
	return "", false
}

// Unwrap is a convenience re-export so callers working with kverrors don't
// need a separate stdlib errors import for errors.As/errors.Is chains
// feeding into a wrapped class error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
