// Package syncerr defines the error taxonomy shared by the sync engine, the
// remote client and the local cache.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure. A Kind is itself an error so callers can
// test with errors.Is(err, syncerr.KindNetwork).
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNetwork     Kind = "network"
	KindAuth        Kind = "auth"
	KindConflict    Kind = "conflict"
	KindQuota       Kind = "quota"
	KindTranslation Kind = "translation"
)

func (k Kind) Error() string { return string(k) + " error" }

// Error is a classified failure for one operation, optionally scoped to an entity.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	ID         string
	Err        error

	// Current holds the authoritative server row for conflicts, nil if the
	// row no longer exists.
	Current map[string]any
	// Unreachable is set for transport-level failures where the remote never
	// answered (dial errors, resets), as opposed to 5xx responses.
	Unreachable bool
}

func (e *Error) Error() string {
	var scope string
	if e.Collection != "" {
		scope = " " + e.Collection
		if e.ID != "" {
			scope += "/" + e.ID
		}
	}
	if e.Err == nil {
		return fmt.Sprintf("%s%s: %s", e.Op, scope, e.Kind.Error())
	}
	return fmt.Sprintf("%s%s: %v", e.Op, scope, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Translation reports a malformed entity shape.
func Translation(op, format string, args ...any) *Error {
	return Newf(KindTranslation, op, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty Kind when err is unclassified.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Retryable reports whether retrying the same request could succeed.
// Unclassified errors are treated as transient so no edit is dropped on an
// unexpected failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, "":
		return true
	default:
		return false
	}
}

// Permanent reports whether the failure is an authoritative rejection that
// retrying cannot fix.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindTranslation:
		return true
	default:
		return false
	}
}

// IsUnreachable reports whether err is a transport failure where the remote
// never answered.
func IsUnreachable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Unreachable
}

// Scope returns a copy of err attached to a collection/id. Unclassified errors
// are returned unchanged.
func Scope(err error, collection, id string) error {
	var se *Error
	if !errors.As(err, &se) {
		return err
	}
	cp := *se
	cp.Collection = collection
	cp.ID = id
	return &cp
}
