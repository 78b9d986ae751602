// Package errdefs defines the error kinds shared by the coordinators and the
// HTTP layer. Backend wrappers classify failures into one of these kinds and
// the response writer maps each kind to a status code.
package errdefs

import "errors"

type errKind int

const (
	kindUnknown errKind = iota
	kindNotFound
	kindUnauthenticated
	kindPermissionDenied
	kindInvalidParameter
	kindGone
	kindTooLarge
	kindUnavailable
)

type kindError struct {
	kind  errKind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

func wrap(kind errKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

func is(err error, kind errKind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// NotFound marks err as a missing record or object.
func NotFound(err error) error { return wrap(kindNotFound, err) }

// Unauthenticated marks err as a failed or missing challenge response.
func Unauthenticated(err error) error { return wrap(kindUnauthenticated, err) }

// PermissionDenied marks err as an owner-token mismatch.
func PermissionDenied(err error) error { return wrap(kindPermissionDenied, err) }

// InvalidParameter marks err as a malformed or out-of-range request.
func InvalidParameter(err error) error { return wrap(kindInvalidParameter, err) }

// Gone marks err as a record whose download limit is exhausted.
func Gone(err error) error { return wrap(kindGone, err) }

// TooLarge marks err as a plan that cannot fit the part-size limits.
func TooLarge(err error) error { return wrap(kindTooLarge, err) }

// Unavailable marks err as a transient backend failure the client may retry.
func Unavailable(err error) error { return wrap(kindUnavailable, err) }

func IsNotFound(err error) bool         { return is(err, kindNotFound) }
func IsUnauthenticated(err error) bool  { return is(err, kindUnauthenticated) }
func IsPermissionDenied(err error) bool { return is(err, kindPermissionDenied) }
func IsInvalidParameter(err error) bool { return is(err, kindInvalidParameter) }
func IsGone(err error) bool             { return is(err, kindGone) }
func IsTooLarge(err error) bool         { return is(err, kindTooLarge) }
func IsUnavailable(err error) bool      { return is(err, kindUnavailable) }
