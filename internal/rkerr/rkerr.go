// Package rkerr defines the error taxonomy from the repository's error
// handling design: a small closed set of kinds, each with a fixed retry
// policy, rather than a type per failure site. It plays the role the
// teacher fills with package-level sentinels in storage/storage.go
// (ErrHashNotFound, ErrHashMismatch, ErrBlobMagicWrong, ...), generalized
// to a single Kind so that callers can branch with errors.Is against one
// of the seven exported sentinels below regardless of which layer raised
// the error.
package rkerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind int

const (
	KindAuthenticationFailed Kind = iota
	KindCorrupt
	KindNotFound
	KindTransient
	KindAlreadyExists
	KindUnsupported
	KindUserAbort
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindCorrupt:
		return "Corrupt"
	case KindNotFound:
		return "NotFound"
	case KindTransient:
		return "Transient"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindUnsupported:
		return "Unsupported"
	case KindUserAbort:
		return "UserAbort"
	default:
		return "Unknown"
	}
}

// Sentinels usable with errors.Is. Wrapped errors carry additional context
// via Error; unwrap them with errors.As to get at the *Error.
var (
	ErrAuthenticationFailed = &sentinel{KindAuthenticationFailed}
	ErrCorrupt              = &sentinel{KindCorrupt}
	ErrNotFound             = &sentinel{KindNotFound}
	ErrTransient            = &sentinel{KindTransient}
	ErrAlreadyExists        = &sentinel{KindAlreadyExists}
	ErrUnsupported          = &sentinel{KindUnsupported}
	ErrUserAbort            = &sentinel{KindUserAbort}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, rkerr.ErrCorrupt) to match an *Error of that Kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

func sentinelKind(err error) (Kind, bool) {
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the Kind of err, if it (or something it wraps) carries one.
func KindOf(err error) (Kind, bool) {
	return sentinelKind(err)
}

// Retryable reports whether the error's kind is the Transient kind, which
// is the only kind the blob-store layer retries with bounded backoff.
func Retryable(err error) bool {
	k, ok := sentinelKind(err)
	return ok && k == KindTransient
}
