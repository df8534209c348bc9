package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the closed set the edge layer maps to
// HTTP status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindAuth
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error carries a kind, a caller-safe message and optional structured detail.
// Infrastructure causes stay in Err and are never rendered to callers.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation marks malformed or oversized caller input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Conflict marks a rejected write, carrying the authoritative snapshot
// (or duplicate-key context) the caller needs to rebase.
func Conflict(message string, detail any) *Error {
	return &Error{Kind: KindConflict, Message: message, Detail: detail}
}

// Auth marks a missing, invalid or expired credential.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NotFound marks an absent resource.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Internal wraps an infrastructure failure behind a generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf extracts the kind from an error chain; anything untagged is
// treated as internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// As returns the tagged error in the chain, or nil.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
