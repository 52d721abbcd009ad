// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is a stable, user-visible error classification (§7). The UI
// maps Kind to an icon and a retry affordance; never branch engine-internal
// logic on the human Message.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindForbidden      ErrorKind = "forbidden"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimited    ErrorKind = "rate_limited"
	KindNetworkError   ErrorKind = "network_error"
	KindCorrupted      ErrorKind = "corrupted"
	KindUnrecoverable  ErrorKind = "unrecoverable"
	KindDiskError      ErrorKind = "disk_error"
	KindCancelled      ErrorKind = "cancelled"
	KindBackoff        ErrorKind = "network_backoff"
)

// Error is the engine's single error type. It carries a stable Kind, a
// human message, the files involved (if any), and wraps an underlying
// cause for errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	Files   []string
	Cause   error

	// NeedsToken is set for Unauthorized/Forbidden to hint the UI should
	// prompt for a token.
	NeedsToken bool

	// RetryAfter is set for RateLimited (from Retry-After) and Backoff (the
	// remaining wait).
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can do errors.Is(err, &engine.Error{Kind: engine.KindNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError builds an *Error with the given kind and message.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFiles attaches the affected file names to the error and returns it.
func (e *Error) WithFiles(files ...string) *Error {
	e.Files = files
	return e
}

// Sentinel errors for simple comparisons, mirroring the teacher's
// errors.go (ErrInvalidRepo, ErrNotFound, ...).
var (
	ErrInvalidRepo  = NewError(KindInvalidRequest, "invalid repository id: expected owner/name", nil)
	ErrMissingRepo  = NewError(KindInvalidRequest, "missing repository id", nil)
	ErrUnauthorized = NewError(KindUnauthorized, "this repository requires authentication", nil)
	ErrForbidden    = NewError(KindForbidden, "access to this repository is forbidden", nil)
	ErrNotFound     = NewError(KindNotFound, "repository or revision not found", nil)
	ErrRateLimited  = NewError(KindRateLimited, "rate limited", nil)
	ErrCancelled    = NewError(KindCancelled, "operation cancelled", nil)
)

// ErrorOf unwraps err to the engine's *Error, if it is (or wraps) one.
func ErrorOf(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsRetryable reports whether the error's Kind is one C2 treats as a
// backoff-eligible, network-class failure (§4.2, §7).
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetworkError, KindRateLimited:
		return true
	default:
		return false
	}
}
