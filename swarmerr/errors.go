// Package swarmerr defines the typed error kinds shared across the
// orchestration substrate so callers can branch on failure class without
// string-matching messages.
package swarmerr

import "fmt"

// Kind identifies the class of failure. Kinds are stable and part of the
// public contract described by the component operations in §4 and §7.
type Kind string

const (
	KindUnavailable        Kind = "unavailable"
	KindTimeout            Kind = "timeout"
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindIllegalTransition  Kind = "illegal_transition"
	KindMessageTooLarge    Kind = "message_too_large"
	KindMalformedMessage   Kind = "malformed_message"
	KindVersionMismatch    Kind = "version_mismatch"
	KindInsufficientResources Kind = "insufficient_resources"
	KindInvalidAmount      Kind = "invalid_amount"
	KindNoEligibleSwarm    Kind = "no_eligible_swarm"
	KindRemoteError        Kind = "remote_error"
	KindInternal           Kind = "internal"
)

// Error is the concrete error type returned from public operations. It
// always carries a Kind so callers can use errors.As and branch, plus a
// human-readable message and an optional wrapped cause.
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

// Is allows errors.Is(err, swarmerr.New(swarmerr.KindNotFound, "")) style
// comparisons by matching a *Error target on Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Unavailable(message string, cause error) *Error {
	return Wrap(KindUnavailable, message, cause)
}

func Timeout(message string) *Error {
	return New(KindTimeout, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func AlreadyExists(message string) *Error {
	return New(KindAlreadyExists, message)
}

func IllegalTransition(message string) *Error {
	return New(KindIllegalTransition, message)
}

func MessageTooLarge(message string) *Error {
	return New(KindMessageTooLarge, message)
}

func MalformedMessage(message string, cause error) *Error {
	return Wrap(KindMalformedMessage, message, cause)
}

func VersionMismatch(message string) *Error {
	return New(KindVersionMismatch, message)
}

func InsufficientResources(message string) *Error {
	return New(KindInsufficientResources, message)
}

func InvalidAmount(message string) *Error {
	return New(KindInvalidAmount, message)
}

func NoEligibleSwarm(message string) *Error {
	return New(KindNoEligibleSwarm, message)
}

func RemoteError(message string) *Error {
	return New(KindRemoteError, message)
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			if se.Kind == kind {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
