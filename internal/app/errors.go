package app

import "fmt"

// Kind classifies a domain failure. The server boundary maps each kind to
// an HTTP status; nothing below the boundary knows about status codes.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnauthenticated
	KindTokenExpired
	KindTokenInvalid
	KindStalePassword
	KindAccountDeactivated
	KindForbidden
	KindTierRestricted
	KindInsufficientCredits
	KindNotFound
	KindProviderFailure
	KindInternal
)

// Error is a kinded domain failure constructed at the point of detection.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// E builds a kinded error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a kinded error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a kinded error keeping the cause for logs. The cause is never
// rendered to clients, only Message is.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}
