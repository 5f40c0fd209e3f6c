// Package protoerr defines the response-status taxonomy shared by the
// conversation state machine and every subsystem it calls into.
package protoerr

import "fmt"

// Kind identifies one of the response status codes from the error taxonomy.
type Kind int

const (
	// KindInternal is returned for storage or crypto engine failures; the
	// conversation is closed and the cause is logged.
	KindInternal Kind = iota
	// KindProtocolViolation is returned for malformed framing, unknown
	// one-ofs, oversize messages, or messages outside the pinned version.
	KindProtocolViolation
	// KindBadConversationStatus is returned when a message is illegal in
	// the connection's current state; the connection stays open.
	KindBadConversationStatus
	// KindSignature is returned when a signature fails verification.
	KindSignature
	// KindNotFound is returned when an identity or relationship is absent.
	KindNotFound
	// KindAlreadyExists is returned for a duplicate registration.
	KindAlreadyExists
	// KindQuotaExceeded is returned when a hosting or neighborhood cap is reached.
	KindQuotaExceeded
	// KindInvalidValue is returned when a field is out of bounds (size, GPS, version).
	KindInvalidValue
	// KindBusy is returned for transient server overload; callers should retry.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindBadConversationStatus:
		return "BadConversationStatus"
	case KindSignature:
		return "Signature"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindInvalidValue:
		return "InvalidValue"
	case KindBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// ClosesConnection reports whether this error kind terminates the TCP
// connection. ProtocolViolation, Signature and Internal close; everything
// else keeps the conversation open.
func (k Kind) ClosesConnection() bool {
	switch k {
	case KindProtocolViolation, KindSignature, KindInternal:
		return true
	default:
		return false
	}
}

// Error is a typed protocol error carrying a Kind, a human-readable message,
// and an optional wrapped cause.
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

// New builds a protocol error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a protocol error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, if any, mirroring errors.As ergonomics
// without forcing every call site to declare a local variable.
func As(err error) (*Error, bool) {
	pe, ok := err.(*Error)
	if ok {
		return pe, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if pe, ok := err.(*Error); ok {
			return pe, true
		}
	}
	return nil, false
}

// Of returns the Kind of err if it is (or wraps) a *Error, else KindInternal.
func Of(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return KindInternal
}
