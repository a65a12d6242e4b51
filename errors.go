package jcore

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this package matches one of these
// with errors.Is. A ConnectionClosedError also matches the kind of the error
// that closed the connection.
var (
	// ErrAuth is returned for rejected credentials and for authentication
	// state conflicts (re-auth, concurrent auth, calls before auth).
	ErrAuth = errors.New("authentication error")
	// ErrTimeout is returned when an operation's deadline passes.
	ErrTimeout = errors.New("operation timed out")
	// ErrConnectionClosed is returned when operating on, or being interrupted
	// by, a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrServer is returned when the server answers a call with an error.
	ErrServer = errors.New("server error")
	// ErrInvalidMessage marks a malformed envelope.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnexpected marks a protocol violation that no pending operation
	// can be blamed for.
	ErrUnexpected = errors.New("unexpected message")
	// ErrInvalidArgument is returned for empty tokens, method names and the like.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AuthError is returned by Authenticate when the server rejects the token,
// and passed to the unexpected-error handler for out-of-band failures.
type AuthError struct {
	Reason string
	// Payload is the raw "error" field of the failed message, if any.
	Payload json.RawMessage
}

func (e *AuthError) Error() string { return e.Reason }

// Is reports whether target is ErrAuth.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// ServerError carries the error payload of a RESULT message verbatim.
type ServerError struct {
	// Message is the most specific textual form of Payload.
	Message string
	Payload json.RawMessage
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return "server error: " + e.Message
}

// Is reports whether target is ErrServer.
func (e *ServerError) Is(target error) bool { return target == ErrServer }

// ConnectionClosedError reports an operation interrupted or refused because
// the connection is closed. Cause is the error the connection was closed
// with, nil for a local Close.
type ConnectionClosedError struct {
	Reason string
	Cause  error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Cause.Error()
}

// Is reports whether target is ErrConnectionClosed.
func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// MessageError describes an envelope the receive loop could not use.
// Kind is ErrInvalidMessage or ErrUnexpected.
type MessageError struct {
	Kind   error
	Reason string
	// Message is the raw text of the offending message.
	Message string
}

func (e *MessageError) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *MessageError) Unwrap() error { return e.Kind }

func invalidMessage(reason, raw string) *MessageError {
	return &MessageError{Kind: ErrInvalidMessage, Reason: reason, Message: raw}
}

func unexpectedMessage(reason, raw string) *MessageError {
	return &MessageError{Kind: ErrUnexpected, Reason: reason, Message: raw}
}

func closedError(reason string, cause error) *ConnectionClosedError {
	return &ConnectionClosedError{Reason: reason, Cause: cause}
}

// protocolErrorText reduces the "error" field of a failed or result message
// to the most specific text available: a string is used as is, an object's
// "error" member is preferred over the object itself.
func protocolErrorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if inner, ok := obj["error"]; ok {
			if text := protocolErrorText(inner); text != "" {
				return text
			}
		}
	}

	return string(raw)
}
