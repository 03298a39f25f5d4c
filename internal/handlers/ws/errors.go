package ws

import (
	"errors"
	"fmt"
)

// Error codes surfaced in ERROR events.
const (
	CodeAuth          = "auth_failed"
	CodeAuthorization = "not_a_participant"
	CodeValidation    = "invalid_envelope"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeTransientIO   = "backend_unavailable"
	CodeProtocol      = "protocol_violation"
)

// Error is the taxonomy carried from any component back to the client as an
// ERROR event {code, message, details?}.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
}

func NewError(code, message, details string) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func ErrNotParticipant(chatID string) *Error {
	return NewError(CodeAuthorization, "not a participant of this chat", chatID)
}

func ErrUnknownCall(callID string) *Error {
	return NewError(CodeNotFound, "unknown call", callID)
}

func ErrUnknownMessage(messageID uint) *Error {
	return NewError(CodeNotFound, "unknown message", fmt.Sprintf("message_id=%d", messageID))
}

// AsError converts any error into the wire taxonomy. Unclassified errors are
// reported as transient backend failures rather than leaking internals.
func AsError(err error) *Error {
	var wserr *Error
	if errors.As(err, &wserr) {
		return wserr
	}
	return NewError(CodeTransientIO, "temporary backend failure", "")
}

// Fatal reports whether the connection should be closed after surfacing the
// error. Only handshake auth failures qualify; repeated protocol violations
// are handled by the read loop's strike counter.
func (e *Error) Fatal() bool {
	return e.Code == CodeAuth
}
