package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是机器可读的错误类别，直接出现在 HTTP 错误响应中。
type Kind string

const (
	InvalidPersona     Kind = "invalid_persona"
	MalformedHistory   Kind = "malformed_history"
	MissingUser        Kind = "missing_user"
	MissingText        Kind = "missing_text"
	VoiceNotConfigured Kind = "voice_not_configured"
	AttachmentTooLarge Kind = "attachment_too_large"
	ThreadBusy         Kind = "thread_busy"
	UnknownThread      Kind = "unknown_thread"
	GenerationFailed   Kind = "generation_failed"
	SynthesisFailed    Kind = "synthesis_failed"
)

// Error 携带类别、面向用户的文案以及底层错误。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(kind, "")) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Details returns the underlying cause text, empty when there is none.
func (e *Error) Details() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Status maps the kind onto an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case InvalidPersona, MalformedHistory, MissingUser, MissingText, VoiceNotConfigured:
		return http.StatusBadRequest
	case AttachmentTooLarge:
		return http.StatusRequestEntityTooLarge
	case UnknownThread:
		return http.StatusNotFound
	case ThreadBusy:
		return http.StatusConflict
	case GenerationFailed, SynthesisFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Upstream reports whether the failure came from a third-party engine.
func (e *Error) Upstream() bool {
	return e.Kind == GenerationFailed || e.Kind == SynthesisFailed
}

// New 创建不带底层错误的 Error。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap 创建包装底层错误的 Error。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from anywhere in the chain; ok is false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
