package engine

import "fmt"

// ErrorCode classifies engine failures surfaced to the presentation layer.
type ErrorCode string

const (
	// CodeInvalidInput marks validation failures rejected synchronously,
	// before any state mutation.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	// CodeState marks operations issued against an engine that is not
	// running.
	CodeState ErrorCode = "ENGINE_STATE"
)

// Error is a typed engine failure.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("engine: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrEmptyBody rejects messages whose body trims to nothing.
	ErrEmptyBody = &Error{Code: CodeInvalidInput, Reason: "empty_body"}
	// ErrInvalidCounterpart rejects starting a conversation with yourself
	// or with an empty user id.
	ErrInvalidCounterpart = &Error{Code: CodeInvalidInput, Reason: "invalid_counterpart"}
	// ErrUnknownConversation rejects operations on conversations the index
	// does not hold.
	ErrUnknownConversation = &Error{Code: CodeInvalidInput, Reason: "unknown_conversation"}
	// ErrUnknownMessage rejects retries of messages that are not resident.
	ErrUnknownMessage = &Error{Code: CodeInvalidInput, Reason: "unknown_message"}
	// ErrNotFailed rejects retries of messages that are not in the Failed
	// state.
	ErrNotFailed = &Error{Code: CodeInvalidInput, Reason: "message_not_failed"}
	// ErrNoUser means the identity provider reports nobody signed in.
	ErrNoUser = &Error{Code: CodeState, Reason: "no_current_user"}
	// ErrNotRunning means the engine was closed or never started.
	ErrNotRunning = &Error{Code: CodeState, Reason: "engine_not_running"}
)
