package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorBackend      ErrorCode = "BACKEND_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned by the completion service. Message is
// the user-facing text placed verbatim in the response envelope; Err carries
// the underlying cause for logs only and is never exposed to callers.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
