package progress

import (
	"errors"

	"yuim/services/im-presence/internal/protocol"
)

// Error is a rejected report. The connection survives it.
type Error struct {
	Code    protocol.Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "progress: " + string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return "progress: " + string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func reject(code protocol.Code, msg string, err error) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the wire code for err, VALIDATION for foreign errors.
func CodeOf(err error) protocol.Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return protocol.CodeValidation
}
