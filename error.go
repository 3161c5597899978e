package remailer

import (
	"errors"
	"fmt"
)

// Transport-level results delivered to message callbacks when no SMTP reply
// completed the transaction.
var (
	// ErrTimeout is reported when no activity reset the connection deadline
	// before the configured timeout elapsed.
	ErrTimeout = errors.New("remailer: response timed out")

	// ErrDisconnected is reported when the remote end hung up before the
	// transaction could complete.
	ErrDisconnected = errors.New("remailer: disconnected by remote")

	// ErrClosed is reported when the connection was closed locally, or was
	// already closed when a message was submitted.
	ErrClosed = errors.New("remailer: connection closed")
)

// SMTPError represents an SMTP protocol error with a reply code,
// optional enhanced status code, and human-readable message.
type SMTPError struct {
	Code         ReplyCode
	EnhancedCode EnhancedCode
	Message      string
}

// Error implements the error interface.
func (e *SMTPError) Error() string {
	if !e.EnhancedCode.IsZero() {
		return fmt.Sprintf("smtp: %d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("smtp: %d %s", e.Code, e.Message)
}

// Temporary reports whether the error represents a transient failure (4xx).
func (e *SMTPError) Temporary() bool {
	return e.Code.IsTransient()
}

// ReplyError converts a reply code and its (already merged) text into an
// SMTPError, lifting a leading enhanced status code out of the text.
func ReplyError(code int, text string) *SMTPError {
	enhanced, rest := ParseEnhancedCode(text)
	if enhanced.IsZero() {
		rest = text
	}
	return &SMTPError{
		Code:         ReplyCode(code),
		EnhancedCode: enhanced,
		Message:      rest,
	}
}

// Errorf creates an SMTPError with a formatted message.
func Errorf(code ReplyCode, enhanced EnhancedCode, format string, args ...any) *SMTPError {
	return &SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      fmt.Sprintf(format, args...),
	}
}
