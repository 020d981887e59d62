package protocol

import (
	"errors"
	"strconv"

	rterrors "github.com/vango-dev/realtime/internal/errors"
)

// ErrorInfo is an error reported by the service or synthesised locally with
// a service error code.
type ErrorInfo struct {
	Code       int
	StatusCode int
	Message    string
	Href       string
	Cause      *ErrorInfo
}

// NewErrorInfo returns an ErrorInfo for code. An empty message is filled in
// from the error catalog.
func NewErrorInfo(code int, message string) *ErrorInfo {
	e := &ErrorInfo{Code: code, Message: message, Href: rterrors.Href(code)}
	if t, ok := rterrors.Lookup(code); ok {
		e.StatusCode = t.StatusCode
		if e.Message == "" {
			e.Message = t.Message
		}
	}
	return e
}

// WrapErrorInfo builds an ErrorInfo for code whose cause is err. If err
// already carries an ErrorInfo it becomes the Cause.
func WrapErrorInfo(code int, err error) *ErrorInfo {
	e := NewErrorInfo(code, "")
	if err == nil {
		return e
	}
	var cause *ErrorInfo
	if errors.As(err, &cause) {
		e.Cause = cause
	}
	e.Message = e.Message + ": " + err.Error()
	return e
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	msg := e.Message
	if msg == "" {
		msg = rterrors.Message(e.Code)
	}
	s := "[ErrorInfo code=" + strconv.Itoa(e.Code)
	if e.StatusCode != 0 {
		s += " status=" + strconv.Itoa(e.StatusCode)
	}
	s += "] " + msg
	return s
}

// Unwrap returns the cause, if any.
func (e *ErrorInfo) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ErrorCode returns the service error code.
func (e *ErrorInfo) ErrorCode() int {
	return e.Code
}

// IsFatal reports whether the error terminates its scope.
func (e *ErrorInfo) IsFatal() bool {
	return rterrors.IsFatal(e.Code, e.StatusCode)
}

// IsTokenError reports whether a new token could cure the error.
func (e *ErrorInfo) IsTokenError() bool {
	return rterrors.IsTokenError(e.Code)
}
