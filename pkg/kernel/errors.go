package kernel

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable code carried by every failed response.
type ErrorCode string

const (
	CodeValidation             ErrorCode = "VALIDATION_ERROR"
	CodeVersionConflict        ErrorCode = "VERSION_CONFLICT"
	CodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	CodePolicyDenied           ErrorCode = "POLICY_DENIED"
	CodeMissingOrgID           ErrorCode = "MISSING_ORG_ID"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// Error wraps kernel failures with the code returned to callers.
type Error struct {
	Op             string            // Operation name
	Code           ErrorCode         // Error code for responses
	Message        string            // Human-readable message
	Err            error             // Underlying error
	CurrentVersion int64             // Stored version on VERSION_CONFLICT
	Fields         map[string]string // Per-field messages on VALIDATION_ERROR
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, code ErrorCode, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

func validationError(op, message string, fields map[string]string) *Error {
	return &Error{Op: op, Code: CodeValidation, Message: message, Fields: fields}
}

// AsError returns the *Error in err's chain, or wraps err as INTERNAL_ERROR.
func AsError(err error) *Error {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr
	}

	return newError("kernel", CodeInternal, "internal error", err)
}

// ErrorBody is the error half of a Response.
type ErrorBody struct {
	Code           ErrorCode         `json:"code"`
	Message        string            `json:"message"`
	RequestID      string            `json:"request_id"`
	CurrentVersion *int64            `json:"current_version,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// Response is the success or error envelope of every kernel call.
type Response[T any] struct {
	OK        bool       `json:"ok"`
	Data      T          `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id"`
}

func success[T any](requestID string, data T) Response[T] {
	return Response[T]{OK: true, Data: data, RequestID: requestID}
}

func failure[T any](requestID string, err error) Response[T] {
	kerr := AsError(err)

	body := &ErrorBody{
		Code:      kerr.Code,
		Message:   kerr.Error(),
		RequestID: requestID,
		Fields:    kerr.Fields,
	}

	if kerr.Message != "" {
		body.Message = kerr.Message
	}

	if kerr.Code == CodeVersionConflict {
		current := kerr.CurrentVersion
		body.CurrentVersion = &current
	}

	return Response[T]{OK: false, Error: body, RequestID: requestID}
}
