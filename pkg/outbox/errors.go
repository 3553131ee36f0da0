package outbox

import (
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown outbox event kind")

// DeliveryError classifies a consumer failure. Errors that are not a
// DeliveryError are treated as retryable.
type DeliveryError struct {
	Err   error
	Fatal bool
}

func (e *DeliveryError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal delivery error: %v", e.Err)
	}

	return fmt.Sprintf("retryable delivery error: %v", e.Err)
}

// ErrorKind is recorded on the delivery span.
func (e *DeliveryError) ErrorKind() string {
	if e.Fatal {
		return "fatal"
	}

	return "retryable"
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable marks err as worth another attempt after backoff.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &DeliveryError{Err: err}
}

// Fatal marks err as permanent. The row is dead-lettered without retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &DeliveryError{Err: err, Fatal: true}
}

// IsFatal reports whether err, or any error it wraps, was marked Fatal.
func IsFatal(err error) bool {
	var de *DeliveryError

	return errors.As(err, &de) && de.Fatal
}

// IsRetryable reports whether err was explicitly marked Retryable.
func IsRetryable(err error) bool {
	var de *DeliveryError

	return errors.As(err, &de) && !de.Fatal
}
