package otelhelper

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ErrorKindKey = "kernelflow.error.kind"

const (
	ErrorKindTimeout   = "timeout"
	ErrorKindCancelled = "cancelled"
	ErrorKindInternal  = "internal"
)

// SetError marks span as failed and tags it with the kind of err.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(ErrorKindKey, ErrorKind(err)))
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}

// ErrorKind returns the kind reported by the first error in the chain with an
// ErrorKind method. Context errors and anything else fall back to a fixed kind.
func ErrorKind(err error) string {
	var kinded interface{ ErrorKind() string }

	switch {
	case errors.As(err, &kinded):
		return kinded.ErrorKind()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindInternal
	}
}
