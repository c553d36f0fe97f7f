package otelhelper

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ErrorTypeKey = "crmflow.error.type"

	// ErrorEventName is the span event added for every failed action attempt.
	ErrorEventName = "crmflow.action.error"
)

// SetError marks span as failed and adds an error event carrying attrs. The
// event is tagged with the innermost error's Go type so permanent and
// transient action failures can be told apart in traces.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}

	attrs = append(attrs, attribute.String(ErrorTypeKey, fmt.Sprintf("%T", root)))

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent(ErrorEventName, trace.WithAttributes(attrs...))
}
