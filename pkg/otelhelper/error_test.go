package otelhelper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError_RecordsStatusAndEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "action", attribute.String(ActionTypeKey, "send_email"))
	SetError(span, errors.New("smtp down"), attribute.String(ExecutionIDKey, "exec-1"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "smtp down", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String(ActionTypeKey, "send_email"))

	var found bool

	for _, event := range spans[0].Events() {
		if event.Name != ErrorEventName {
			continue
		}

		found = true

		assert.Contains(t, event.Attributes, attribute.String(ExecutionIDKey, "exec-1"))
		assert.Contains(t, event.Attributes, attribute.String(ErrorTypeKey, "*errors.errorString"))
	}

	assert.True(t, found)
}

func TestSetError_TagsInnermostErrorType(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := StartSpan(context.Background(), provider.Tracer("test"), "action")
	SetError(span, fmt.Errorf("send_email attempt 2: %w", context.DeadlineExceeded))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "send_email attempt 2: context deadline exceeded", spans[0].Status().Description)

	var types []attribute.KeyValue

	for _, event := range spans[0].Events() {
		if event.Name == ErrorEventName {
			types = append(types, event.Attributes...)
		}
	}

	assert.Contains(t, types, attribute.String(ErrorTypeKey, "context.deadlineExceededError"))
}
