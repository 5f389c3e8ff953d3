package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	mw "github.com/davidhopkirk/stride/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp
}

func TestTracing_CreatesSpan(t *testing.T) {
	sr, tp := setupTestTracer()
	tracer := tp.Tracer("test")
	m := mw.TracingWithTracer(tracer)
	task := newTestTask()

	err := m(context.Background(), task, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if got := span.Name(); got != "stride.task.execute" {
		t.Errorf("span name = %q, want %q", got, "stride.task.execute")
	}

	attrMap := make(map[attribute.Key]attribute.Value)
	for _, a := range span.Attributes() {
		attrMap[a.Key] = a.Value
	}
	if got := attrMap["stride.task.id"].AsString(); got != task.ID.String() {
		t.Errorf("stride.task.id = %q, want %q", got, task.ID.String())
	}
	if got := attrMap["stride.task.type"].AsString(); got != "send-email" {
		t.Errorf("stride.task.type = %q, want %q", got, "send-email")
	}
	if got := attrMap["stride.queue"].AsString(); got != "default" {
		t.Errorf("stride.queue = %q, want %q", got, "default")
	}
}

func TestTracing_SuccessStatus(t *testing.T) {
	sr, tp := setupTestTracer()
	m := mw.TracingWithTracer(tp.Tracer("test"))

	_ = m(context.Background(), newTestTask(), func(_ context.Context) error {
		return nil
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestTracing_ErrorStatus(t *testing.T) {
	sr, tp := setupTestTracer()
	m := mw.TracingWithTracer(tp.Tracer("test"))
	boom := errors.New("boom")

	err := m(context.Background(), newTestTask(), func(_ context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error to propagate, got %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status = %v, want Error", status.Code)
	}
	if status.Description != "boom" {
		t.Errorf("status description = %q, want %q", status.Description, "boom")
	}

	events := spans[0].Events()
	if len(events) == 0 {
		t.Fatal("expected a recorded error event")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	// Calling Tracing() without a global provider should not panic.
	m := mw.Tracing()

	called := false
	err := m(context.Background(), newTestTask(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}
