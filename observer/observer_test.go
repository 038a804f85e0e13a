package observer

import (
	"context"
	"errors"
	"testing"

	"orbcore"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestTracer_SpanAttributesAndEvents(t *testing.T) {
	exporter := setupTracing(t)
	tracer := NewTracer()

	_, span := tracer.Start(context.Background(), "signup.phase",
		orbcore.StringAttr("signup.phase", "biometric-capture"),
		orbcore.IntAttr("objectives", 2),
	)
	span.Event("objective.completed", orbcore.StringAttr("capture.eye", "left"))
	span.SetAttr(orbcore.BoolAttr("capture.success", true))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "signup.phase" {
		t.Errorf("span name = %q", got.Name)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "objective.completed" {
		t.Errorf("events = %+v", got.Events)
	}
	attrs := make(map[string]any, len(got.Attributes))
	for _, kv := range got.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["signup.phase"] != "biometric-capture" {
		t.Errorf("phase attr = %v", attrs["signup.phase"])
	}
	if attrs["objectives"] != int64(2) {
		t.Errorf("objectives attr = %v", attrs["objectives"])
	}
	if attrs["capture.success"] != true {
		t.Errorf("success attr = %v", attrs["capture.success"])
	}
}

func TestTracer_ErrorMarksSpanFailed(t *testing.T) {
	exporter := setupTracing(t)
	tracer := NewTracer()

	_, span := tracer.Start(context.Background(), "pipeline.run")
	span.Error(errors.New("iris estimate failed"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status.Description != "iris estimate failed" {
		t.Errorf("status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestTracer_NestedSpansShareTrace(t *testing.T) {
	exporter := setupTracing(t)
	tracer := NewTracer()

	ctx, parent := tracer.Start(context.Background(), "broker.run")
	_, child := tracer.Start(ctx, "plan.handle")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("child span has a different trace id than its parent")
	}
}

func TestNewInstruments_AllInstrumentsCreated(t *testing.T) {
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	if inst.SignupsStarted == nil || inst.SignupsFinished == nil ||
		inst.AgentRestarts == nil || inst.UploadRetries == nil ||
		inst.PhaseDuration == nil || inst.PipelineDuration == nil ||
		inst.UploadDuration == nil || inst.CalibrationOffset == nil {
		t.Error("instrument left nil")
	}
}
