// Package observer provides OTEL-based observability for the orb: an
// orbcore.Tracer adapter (the orb broker's runs and the network client's
// requests are traced through it), plus counters, histograms and a gauge
// for signups, agent restarts, uploads and calibration, which Init creates
// and nothing in this module records to. Export goes to any OTEL-compatible
// backend via the standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "orbcore/observer"

// Instruments holds the OTEL instruments Init creates.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	SignupsStarted  metric.Int64Counter
	SignupsFinished metric.Int64Counter
	AgentRestarts   metric.Int64Counter
	UploadRetries   metric.Int64Counter
	QRScans         metric.Int64Counter

	// Histograms
	PhaseDuration    metric.Float64Histogram
	PipelineDuration metric.Float64Histogram
	UploadDuration   metric.Float64Histogram

	// Calibration offset gauge.
	CalibrationOffset metric.Float64Gauge
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on process exit.
func Init(ctx context.Context, orbID string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("orb-core"),
			semconv.ServiceInstanceID(orbID),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	signupsStarted, err := meter.Int64Counter("signup.started",
		metric.WithDescription("Signup attempts started"),
		metric.WithUnit("{signup}"))
	if err != nil {
		return nil, err
	}

	signupsFinished, err := meter.Int64Counter("signup.finished",
		metric.WithDescription("Signup attempts finished, by outcome"),
		metric.WithUnit("{signup}"))
	if err != nil {
		return nil, err
	}

	agentRestarts, err := meter.Int64Counter("agent.restarts",
		metric.WithDescription("Subprocess agent restarts, by exit strategy"),
		metric.WithUnit("{restart}"))
	if err != nil {
		return nil, err
	}

	uploadRetries, err := meter.Int64Counter("upload.retries",
		metric.WithDescription("Custody-package upload retry count"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	qrScans, err := meter.Int64Counter("qr.scans",
		metric.WithDescription("Decoded QR payloads, by schema and validity"),
		metric.WithUnit("{scan}"))
	if err != nil {
		return nil, err
	}

	phaseDuration, err := meter.Float64Histogram("signup.phase.duration",
		metric.WithDescription("Master-plan phase duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	pipelineDuration, err := meter.Float64Histogram("pipeline.duration",
		metric.WithDescription("Biometric pipeline duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	uploadDuration, err := meter.Float64Histogram("upload.duration",
		metric.WithDescription("Custody-package tier upload duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	calibrationOffset, err := meter.Float64Gauge("calibration.mirror.offset",
		metric.WithDescription("Persisted mirror calibration offset"),
		metric.WithUnit("deg"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		SignupsStarted:    signupsStarted,
		SignupsFinished:   signupsFinished,
		AgentRestarts:     agentRestarts,
		UploadRetries:     uploadRetries,
		QRScans:           qrScans,
		PhaseDuration:     phaseDuration,
		PipelineDuration:  pipelineDuration,
		UploadDuration:    uploadDuration,
		CalibrationOffset: calibrationOffset,
	}, nil
}
