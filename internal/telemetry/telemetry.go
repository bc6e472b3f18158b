// Package telemetry records OpenTelemetry metrics and spans for the sync,
// dispatch and decrypt paths. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nhle/qmail"

// Option configures Metrics.
type Option func(*options)

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// Metrics holds the instruments shared by the core components.
type Metrics struct {
	tracer trace.Tracer

	polls             metric.Int64Counter
	pollErrors        metric.Int64Counter
	newMessages       metric.Int64Counter
	mutationsReplayed metric.Int64Counter
	downgrades        metric.Int64Counter
	decrypts          metric.Int64Counter
	sends             metric.Int64Counter
	sendLatency       metric.Float64Histogram
}

// New creates the instruments from the configured (or global) providers.
func New(opts ...Option) (*Metrics, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	meter := o.meterProvider.Meter(instrumentationName)
	m := &Metrics{tracer: o.tracerProvider.Tracer(instrumentationName)}

	var err error

	if m.polls, err = meter.Int64Counter(
		"qmail.sync.polls",
		metric.WithDescription("Number of completed fetch ticks"),
	); err != nil {
		return nil, err
	}

	if m.pollErrors, err = meter.Int64Counter(
		"qmail.sync.poll_errors",
		metric.WithDescription("Number of failed fetch ticks"),
	); err != nil {
		return nil, err
	}

	if m.newMessages, err = meter.Int64Counter(
		"qmail.sync.new_messages",
		metric.WithDescription("Number of messages seen for the first time by a poll"),
	); err != nil {
		return nil, err
	}

	if m.mutationsReplayed, err = meter.Int64Counter(
		"qmail.sync.mutations_replayed",
		metric.WithDescription("Number of queued mutations applied remotely"),
	); err != nil {
		return nil, err
	}

	if m.downgrades, err = meter.Int64Counter(
		"qmail.dispatch.downgrades",
		metric.WithDescription("Number of sends resolved below the requested tier"),
	); err != nil {
		return nil, err
	}

	if m.decrypts, err = meter.Int64Counter(
		"qmail.gate.decrypts",
		metric.WithDescription("Number of decrypt requests by path"),
	); err != nil {
		return nil, err
	}

	if m.sends, err = meter.Int64Counter(
		"qmail.dispatch.sends",
		metric.WithDescription("Number of send attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if m.sendLatency, err = meter.Float64Histogram(
		"qmail.dispatch.send.duration",
		metric.WithDescription("Duration of send operations"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// StartSpan starts an internal span. The returned func ends it, recording
// err when non-nil.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if m == nil || m.tracer == nil {
		return ctx, func(error) {}
	}

	ctx, span := m.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// RecordPoll counts one fetch tick and, when it failed, its error kind.
func (m *Metrics) RecordPoll(ctx context.Context, accountID, phase string, errKind string) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("account", accountID),
		attribute.String("phase", phase),
	)
	m.polls.Add(ctx, 1, attrs)

	if errKind != "" {
		m.pollErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("account", accountID),
			attribute.String("kind", errKind),
		))
	}
}

// RecordNewMessages counts messages a poll saw for the first time.
func (m *Metrics) RecordNewMessages(ctx context.Context, accountID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.newMessages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("account", accountID)))
}

// RecordReplay counts one applied queue entry.
func (m *Metrics) RecordReplay(ctx context.Context, accountID, kind string) {
	if m == nil {
		return
	}
	m.mutationsReplayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", accountID),
		attribute.String("kind", kind),
	))
}

// RecordSend records a send attempt. Downgrades are counted separately.
func (m *Metrics) RecordSend(ctx context.Context, duration time.Duration, requested, resolved int, err error) {
	if m == nil {
		return
	}

	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.Int("requested_tier", requested),
		attribute.Int("resolved_tier", resolved),
		attribute.String("outcome", outcome),
	)
	m.sends.Add(ctx, 1, attrs)
	m.sendLatency.Record(ctx, duration.Seconds(), attrs)

	if resolved < requested {
		m.downgrades.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("requested_tier", requested),
			attribute.Int("resolved_tier", resolved),
		))
	}
}

// RecordDecrypt counts one gate decision. path is one of "plain",
// "resource", "session", "code_required", "code_rejected", "code_accepted".
func (m *Metrics) RecordDecrypt(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.decrypts.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
