package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/nhle/qmail/internal/telemetry"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	ctx := context.Background()

	m.RecordPoll(ctx, "a", "polling", "")
	m.RecordNewMessages(ctx, "a", 3)
	m.RecordReplay(ctx, "a", "mark_read")
	m.RecordSend(ctx, time.Second, 2, 0, nil)
	m.RecordDecrypt(ctx, "session")

	spanCtx, end := m.StartSpan(ctx, "noop")
	require.Equal(t, ctx, spanCtx)
	end(errors.New("ignored"))
}

func TestNewWithProviders(t *testing.T) {
	m, err := telemetry.New(
		telemetry.WithMeterProvider(metricnoop.NewMeterProvider()),
		telemetry.WithTracerProvider(tracenoop.NewTracerProvider()),
	)
	require.NoError(t, err)

	ctx, end := m.StartSpan(context.Background(), "qmail.send", attribute.Int("tier", 1))
	require.NotNil(t, ctx)

	m.RecordPoll(ctx, "a", "polling", "remote_transient")
	m.RecordSend(ctx, 10*time.Millisecond, 2, 1, nil)
	end(nil)
}
