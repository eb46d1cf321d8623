package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrServer = "server"
	attrResult = "result"
	attrGrant  = "grant"
)

// Result values for consistent labeling.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics provides methods for recording the proxy's metrics. The zero
// value is a no-op recorder.
type Metrics struct {
	sessionsTotal         metric.Int64Counter
	activeSessions        metric.Int64UpDownCounter
	authAttemptsTotal     metric.Int64Counter
	tokenExchangesTotal   metric.Int64Counter
	tokenExchangeDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments registered
// on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.sessionsTotal, err = meter.Int64Counter(
		"relay_sessions_total",
		metric.WithDescription("Total number of proxy sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"relay_active_sessions",
		metric.WithDescription("Number of proxy sessions currently open"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.authAttemptsTotal, err = meter.Int64Counter(
		"auth_attempts_total",
		metric.WithDescription("Total number of client authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokenExchangesTotal, err = meter.Int64Counter(
		"token_exchanges_total",
		metric.WithDescription("Total number of OAuth2 token endpoint exchanges"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, err
	}

	m.tokenExchangeDuration, err = meter.Float64Histogram(
		"token_exchange_duration_seconds",
		metric.WithDescription("OAuth2 token endpoint exchange duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSession records a finished proxy session and its result.
func (m *Metrics) RecordSession(ctx context.Context, server, result string) {
	if m.sessionsTotal == nil {
		return
	}
	m.sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrServer, server),
		attribute.String(attrResult, result),
	))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// RecordAuthAttempt records a client credential verification attempt.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, server, result string) {
	if m.authAttemptsTotal == nil {
		return
	}
	m.authAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrServer, server),
		attribute.String(attrResult, result),
	))
}

// RecordTokenExchange records one token endpoint exchange.
func (m *Metrics) RecordTokenExchange(ctx context.Context, server, grant, result string, duration time.Duration) {
	if m.tokenExchangesTotal == nil || m.tokenExchangeDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrServer, server),
		attribute.String(attrGrant, grant),
		attribute.String(attrResult, result),
	}
	m.tokenExchangesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.tokenExchangeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
