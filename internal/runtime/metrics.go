package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/connection"
)

const meterName = "github.com/loqalabs/loqa-relay"

type relayMetrics struct {
	meter       metric.Meter
	failovers   metric.Int64Counter
	transitions metric.Int64Counter
	health      metric.Int64ObservableGauge
	retries     metric.Int64ObservableGauge
	queueDepth  metric.Int64ObservableGauge
	requests    metric.Int64ObservableCounter
	failures    metric.Int64ObservableCounter
}

func newRelayMetrics() (*relayMetrics, error) {
	m := &relayMetrics{meter: otel.Meter(meterName)}
	var err error
	if m.failovers, err = m.meter.Int64Counter("relay.tts.failovers",
		metric.WithDescription("TTS provider failures that moved on to the next provider")); err != nil {
		return nil, err
	}
	if m.transitions, err = m.meter.Int64Counter("relay.connection.transitions",
		metric.WithDescription("Connection state changes by target state")); err != nil {
		return nil, err
	}
	if m.health, err = m.meter.Int64ObservableGauge("relay.connection.health_score",
		metric.WithDescription("Rolling connection health score (0-100)")); err != nil {
		return nil, err
	}
	if m.retries, err = m.meter.Int64ObservableGauge("relay.connection.retry_count",
		metric.WithDescription("Consecutive reconnect attempts")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = m.meter.Int64ObservableGauge("relay.audio.queue_depth",
		metric.WithDescription("Speech items waiting for playback")); err != nil {
		return nil, err
	}
	if m.requests, err = m.meter.Int64ObservableCounter("relay.chat.requests",
		metric.WithDescription("Chat requests sent to the assistant")); err != nil {
		return nil, err
	}
	if m.failures, err = m.meter.Int64ObservableCounter("relay.chat.failures",
		metric.WithDescription("Chat requests that failed or timed out")); err != nil {
		return nil, err
	}
	return m, nil
}

// observe reads gauges from the live components at collection time.
func (m *relayMetrics) observe(conn *connection.Manager, orch *audio.Orchestrator) error {
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := conn.Status()
		stats := conn.Metrics()
		o.ObserveInt64(m.health, int64(s.HealthScore), metric.WithAttributes(attribute.String("backend", string(s.Backend))))
		o.ObserveInt64(m.retries, int64(s.RetryCount))
		o.ObserveInt64(m.queueDepth, int64(len(orch.State().Pending)))
		o.ObserveInt64(m.requests, stats.RequestCount)
		o.ObserveInt64(m.failures, stats.FailureCount)
		return nil
	}, m.health, m.retries, m.queueDepth, m.requests, m.failures)
	return err
}

func (m *relayMetrics) failover(from, to string, _ error) {
	m.failovers.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *relayMetrics) transition(next, prev connection.Status) {
	if next.State == prev.State {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(next.State))))
}
