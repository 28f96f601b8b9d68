package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the turn pipeline instruments.
type Metrics struct {
	Turns         metric.Int64Counter
	Handoffs      metric.Int64Counter
	MemoryDropped metric.Int64Counter
	TurnDuration  metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Turns, err = meter.Int64Counter("relay.turns",
		metric.WithDescription("Completed, aborted and failed turns"),
	)
	if err != nil {
		return nil, err
	}

	m.Handoffs, err = meter.Int64Counter("relay.handoffs",
		metric.WithDescription("Persona handoffs committed"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryDropped, err = meter.Int64Counter("relay.memory.writes.dropped",
		metric.WithDescription("Memory write-backs dropped by the bounded queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("relay.turn.duration",
		metric.WithDescription("Turn duration from request to done"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}

// RecordTurn counts a turn outcome and its duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordHandoff counts a committed handoff.
func (m *Metrics) RecordHandoff(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.Handoffs.Add(ctx, 1, metric.WithAttributes(AttrTrigger.String(trigger)))
}

// RecordMemoryDrop counts a dropped memory write.
func (m *Metrics) RecordMemoryDrop(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.MemoryDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}
