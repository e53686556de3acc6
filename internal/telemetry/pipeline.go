package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline holds the counters recorded by consumers, the gate and the
// reaper. A nil *Pipeline records nothing.
type Pipeline struct {
	messages     metric.Int64Counter
	duration     metric.Float64Histogram
	deadLettered metric.Int64Counter
	gate         metric.Int64Counter
	reaped       metric.Int64Counter
	reapFailures metric.Int64Counter
}

// NewPipeline creates the instruments on the current global meter
// provider, so call it after Init.
func NewPipeline() *Pipeline {
	m := Meter(instrumentationScope + "/pipeline")
	p := &Pipeline{}
	p.messages, _ = m.Int64Counter("rl.messages",
		metric.WithDescription("Reporting messages processed, by request type and outcome"))
	p.duration, _ = m.Float64Histogram("rl.message.duration",
		metric.WithDescription("Handler duration in milliseconds"),
		metric.WithUnit("ms"))
	p.deadLettered, _ = m.Int64Counter("rl.dead_lettered",
		metric.WithDescription("Messages parked in the dead-letter stream"))
	p.gate, _ = m.Int64Counter("rl.gate.verdicts",
		metric.WithDescription("Finish-launch gate outcomes"))
	p.reaped, _ = m.Int64Counter("rl.reaper.interrupted",
		metric.WithDescription("Launches interrupted by the reaper"))
	p.reapFailures, _ = m.Int64Counter("rl.reaper.failures",
		metric.WithDescription("Launches the reaper failed to interrupt"))
	return p
}

// Message records one settled delivery.
func (p *Pipeline) Message(ctx context.Context, requestType, outcome string, took time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("request_type", requestType),
		attribute.String("outcome", outcome),
	)
	p.messages.Add(ctx, 1, attrs)
	p.duration.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

func (p *Pipeline) DeadLettered(ctx context.Context, requestType, reason string) {
	if p == nil {
		return
	}
	p.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_type", requestType),
		attribute.String("reason", reason),
	))
}

func (p *Pipeline) Gate(ctx context.Context, outcome string) {
	if p == nil {
		return
	}
	p.gate.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Pipeline) Reaped(ctx context.Context, interrupted, failed int) {
	if p == nil {
		return
	}
	if interrupted > 0 {
		p.reaped.Add(ctx, int64(interrupted))
	}
	if failed > 0 {
		p.reapFailures.Add(ctx, int64(failed))
	}
}
