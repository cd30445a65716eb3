package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gen2brain/audioloop"
)

const meterName = "github.com/gen2brain/audioloop"

// Metrics holds the instruments recorded per run.
type Metrics struct {
	// MeasuredLatency is the wall-clock round trip of detected runs.
	MeasuredLatency metric.Float64Histogram

	// ReportedLatency is the round trip derived from stack-reported delays.
	ReportedLatency metric.Float64Histogram

	// Divergence is reported minus measured, in seconds. It may be negative.
	Divergence metric.Float64Histogram

	// Runs counts runs by attribute.String("outcome", "detected"|"timed_out"|"error").
	Runs metric.Int64Counter
}

// latencyBuckets are in seconds and cover USB and Bluetooth paths.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.0075, 0.01, 0.015, 0.02, 0.03, 0.05, 0.075, 0.1, 0.15, 0.25, 0.5,
}

var divergenceBuckets = []float64{
	-0.01, -0.005, -0.002, -0.001, 0, 0.001, 0.002, 0.005, 0.01,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MeasuredLatency, err = m.Float64Histogram("audioloop.latency.measured",
		metric.WithDescription("Wall-clock round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReportedLatency, err = m.Float64Histogram("audioloop.latency.reported",
		metric.WithDescription("Round-trip latency from the delays reported by the audio stack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Divergence, err = m.Float64Histogram("audioloop.latency.divergence",
		metric.WithDescription("Reported minus measured latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(divergenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("audioloop.runs",
		metric.WithDescription("Measurement runs by outcome."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordResult records one finished run.
func (m *Metrics) RecordResult(ctx context.Context, res audioloop.Result, attrs ...attribute.KeyValue) {
	if !res.Detected() {
		m.Runs.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", "timed_out"))...))
		return
	}

	set := metric.WithAttributes(attrs...)
	m.MeasuredLatency.Record(ctx, res.Measured.Seconds(), set)
	m.ReportedLatency.Record(ctx, res.Reported.Seconds(), set)
	m.Divergence.Record(ctx, res.Divergence().Seconds(), set)
	m.Runs.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", "detected"))...))
}

// RecordError counts a run that failed before producing a result.
func (m *Metrics) RecordError(ctx context.Context, attrs ...attribute.KeyValue) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", "error"))...))
}
