package objrt

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentedDispatcher records a counter and a duration histogram for
// every send it forwards.
type instrumentedDispatcher struct {
	next     Dispatcher
	ctx      context.Context
	sends    metric.Int64Counter
	duration metric.Float64Histogram
}

// Instrument wraps next so that every send is recorded on meter.
// ctx is used only for metric recording.
func Instrument(ctx context.Context, next Dispatcher, meter metric.Meter) (Dispatcher, error) {
	sends, err := meter.Int64Counter("objrt_sends")
	if err != nil {
		return nil, fmt.Errorf("failed to create send counter: %w", err)
	}
	duration, err := meter.Float64Histogram("objrt_send_duration_us")
	if err != nil {
		return nil, fmt.Errorf("failed to create send histogram: %w", err)
	}

	return &instrumentedDispatcher{
		next:     next,
		ctx:      ctx,
		sends:    sends,
		duration: duration,
	}, nil
}

func (d *instrumentedDispatcher) Class(name string) ID {
	return d.next.Class(name)
}

func (d *instrumentedDispatcher) Send(receiver ID, sel Selector, pool *Pool, args ...any) (any, error) {
	start := time.Now()
	result, err := d.next.Send(receiver, sel, pool, args...)
	elapsed := time.Since(start)

	attrs := []attribute.KeyValue{
		attribute.String("selector", string(sel)),
		attribute.Bool("success", err == nil),
	}
	d.sends.Add(d.ctx, 1, metric.WithAttributes(attrs...))
	d.duration.Record(d.ctx, float64(elapsed.Microseconds()), metric.WithAttributes(attrs[:1]...))

	return result, err
}

var _ Dispatcher = (*instrumentedDispatcher)(nil)
