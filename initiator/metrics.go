package initiator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

type initiatorMetrics struct {
	outcomes      metric.Int64Counter
	phaseDuration metric.Int64Histogram
	barrierForced metric.Int64Counter
}

func newInitiatorMetrics() *initiatorMetrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/go2pc/initiator")
	m := &initiatorMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter(
		"go2pc.initiator.outcomes",
		metric.WithDescription("Transactions driven to an outcome"),
	)
	logMetricInitError("go2pc.initiator.outcomes", err)

	m.phaseDuration, err = meter.Int64Histogram(
		"go2pc.initiator.phase.duration_ms",
		metric.WithDescription("Time spent in one protocol phase"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("go2pc.initiator.phase.duration_ms", err)

	m.barrierForced, err = meter.Int64Counter(
		"go2pc.initiator.barrier.forced",
		metric.WithDescription("Prepare barriers that timed out and advanced the last finished counter"),
	)
	logMetricInitError("go2pc.initiator.barrier.forced", err)

	return m
}

// recordOutcome counts a finished request. reason names the phase that decided a rollback.
func (m *initiatorMetrics) recordOutcome(ctx context.Context, status txn.Status, reason string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("go2pc.status", status.String()),
		attribute.String("go2pc.reason", reason),
	))
}

func (m *initiatorMetrics) recordPhase(ctx context.Context, phase string, successes, targets int, took time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.Record(ctx, took.Milliseconds(), metric.WithAttributes(
		attribute.String("go2pc.phase", phase),
		attribute.Bool("go2pc.complete", successes == targets),
	))
}

func (m *initiatorMetrics) recordBarrierForced(ctx context.Context) {
	if m == nil || m.barrierForced == nil {
		return
	}
	m.barrierForced.Add(ctx, 1)
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.WarnContextf(context.Background(), "metric %s init failed: %v", name, err)
}
