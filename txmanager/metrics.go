package txmanager

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

type managerMetrics struct {
	ops         metric.Int64Counter
	transitions metric.Int64Counter
}

func newManagerMetrics() *managerMetrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/go2pc/txmanager")
	m := &managerMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"go2pc.participant.ops",
		metric.WithDescription("Transaction branch operations by outcome"),
	)
	logMetricInitError("go2pc.participant.ops", err)

	m.transitions, err = meter.Int64Counter(
		"go2pc.participant.sync_transitions",
		metric.WithDescription("Resource manager sync state transitions"),
	)
	logMetricInitError("go2pc.participant.sync_transitions", err)

	return m
}

func (m *managerMetrics) recordOp(ctx context.Context, op string, err error) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("go2pc.op", op),
		attribute.String("go2pc.code", txn.CodeOf(err).String()),
	))
}

func (m *managerMetrics) recordTransition(ctx context.Context, change StateChange) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("go2pc.sync.from", change.From.String()),
		attribute.String("go2pc.sync.to", change.To.String()),
	))
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.WarnContextf(context.Background(), "metric %s init failed: %v", name, err)
}
