package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the bus's counter set. Zero value is a usable no-op, so
// code paths never need nil checks and tests run without a provider.
type Metrics struct {
	submitted            metric.Int64Counter
	rejected             metric.Int64Counter
	laneDecisions        metric.Int64Counter
	deliberationOutcomes metric.Int64Counter
	anchorRetries        metric.Int64Counter
	anchorBacklog        metric.Int64UpDownCounter
	auditQueueFull       metric.Int64Counter
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error
	if m.submitted, err = meter.Int64Counter("concord.messages.submitted",
		metric.WithDescription("Messages submitted to the bus"),
		metric.WithUnit("{message}")); err != nil {
		return err
	}
	if m.rejected, err = meter.Int64Counter("concord.messages.rejected",
		metric.WithDescription("Messages rejected, by reason"),
		metric.WithUnit("{message}")); err != nil {
		return err
	}
	if m.laneDecisions, err = meter.Int64Counter("concord.routing.decisions",
		metric.WithDescription("Routing decisions, by lane"),
		metric.WithUnit("{decision}")); err != nil {
		return err
	}
	if m.deliberationOutcomes, err = meter.Int64Counter("concord.deliberation.outcomes",
		metric.WithDescription("Deliberation outcomes, by result"),
		metric.WithUnit("{item}")); err != nil {
		return err
	}
	if m.anchorRetries, err = meter.Int64Counter("concord.anchor.retries",
		metric.WithDescription("Anchor attempts that had to be retried"),
		metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if m.anchorBacklog, err = meter.Int64UpDownCounter("concord.anchor.backlog",
		metric.WithDescription("Entries waiting in the anchor queue"),
		metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if m.auditQueueFull, err = meter.Int64Counter("concord.audit.queue_full",
		metric.WithDescription("Publishes that found the async audit queue full"),
		metric.WithUnit("{record}")); err != nil {
		return err
	}
	return nil
}

// Submitted counts one submitted message.
func (m *Metrics) Submitted(ctx context.Context, tenantID string) {
	if m == nil || m.submitted == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
}

// Rejected counts one rejection with its reason code.
func (m *Metrics) Rejected(ctx context.Context, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// LaneDecision counts one routing decision.
func (m *Metrics) LaneDecision(ctx context.Context, lane string) {
	if m == nil || m.laneDecisions == nil {
		return
	}
	m.laneDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

// DeliberationOutcome counts one resolved item.
func (m *Metrics) DeliberationOutcome(ctx context.Context, outcome string) {
	if m == nil || m.deliberationOutcomes == nil {
		return
	}
	m.deliberationOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AnchorRetry counts one retried anchor attempt.
func (m *Metrics) AnchorRetry(ctx context.Context) {
	if m == nil || m.anchorRetries == nil {
		return
	}
	m.anchorRetries.Add(ctx, 1)
}

// AuditQueueFull counts one blocked publish into the async audit queue.
func (m *Metrics) AuditQueueFull(ctx context.Context) {
	if m == nil || m.auditQueueFull == nil {
		return
	}
	m.auditQueueFull.Add(ctx, 1)
}

// AnchorBacklogDelta adjusts the anchor queue depth gauge.
func (m *Metrics) AnchorBacklogDelta(ctx context.Context, delta int64) {
	if m == nil || m.anchorBacklog == nil {
		return
	}
	m.anchorBacklog.Add(ctx, delta)
}
