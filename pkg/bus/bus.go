// Package bus orchestrates the governance pipeline: rate limit →
// constitutional validation → role enforcement → impact scoring →
// routing → fast-lane delivery or deliberation. Every decision the
// pipeline takes lands in the audit ledger exactly once.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord-mesh/concord/pkg/audit"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/deliberation"
	"github.com/concord-mesh/concord/pkg/maci"
	"github.com/concord-mesh/concord/pkg/observability"
	"github.com/concord-mesh/concord/pkg/resilience"
	"github.com/concord-mesh/concord/pkg/routing"
	"github.com/concord-mesh/concord/pkg/scoring"
	"github.com/concord-mesh/concord/pkg/validator"
)

// Receipt is the submitter's acknowledgment. A fast-lane receipt means
// the message was delivered; a deliberation receipt means it is queued
// and the outcome arrives through the delivery callback later.
type Receipt struct {
	MessageID      string                  `json:"message_id"`
	Lane           contracts.Lane          `json:"lane"`
	Status         contracts.MessageStatus `json:"status"`
	ImpactScore    float64                 `json:"impact_score"`
	DeliberationID string                  `json:"deliberation_id,omitempty"`
	Reasons        []string                `json:"reasons,omitempty"`
}

// DeliverFunc receives approved messages. Fast-lane messages arrive
// during Submit; deliberated messages arrive after approval.
type DeliverFunc func(msg *contracts.Message)

// Bus wires the pipeline stages. All dependencies are explicit handles;
// nothing global.
type Bus struct {
	limiter   *resilience.AgentLimiter
	validator *validator.Validator
	enforcer  *maci.Enforcer
	scorer    *scoring.Scorer
	router    *routing.Router
	engine    *deliberation.Engine
	ledger    *audit.Ledger
	deliver   DeliverFunc
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	// defaultRate applies to registered agents without an explicit quota.
	defaultRate int

	// asyncAudit carries fast-lane allow records so the submitter's ack
	// does not wait on ledger I/O. Denials and escalations append
	// synchronously: a rejection must be on the record before the caller
	// hears about it.
	asyncAudit chan audit.Record
	done       chan struct{}
	wg         sync.WaitGroup

	alarmMu      sync.Mutex
	auditAlarmed bool

	// deny history per sender feeds the scorer's history signal
	historyMu sync.Mutex
	submitted map[string]int
	denied    map[string]int
}

// Config collects the bus's constructor dependencies.
type Config struct {
	Limiter   *resilience.AgentLimiter
	Validator *validator.Validator
	Enforcer  *maci.Enforcer
	Scorer    *scoring.Scorer
	Router    *routing.Router
	Engine    *deliberation.Engine
	Ledger    *audit.Ledger
	Deliver   DeliverFunc
	Metrics   *observability.Metrics // optional
	Clock     func() time.Time       // optional

	// DefaultRatePerMinute is the ingress quota for registered agents
	// whose registration does not carry one. Zero disables the default.
	DefaultRatePerMinute int
}

// New creates a stopped bus; call Start to launch the async audit
// drain. The registry's change hook and the router's threshold hook are
// wired to the ledger here so configuration changes are on the record.
func New(cfg Config) (*Bus, error) {
	for name, missing := range map[string]bool{
		"limiter": cfg.Limiter == nil, "validator": cfg.Validator == nil,
		"enforcer": cfg.Enforcer == nil, "scorer": cfg.Scorer == nil,
		"router": cfg.Router == nil, "engine": cfg.Engine == nil, "ledger": cfg.Ledger == nil,
	} {
		if missing {
			return nil, fmt.Errorf("bus: %s is required", name)
		}
	}

	b := &Bus{
		limiter:    cfg.Limiter,
		validator:  cfg.Validator,
		enforcer:   cfg.Enforcer,
		scorer:     cfg.Scorer,
		router:     cfg.Router,
		engine:     cfg.Engine,
		ledger:     cfg.Ledger,
		deliver:    cfg.Deliver,
		metrics:    cfg.Metrics,
		logger:     slog.Default().With("component", "bus"),
		clock:      cfg.Clock,
		asyncAudit: make(chan audit.Record, 256),
		done:       make(chan struct{}),
		submitted:  make(map[string]int),
		denied:     make(map[string]int),

		defaultRate: cfg.DefaultRatePerMinute,
	}
	if b.clock == nil {
		b.clock = time.Now
	}

	b.enforcer.Registry().OnChange(func(ev maci.ChangeEvent, reg contracts.AgentRegistration) {
		b.queueAudit(audit.Record{
			TenantID:  reg.TenantID,
			MessageID: reg.AgentID,
			Decision:  contracts.AuditAllow,
			ActorRole: reg.Role,
			Detail:    string(ev),
		})
	})
	b.router.WithAdjustmentHook(func(old, new routing.Thresholds, reason string) {
		b.queueAudit(audit.Record{
			TenantID: "system",
			Decision: contracts.AuditAllow,
			Detail: fmt.Sprintf("fast threshold adjusted %.2f -> %.2f (%s)",
				old.Fast, new.Fast, reason),
		})
	})
	return b, nil
}

// Start launches the async audit drain.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.drainAudit(ctx)
}

// Close flushes queued audit records and stops the bus.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}

// Submit runs one message through the pipeline. The returned error, when
// non-nil, is one of the typed bus errors; in every case the decision is
// already (or is guaranteed to become) an audit entry.
func (b *Bus) Submit(ctx context.Context, msg *contracts.Message) (*Receipt, error) {
	b.prepare(msg)
	b.metrics.Submitted(ctx, msg.TenantID)

	// Stage 0: ingress quota. Registrations without an explicit quota get
	// the deployment default.
	reg, regErr := b.enforcer.Registry().Get(msg.SenderID)
	quota := reg.RatePerMinute
	if quota == 0 {
		quota = b.defaultRate
	}
	if regErr == nil && quota > 0 {
		if err := b.limiter.Check(ctx, msg.SenderID, quota); err != nil {
			var throttled *contracts.ThrottledError
			if errors.As(err, &throttled) {
				b.recordDenial(ctx, msg, contracts.Role(""), "throttled", []string{"rate-limit-exceeded"})
				return nil, err
			}
			return nil, err
		}
	}

	// Stage 1: constitutional validation.
	if res := b.validator.Validate(ctx, msg); !res.Valid {
		b.recordDenial(ctx, msg, reg.Role, res.Code, res.Violations)
		return nil, res.Err()
	}

	// Stage 2: role enforcement.
	if err := b.enforcer.AuthorizeMessage(ctx, msg); err != nil {
		var authErr *contracts.AuthorizationError
		rules := []string{"authorization-failed"}
		if errors.As(err, &authErr) {
			rules = authErr.ViolatedRules
		}
		b.recordDenial(ctx, msg, reg.Role, "authorization", rules)
		return nil, err
	}

	// Stage 3: impact scoring. Never fails the message; degradation is
	// carried into the routing decision and the audit detail.
	assessment := b.scorer.Assess(ctx, msg, scoring.Context{
		SenderRole:     reg.Role,
		TenantID:       msg.TenantID,
		SenderDenyRate: b.denyRate(msg.SenderID),
	})
	score := assessment.Score
	msg.ImpactScore = &score

	// Stage 4: routing.
	decision := b.router.Route(msg, assessment)
	b.metrics.LaneDecision(ctx, string(decision.Lane))

	if decision.Lane == contracts.LaneFast {
		return b.fastLane(ctx, msg, reg.Role, assessment)
	}
	return b.escalate(ctx, msg, reg.Role, assessment, decision)
}

// fastLane delivers immediately. The ack (and delivery) precede the
// audit append, which is queued; the drain goroutine guarantees the
// entry lands.
func (b *Bus) fastLane(ctx context.Context, msg *contracts.Message, role contracts.Role, a *scoring.Assessment) (*Receipt, error) {
	msg.Status = contracts.StatusDelivered
	msg.UpdatedAt = b.clock().UTC()
	if b.deliver != nil {
		b.deliver(msg)
	}
	b.queueAudit(audit.Record{
		TenantID:  msg.TenantID,
		MessageID: msg.ID,
		Decision:  contracts.AuditAllow,
		ActorRole: role,
		Detail:    fmt.Sprintf("fast lane, score %.3f%s", a.Score, degradedSuffix(a)),
	})
	b.recordHistory(msg.SenderID, false)

	return &Receipt{
		MessageID:   msg.ID,
		Lane:        contracts.LaneFast,
		Status:      msg.Status,
		ImpactScore: a.Score,
	}, nil
}

// escalate enqueues the message for deliberation and appends the
// escalation entry synchronously before acknowledging.
func (b *Bus) escalate(ctx context.Context, msg *contracts.Message, role contracts.Role, a *scoring.Assessment, d *routing.Decision) (*Receipt, error) {
	msg.Status = contracts.StatusDeliberating
	msg.UpdatedAt = b.clock().UTC()

	item, err := b.engine.Enqueue(ctx, deliberation.EnqueueRequest{
		Message:                msg,
		RequiresHumanReview:    d.RequiresHumanReview,
		RequiresMultiAgentVote: d.RequiresMultiAgentVote,
		RequiredApprovals:      d.RequiredApprovals,
		Timeout:                d.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: enqueue deliberation: %w", err)
	}

	if _, err := b.ledger.Append(ctx, audit.Record{
		TenantID:      msg.TenantID,
		MessageID:     msg.ID,
		Decision:      contracts.AuditEscalate,
		ActorRole:     role,
		ViolatedRules: d.Reasons,
		Detail:        fmt.Sprintf("escalated to %s, score %.3f%s", item.Lane, a.Score, degradedSuffix(a)),
	}); err != nil {
		// The decision must be on the record before the ack; release the
		// item rather than acknowledge an unaudited escalation.
		_ = b.engine.Cancel(ctx, item.ID, "audit append failed")
		return nil, fmt.Errorf("bus: audit escalation: %w", err)
	}

	return &Receipt{
		MessageID:      msg.ID,
		Lane:           item.Lane,
		Status:         msg.Status,
		ImpactScore:    a.Score,
		DeliberationID: item.ID,
		Reasons:        d.Reasons,
	}, nil
}

// OutcomeSink returns the audit adapter the deliberation engine calls on
// every terminal item, and feeds outcomes back into the router tuner,
// metrics, and downstream delivery.
func (b *Bus) OutcomeSink() deliberation.AuditSink {
	return &outcomeSink{bus: b}
}

type outcomeSink struct{ bus *Bus }

// RecordOutcome writes the terminal audit entry. Called by the engine
// before anyone is notified of the outcome.
func (s *outcomeSink) RecordOutcome(ctx context.Context, item *deliberation.Item) error {
	b := s.bus
	decision := contracts.AuditAllow
	if item.Outcome.Denied() {
		decision = contracts.AuditDeny
	}
	_, err := b.ledger.Append(ctx, audit.Record{
		TenantID:  item.Message.TenantID,
		MessageID: item.Message.ID,
		Decision:  decision,
		Detail:    fmt.Sprintf("deliberation %s: %s", item.Outcome, item.OutcomeReason),
	})
	if err != nil {
		return err
	}

	b.metrics.DeliberationOutcome(ctx, string(item.Outcome))
	b.recordHistory(item.Message.SenderID, item.Outcome.Denied())

	// Tuner feedback: an approval with zero dissent suggests the message
	// never needed deliberation.
	falsePositive := item.Outcome == contracts.OutcomeApproved && unanimous(item)
	b.router.RecordOutcome(falsePositive)
	return nil
}

// HandleResolved is the engine notifier: delivers approved messages
// downstream after the audit entry is durable.
func (b *Bus) HandleResolved(item *deliberation.Item) {
	if item.Outcome == contracts.OutcomeApproved && b.deliver != nil {
		b.deliver(item.Message)
	}
}

func degradedSuffix(a *scoring.Assessment) string {
	if a.Degraded {
		return " (scoring degraded)"
	}
	return ""
}

func unanimous(item *deliberation.Item) bool {
	for _, v := range item.Votes {
		if v.Decision != contracts.VoteApprove {
			return false
		}
	}
	return true
}

// prepare stamps identity and lifecycle defaults on a raw submission.
func (b *Bus) prepare(msg *contracts.Message) {
	now := b.clock().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = msg.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = contracts.StatusPending
	}
}

// recordDenial appends the deny entry synchronously: the rejection must
// be on the record before the submitter hears it.
func (b *Bus) recordDenial(ctx context.Context, msg *contracts.Message, role contracts.Role, reason string, rules []string) {
	b.metrics.Rejected(ctx, reason)
	b.recordHistory(msg.SenderID, true)
	if _, err := b.ledger.Append(ctx, audit.Record{
		TenantID:      msg.TenantID,
		MessageID:     msg.ID,
		Decision:      contracts.AuditDeny,
		ActorRole:     role,
		ViolatedRules: rules,
		Detail:        reason,
	}); err != nil {
		b.logger.Error("denial audit append failed",
			"message_id", msg.ID, "reason", reason, "error", err)
	}
}

// queueAudit hands an allow-class record to the drain goroutine. A full
// queue raises the backlog alarm and then blocks: audit entries are
// never dropped.
func (b *Bus) queueAudit(rec audit.Record) {
	select {
	case b.asyncAudit <- rec:
		return
	default:
	}

	b.metrics.AuditQueueFull(context.Background())
	b.alarmMu.Lock()
	if !b.auditAlarmed {
		b.auditAlarmed = true
		b.logger.Warn("async audit queue full, publisher blocked",
			"capacity", cap(b.asyncAudit))
	}
	b.alarmMu.Unlock()

	select {
	case b.asyncAudit <- rec:
	case <-b.done:
		// Shutting down: append inline.
		if _, err := b.ledger.Append(context.Background(), rec); err != nil {
			b.logger.Error("audit append during shutdown failed", "error", err)
		}
	}
}

func (b *Bus) drainAudit(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case rec := <-b.asyncAudit:
			if _, err := b.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
				b.logger.Error("queued audit append failed",
					"message_id", rec.MessageID, "error", err)
			}
		case <-b.done:
			for {
				select {
				case rec := <-b.asyncAudit:
					if _, err := b.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
						b.logger.Error("queued audit append failed",
							"message_id", rec.MessageID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) recordHistory(senderID string, deny bool) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.submitted[senderID]++
	if deny {
		b.denied[senderID]++
	}
}

// denyRate returns the sender's observed denial share, a scoring input.
func (b *Bus) denyRate(senderID string) float64 {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	total := b.submitted[senderID]
	if total == 0 {
		return 0
	}
	return float64(b.denied[senderID]) / float64(total)
}
