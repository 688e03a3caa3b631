package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-mesh/concord/pkg/audit"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/deliberation"
	"github.com/concord-mesh/concord/pkg/maci"
	"github.com/concord-mesh/concord/pkg/resilience"
	"github.com/concord-mesh/concord/pkg/routing"
	"github.com/concord-mesh/concord/pkg/scoring"
	"github.com/concord-mesh/concord/pkg/validator"
)

type sinkFunc func(ctx context.Context, item *deliberation.Item) error

func (f sinkFunc) RecordOutcome(ctx context.Context, item *deliberation.Item) error {
	return f(ctx, item)
}

type busFixture struct {
	bus      *Bus
	ledger   *audit.Ledger
	engine   *deliberation.Engine
	registry *maci.Registry
	router   *routing.Router

	mu        sync.Mutex
	delivered []*contracts.Message
}

func (f *busFixture) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.delivered))
	for _, m := range f.delivered {
		ids = append(ids, m.ID)
	}
	return ids
}

// entries flushes the async audit queue and returns the tenant's chain.
func (f *busFixture) entries(t *testing.T, tenant string) []contracts.AuditEntry {
	t.Helper()
	f.bus.Close()
	got, err := f.ledger.List(context.Background(), tenant, 1, 0)
	require.NoError(t, err)
	return got
}

func newBusFixture(t *testing.T, regs ...contracts.AgentRegistration) *busFixture {
	t.Helper()
	f := &busFixture{
		registry: maci.NewRegistry(),
		ledger:   audit.NewLedger(audit.NewMemoryStore()),
	}
	// Register before bus construction so setup does not hit the change
	// hook wired in New.
	for _, reg := range regs {
		require.NoError(t, f.registry.Register(reg))
	}

	enforcer := maci.NewEnforcer(f.registry, maci.ModeStrict, "")
	f.router = routing.New(f.registry)

	f.engine = deliberation.NewEngine(deliberation.NewMemoryStore(), enforcer,
		sinkFunc(func(ctx context.Context, item *deliberation.Item) error {
			return f.bus.OutcomeSink().RecordOutcome(ctx, item)
		}),
		deliberation.WithNotifier(func(item *deliberation.Item) { f.bus.HandleResolved(item) }),
	)

	b, err := New(Config{
		Limiter:   resilience.NewAgentLimiter(resilience.NewLocalLimiterStore()),
		Validator: validator.New(),
		Enforcer:  enforcer,
		Scorer:    scoring.NewScorer(nil),
		Router:    f.router,
		Engine:    f.engine,
		Ledger:    f.ledger,
		Deliver: func(msg *contracts.Message) {
			f.mu.Lock()
			f.delivered = append(f.delivered, msg)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	f.bus = b
	f.bus.Start(context.Background())
	return f
}

func submission(sender string, mt contracts.MessageType) *contracts.Message {
	return &contracts.Message{
		GovernanceID: contracts.GovernanceID,
		SenderID:     sender,
		TenantID:     "tenant-a",
		Type:         mt,
		Priority:     contracts.PriorityNormal,
		Payload:      map[string]any{},
	}
}

func TestSubmitFastLane(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor, TenantID: "tenant-a",
	})

	receipt, err := f.bus.Submit(context.Background(), submission("monitor-1", contracts.TypeHeartbeat))
	require.NoError(t, err)

	assert.Equal(t, contracts.LaneFast, receipt.Lane)
	assert.Equal(t, contracts.StatusDelivered, receipt.Status)
	assert.Less(t, receipt.ImpactScore, routing.DefaultFastThreshold)
	assert.Equal(t, []string{receipt.MessageID}, f.deliveredIDs())

	entries := f.entries(t, "tenant-a")
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.AuditAllow, entries[0].Decision)
	assert.Equal(t, receipt.MessageID, entries[0].MessageID)
	assert.Contains(t, entries[0].Detail, "fast lane")
}

func TestSubmitStampsIdentity(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor,
	})
	defer f.bus.Close()

	msg := submission("monitor-1", contracts.TypeHeartbeat)
	receipt, err := f.bus.Submit(context.Background(), msg)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, msg.ID, msg.ConversationID)
	assert.Equal(t, msg.ID, receipt.MessageID)
	assert.NotNil(t, msg.ImpactScore)
}

func TestSubmitValidationDenialAuditedSynchronously(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor,
	})
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("monitor-1", contracts.TypeHeartbeat)
	msg.GovernanceID = "wrong-charter"

	_, err := f.bus.Submit(ctx, msg)
	var valErr *contracts.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, validator.CodeGovernanceMismatch, valErr.Code)

	// Denials land on the chain before the caller hears the error.
	entries, lerr := f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.AuditDeny, entries[0].Decision)
	assert.Equal(t, validator.CodeGovernanceMismatch, entries[0].Detail)
	assert.Empty(t, f.deliveredIDs())
}

func TestSubmitAuthorizationDenial(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor,
	})
	defer f.bus.Close()
	ctx := context.Background()

	// A monitor may not send commands.
	msg := submission("monitor-1", contracts.TypeCommand)
	_, err := f.bus.Submit(ctx, msg)

	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)

	entries, lerr := f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.AuditDeny, entries[0].Decision)
	assert.Contains(t, entries[0].ViolatedRules, maci.RuleTypeNotPermitted)
}

func TestSubmitUnknownSenderDenied(t *testing.T) {
	f := newBusFixture(t)
	defer f.bus.Close()

	_, err := f.bus.Submit(context.Background(), submission("ghost", contracts.TypeHeartbeat))
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, maci.RuleUnknownAgent)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "chatty", Role: contracts.RoleMonitor, TenantID: "tenant-a",
		RatePerMinute: 2,
	})
	defer f.bus.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.bus.Submit(ctx, submission("chatty", contracts.TypeHeartbeat))
		require.NoError(t, err)
	}

	msg := submission("chatty", contracts.TypeHeartbeat)
	_, err := f.bus.Submit(ctx, msg)
	var throttled *contracts.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Positive(t, throttled.RetryAfter)

	entries, lerr := f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.AuditDeny, entries[0].Decision)
	assert.Equal(t, "throttled", entries[0].Detail)
}

func TestSubmitEscalatesToDeliberation(t *testing.T) {
	f := newBusFixture(t,
		contracts.AgentRegistration{AgentID: "exec-1", Role: contracts.RoleExecutive, TenantID: "tenant-a"},
		contracts.AgentRegistration{AgentID: "judge-1", Role: contracts.RoleJudicial, TenantID: "tenant-a"},
	)
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("exec-1", contracts.TypeTaskRequest)
	receipt, err := f.bus.Submit(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, contracts.LaneDeliberation, receipt.Lane)
	assert.Equal(t, contracts.StatusDeliberating, receipt.Status)
	require.NotEmpty(t, receipt.DeliberationID)
	assert.Contains(t, receipt.Reasons, "message type outside low-risk set")
	assert.Empty(t, f.deliveredIDs(), "nothing delivered before approval")

	// The escalation is on the chain before the ack.
	entries, lerr := f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.AuditEscalate, entries[0].Decision)

	// Approval resolves the item, audits the outcome, and delivers.
	_, err = f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "judge-1",
		Role:       contracts.RoleJudicial,
		Decision:   contracts.VoteApprove,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{msg.ID}, f.deliveredIDs())
	entries, lerr = f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.AuditAllow, entries[1].Decision)
	assert.Contains(t, entries[1].Detail, "deliberation approved")
}

func TestDeliberationDenialNotDelivered(t *testing.T) {
	f := newBusFixture(t,
		contracts.AgentRegistration{AgentID: "exec-1", Role: contracts.RoleExecutive, TenantID: "tenant-a"},
		contracts.AgentRegistration{AgentID: "judge-1", Role: contracts.RoleJudicial, TenantID: "tenant-a"},
	)
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("exec-1", contracts.TypeCommand)
	receipt, err := f.bus.Submit(ctx, msg)
	require.NoError(t, err)

	_, err = f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "judge-1",
		Role:       contracts.RoleJudicial,
		Decision:   contracts.VoteVeto,
	})
	require.NoError(t, err)

	assert.Empty(t, f.deliveredIDs())
	entries, lerr := f.ledger.ByMessage(ctx, "tenant-a", msg.ID)
	require.NoError(t, lerr)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.AuditDeny, entries[1].Decision)
	assert.Contains(t, entries[1].Detail, "vetoed by judge-1")
}

func TestSelfValidationBannedInsideDeliberation(t *testing.T) {
	// The proposer holds a judicial role, so it could otherwise vote on
	// its own message.
	f := newBusFixture(t,
		contracts.AgentRegistration{AgentID: "judge-1", Role: contracts.RoleJudicial, TenantID: "tenant-a"},
	)
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("judge-1", contracts.TypeConstitutionalValidation)
	receipt, err := f.bus.Submit(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.DeliberationID)

	_, err = f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "judge-1",
		Role:       contracts.RoleJudicial,
		Decision:   contracts.VoteApprove,
	})
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, maci.RuleSelfValidation)
}

func TestDenyHistoryFeedsScoring(t *testing.T) {
	f := newBusFixture(t, contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor,
	})
	defer f.bus.Close()
	ctx := context.Background()

	assert.Zero(t, f.bus.denyRate("monitor-1"))

	bad := submission("monitor-1", contracts.TypeCommand)
	_, _ = f.bus.Submit(ctx, bad)
	assert.Equal(t, 1.0, f.bus.denyRate("monitor-1"))

	_, err := f.bus.Submit(ctx, submission("monitor-1", contracts.TypeHeartbeat))
	require.NoError(t, err)
	assert.Equal(t, 0.5, f.bus.denyRate("monitor-1"))
}

func TestRegistryChangesAudited(t *testing.T) {
	f := newBusFixture(t)

	require.NoError(t, f.registry.Register(contracts.AgentRegistration{
		AgentID: "late-joiner", Role: contracts.RoleAuditor, TenantID: "tenant-a",
	}))
	f.registry.Deregister("late-joiner")

	entries := f.entries(t, "tenant-a")
	require.Len(t, entries, 2)
	assert.Equal(t, "agent-registered", entries[0].Detail)
	assert.Equal(t, "agent-deregistered", entries[1].Detail)
	assert.Equal(t, "late-joiner", entries[0].MessageID)
}

func TestThresholdAdjustmentsAudited(t *testing.T) {
	f := newBusFixture(t)

	f.router.RecordFastLaneFlag()

	entries := f.entries(t, "system")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "fast threshold adjusted")
	assert.Contains(t, entries[0].Detail, "fast-lane flag")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestLegislativeVoteCompletesQuorum(t *testing.T) {
	// Quorum is a majority of judicial plus legislative agents: with one
	// judge and two legislators, two approvals are required, so the item
	// can only resolve if a legislative vote is accepted.
	f := newBusFixture(t,
		contracts.AgentRegistration{AgentID: "leg-1", Role: contracts.RoleLegislative, TenantID: "tenant-a"},
		contracts.AgentRegistration{AgentID: "leg-2", Role: contracts.RoleLegislative, TenantID: "tenant-a"},
		contracts.AgentRegistration{AgentID: "judge-1", Role: contracts.RoleJudicial, TenantID: "tenant-a"},
	)
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("leg-1", contracts.TypeGovernanceRequest)
	msg.Payload["action"] = contracts.ActionPolicyChange
	receipt, err := f.bus.Submit(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, contracts.LaneMultiAgentVote, receipt.Lane)

	mid, err := f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "judge-1",
		Role:       contracts.RoleJudicial,
		Decision:   contracts.VoteApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomePending, mid.Outcome)

	final, err := f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "leg-2",
		Role:       contracts.RoleLegislative,
		Decision:   contracts.VoteApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeApproved, final.Outcome)
	assert.Equal(t, []string{msg.ID}, f.deliveredIDs())
}

func TestSelfVetoBannedInsideDeliberation(t *testing.T) {
	f := newBusFixture(t,
		contracts.AgentRegistration{AgentID: "judge-1", Role: contracts.RoleJudicial, TenantID: "tenant-a"},
	)
	defer f.bus.Close()
	ctx := context.Background()

	msg := submission("judge-1", contracts.TypeConstitutionalValidation)
	receipt, err := f.bus.Submit(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.DeliberationID)

	// A veto is a vote; the proposer may not cast it on its own item.
	_, err = f.engine.CastVote(ctx, receipt.DeliberationID, contracts.Vote{
		ApproverID: "judge-1",
		Role:       contracts.RoleJudicial,
		Decision:   contracts.VoteVeto,
	})
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, maci.RuleSelfValidation)

	item, err := f.engine.Get(ctx, receipt.DeliberationID)
	require.NoError(t, err)
	assert.Empty(t, item.Votes)
}

func TestSubmitDefaultQuotaApplied(t *testing.T) {
	registry := maci.NewRegistry()
	require.NoError(t, registry.Register(contracts.AgentRegistration{
		AgentID: "monitor-1", Role: contracts.RoleMonitor, TenantID: "tenant-a",
	}))
	enforcer := maci.NewEnforcer(registry, maci.ModeStrict, "")
	engine := deliberation.NewEngine(deliberation.NewMemoryStore(), enforcer,
		sinkFunc(func(context.Context, *deliberation.Item) error { return nil }))

	b, err := New(Config{
		Limiter:   resilience.NewAgentLimiter(resilience.NewLocalLimiterStore()),
		Validator: validator.New(),
		Enforcer:  enforcer,
		Scorer:    scoring.NewScorer(nil),
		Router:    routing.New(registry),
		Engine:    engine,
		Ledger:    audit.NewLedger(audit.NewMemoryStore()),

		DefaultRatePerMinute: 2,
	})
	require.NoError(t, err)
	b.Start(context.Background())
	defer b.Close()
	ctx := context.Background()

	// The registration carries no quota of its own.
	for i := 0; i < 2; i++ {
		_, err := b.Submit(ctx, submission("monitor-1", contracts.TypeHeartbeat))
		require.NoError(t, err)
	}
	_, err = b.Submit(ctx, submission("monitor-1", contracts.TypeHeartbeat))
	var throttled *contracts.ThrottledError
	require.ErrorAs(t, err, &throttled)
}

func TestQueueAuditBacklogAlarm(t *testing.T) {
	registry := maci.NewRegistry()
	enforcer := maci.NewEnforcer(registry, maci.ModeStrict, "")
	engine := deliberation.NewEngine(deliberation.NewMemoryStore(), enforcer,
		sinkFunc(func(context.Context, *deliberation.Item) error { return nil }))
	ledger := audit.NewLedger(audit.NewMemoryStore())

	b, err := New(Config{
		Limiter:   resilience.NewAgentLimiter(resilience.NewLocalLimiterStore()),
		Validator: validator.New(),
		Enforcer:  enforcer,
		Scorer:    scoring.NewScorer(nil),
		Router:    routing.New(registry),
		Engine:    engine,
		Ledger:    ledger,
	})
	require.NoError(t, err)
	// Shrink the queue before anything runs so one record fills it.
	b.asyncAudit = make(chan audit.Record, 1)

	b.queueAudit(audit.Record{TenantID: "tenant-a", Decision: contracts.AuditAllow, Detail: "first"})
	blocked := make(chan struct{})
	go func() {
		b.queueAudit(audit.Record{TenantID: "tenant-a", Decision: contracts.AuditAllow, Detail: "second"})
		close(blocked)
	}()

	require.Eventually(t, func() bool {
		b.alarmMu.Lock()
		defer b.alarmMu.Unlock()
		return b.auditAlarmed
	}, time.Second, 5*time.Millisecond, "backlog alarm raised before blocking")

	// Draining unblocks the publisher; nothing was dropped.
	b.Start(context.Background())
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher still blocked after drain started")
	}
	b.Close()

	entries, err := ledger.List(context.Background(), "tenant-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Detail)
	assert.Equal(t, "second", entries[1].Detail)
}
