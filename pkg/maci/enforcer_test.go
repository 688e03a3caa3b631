package maci

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-mesh/concord/pkg/contracts"
)

func newTestRegistry(t *testing.T, regs ...contracts.AgentRegistration) *Registry {
	t.Helper()
	r := NewRegistry().WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	})
	for _, reg := range regs {
		require.NoError(t, r.Register(reg))
	}
	return r
}

func message(sender string, mt contracts.MessageType, prio contracts.Priority) *contracts.Message {
	return &contracts.Message{
		ID:       "msg-" + sender,
		SenderID: sender,
		Type:     mt,
		Priority: prio,
		Payload:  map[string]any{},
	}
}

func TestPermissionMatrixComplete(t *testing.T) {
	for _, role := range contracts.AllRoles {
		_, ok := rolePermissions(role)
		assert.True(t, ok, "role %s missing from permission matrix", role)
	}
	_, ok := rolePermissions(contracts.Role("SHADOW"))
	assert.False(t, ok)
}

func TestAuthorizeMessageByRole(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "exec", Role: contracts.RoleExecutive},
		contracts.AgentRegistration{AgentID: "monitor", Role: contracts.RoleMonitor},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")
	ctx := context.Background()

	assert.NoError(t, enforcer.AuthorizeMessage(ctx,
		message("exec", contracts.TypeCommand, contracts.PriorityHigh)))

	err := enforcer.AuthorizeMessage(ctx,
		message("monitor", contracts.TypeCommand, contracts.PriorityLow))
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleTypeNotPermitted)
}

func TestAuthorizeMessagePriorityEscalation(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "monitor-1", Role: contracts.RoleMonitor},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")

	// A monitor sending CRITICAL exceeds its NORMAL ceiling.
	err := enforcer.AuthorizeMessage(context.Background(),
		message("monitor-1", contracts.TypeEvent, contracts.PriorityCritical))

	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RulePriorityEscalation)
	assert.Equal(t, "monitor-1", authErr.AgentID)
}

func TestAuthorizeMessageAgentGrantsOnlyNarrow(t *testing.T) {
	registry := newTestRegistry(t,
		// Executive role allows CRITICAL, but this agent is capped at NORMAL.
		contracts.AgentRegistration{
			AgentID:     "exec-capped",
			Role:        contracts.RoleExecutive,
			MaxPriority: contracts.PriorityNormal,
		},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")

	err := enforcer.AuthorizeMessage(context.Background(),
		message("exec-capped", contracts.TypeCommand, contracts.PriorityHigh))
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RulePriorityEscalation)
}

func TestAuthorizeMessagePayloadAction(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "exec", Role: contracts.RoleExecutive},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")

	msg := message("exec", contracts.TypeCommand, contracts.PriorityNormal)
	msg.Payload = map[string]any{"action": contracts.ActionConstitutionalUpdate}

	err := enforcer.AuthorizeMessage(context.Background(), msg)
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleActionNotPermitted)
}

func TestStrictModeDeniesUnknownAgent(t *testing.T) {
	enforcer := NewEnforcer(newTestRegistry(t), ModeStrict, "")

	err := enforcer.AuthorizeMessage(context.Background(),
		message("ghost", contracts.TypeQuery, contracts.PriorityLow))
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleUnknownAgent)
}

func TestPermissiveModeAppliesFallbackRole(t *testing.T) {
	enforcer := NewEnforcer(newTestRegistry(t), ModePermissive, contracts.RoleMonitor)
	ctx := context.Background()

	// Within the fallback role's envelope.
	assert.NoError(t, enforcer.AuthorizeMessage(ctx,
		message("ghost", contracts.TypeEvent, contracts.PriorityNormal)))

	// Still bounded by it.
	err := enforcer.AuthorizeMessage(ctx,
		message("ghost", contracts.TypeCommand, contracts.PriorityNormal))
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleTypeNotPermitted)
}

func TestSelfValidationBan(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "worker", Role: contracts.RoleImplementer},
		contracts.AgentRegistration{AgentID: "judge", Role: contracts.RoleJudicial},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")
	ctx := context.Background()

	registry.RecordOutput("out-1", "worker")

	// A judge may validate the worker's output.
	assert.NoError(t, enforcer.Authorize(ctx, "judge", contracts.ActionValidate, "out-1"))

	// The producer may never validate its own output, even if its role
	// carried the validate verb.
	registry.RecordOutput("out-2", "judge")
	err := enforcer.Authorize(ctx, "judge", contracts.ActionValidate, "out-2")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleSelfValidation)
}

func TestUnknownProvenanceFailsClosed(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "judge", Role: contracts.RoleJudicial},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")

	err := enforcer.Authorize(context.Background(), "judge", contracts.ActionValidate, "untracked")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleSelfValidation)
}

func TestJudicialSeparation(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "judge", Role: contracts.RoleJudicial},
		contracts.AgentRegistration{AgentID: "monitor", Role: contracts.RoleMonitor},
		contracts.AgentRegistration{AgentID: "legislator", Role: contracts.RoleLegislative},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")
	ctx := context.Background()

	registry.RecordOutput("leg-out", "legislator")
	assert.NoError(t, enforcer.Authorize(ctx, "judge", contracts.ActionValidate, "leg-out"))

	// Judicial may not validate a monitor's output.
	registry.RecordOutput("mon-out", "monitor")
	err := enforcer.Authorize(ctx, "judge", contracts.ActionValidate, "mon-out")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleJudicialSeparation)
}

func TestAuthorizeActionVerb(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "judge", Role: contracts.RoleJudicial},
		contracts.AgentRegistration{AgentID: "worker", Role: contracts.RoleImplementer},
	)
	enforcer := NewEnforcer(registry, ModeStrict, "")
	ctx := context.Background()

	assert.NoError(t, enforcer.Authorize(ctx, "judge", "veto", ""))

	err := enforcer.Authorize(ctx, "worker", "veto", "")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleActionNotPermitted)
}

func TestRegistryLifecycle(t *testing.T) {
	registry := newTestRegistry(t)

	var events []ChangeEvent
	registry.OnChange(func(ev ChangeEvent, _ contracts.AgentRegistration) {
		events = append(events, ev)
	})

	require.NoError(t, registry.Register(contracts.AgentRegistration{
		AgentID: "a", Role: contracts.RoleAuditor,
	}))
	require.NoError(t, registry.Register(contracts.AgentRegistration{
		AgentID: "a", Role: contracts.RoleAuditor, AllowedActions: []string{"audit"},
	}))
	registry.Deregister("a")

	assert.Equal(t, []ChangeEvent{EventRegistered, EventUpdated, EventDeregistered}, events)

	_, err := registry.Get("a")
	assert.True(t, errors.Is(err, ErrAgentNotFound))
}

func TestRegistryRejectsInvalid(t *testing.T) {
	registry := newTestRegistry(t)
	assert.Error(t, registry.Register(contracts.AgentRegistration{Role: contracts.RoleMonitor}))
	assert.Error(t, registry.Register(contracts.AgentRegistration{AgentID: "x", Role: "SHADOW"}))
}

func TestRegistryCountByRole(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "j1", Role: contracts.RoleJudicial},
		contracts.AgentRegistration{AgentID: "j2", Role: contracts.RoleJudicial},
		contracts.AgentRegistration{AgentID: "m1", Role: contracts.RoleMonitor},
	)
	assert.Equal(t, 2, registry.CountByRole(contracts.RoleJudicial))
	assert.Equal(t, 3, registry.CountByRole(contracts.RoleJudicial, contracts.RoleMonitor))
	assert.Equal(t, 0, registry.CountByRole(contracts.RoleController))
}

func TestProvenanceSurvivesDeregistration(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "worker", Role: contracts.RoleImplementer},
	)
	registry.RecordOutput("out-1", "worker")
	registry.Deregister("worker")

	producer, ok := registry.ProducerOf("out-1")
	assert.True(t, ok)
	assert.Equal(t, "worker", producer)
}

func TestLegislativeMayVote(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "exec", Role: contracts.RoleExecutive},
		contracts.AgentRegistration{AgentID: "leg", Role: contracts.RoleLegislative},
	)
	registry.RecordOutput("exec-out", "exec")
	enforcer := NewEnforcer(registry, ModeStrict, "")
	ctx := context.Background()

	// Quorum members vote with the vote verb; legislative agents hold it
	// even though validate stays judicial-only.
	assert.NoError(t, enforcer.Authorize(ctx, "leg", contracts.ActionVote, "exec-out"))

	err := enforcer.Authorize(ctx, "leg", contracts.ActionValidate, "exec-out")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleActionNotPermitted)
}

func TestSelfVetoDenied(t *testing.T) {
	registry := newTestRegistry(t,
		contracts.AgentRegistration{AgentID: "judge", Role: contracts.RoleJudicial},
	)
	registry.RecordOutput("judge-out", "judge")
	enforcer := NewEnforcer(registry, ModeStrict, "")

	// A veto is a verdict on the output; the independence checks apply to
	// it the same as to an approval.
	err := enforcer.Authorize(context.Background(), "judge", contracts.ActionVeto, "judge-out")
	var authErr *contracts.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.ViolatedRules, RuleSelfValidation)
}

func TestProvenanceEviction(t *testing.T) {
	registry := newTestRegistry(t).WithOutputCapacity(2)

	registry.RecordOutput("out-1", "a")
	registry.RecordOutput("out-2", "b")
	registry.RecordOutput("out-3", "c")

	_, ok := registry.ProducerOf("out-1")
	assert.False(t, ok, "oldest record evicted at capacity")
	_, ok = registry.ProducerOf("out-2")
	assert.True(t, ok)
	_, ok = registry.ProducerOf("out-3")
	assert.True(t, ok)

	// Re-recording a known output does not evict anything.
	registry.RecordOutput("out-3", "c")
	_, ok = registry.ProducerOf("out-2")
	assert.True(t, ok)
}
