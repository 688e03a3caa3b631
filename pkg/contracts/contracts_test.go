package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		TypeCommand, TypeQuery, TypeResponse, TypeEvent, TypeNotification,
		TypeHeartbeat, TypeGovernanceRequest, TypeGovernanceResponse,
		TypeConstitutionalValidation, TypeTaskRequest, TypeTaskResponse,
	} {
		assert.True(t, mt.Valid(), "%s should be valid", mt)
	}
	assert.False(t, MessageType("gossip").Valid())
	assert.False(t, MessageType("").Valid())
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityCritical.MoreUrgentThan(PriorityHigh))
	assert.True(t, PriorityHigh.MoreUrgentThan(PriorityLow))
	assert.False(t, PriorityLow.MoreUrgentThan(PriorityCritical))
	assert.False(t, PriorityHigh.MoreUrgentThan(PriorityHigh))
}

func TestMessageAction(t *testing.T) {
	msg := &Message{Payload: map[string]any{"action": "delete"}}
	assert.Equal(t, "delete", msg.Action())

	assert.Empty(t, (&Message{}).Action())
	assert.Empty(t, (&Message{Payload: map[string]any{"action": 7}}).Action())
}

func TestMessageExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	freshExp := now.Add(time.Minute)
	fresh := &Message{ExpiresAt: &freshExp}
	assert.False(t, fresh.Expired(now))

	staleExp := now.Add(-time.Second)
	stale := &Message{ExpiresAt: &staleExp}
	assert.True(t, stale.Expired(now))

	unset := &Message{}
	assert.False(t, unset.Expired(now))
}

func TestRegistrationPermissionNarrowing(t *testing.T) {
	reg := AgentRegistration{
		AgentID:      "agent-1",
		Role:         RoleExecutive,
		AllowedTypes: []MessageType{TypeCommand},
	}
	assert.True(t, reg.MayUseType(TypeCommand))
	assert.False(t, reg.MayUseType(TypeQuery))

	// Empty lists defer to role defaults.
	open := AgentRegistration{AgentID: "agent-2", Role: RoleExecutive}
	assert.True(t, open.MayUseType(TypeQuery))
	assert.True(t, open.MayAct("anything"))
}

func TestOutcomeSemantics(t *testing.T) {
	assert.False(t, OutcomePending.Terminal())
	assert.True(t, OutcomeApproved.Terminal())
	assert.True(t, OutcomeTimedOut.Terminal())

	assert.True(t, OutcomeTimedOut.Denied())
	assert.True(t, OutcomeRejected.Denied())
	assert.False(t, OutcomeApproved.Denied())
	assert.False(t, OutcomePending.Denied())
}

func TestErrorTaxonomy(t *testing.T) {
	valErr := NewValidationError("MISSING_FIELD", "sender_id", "required field sender_id is empty")
	assert.Equal(t, GovernanceID, valErr.GovernanceID)
	assert.Contains(t, valErr.Error(), "MISSING_FIELD")

	authErr := NewAuthorizationError("agent-1", "veto", "action-not-permitted")
	assert.Equal(t, GovernanceID, authErr.GovernanceID)
	assert.Contains(t, authErr.Error(), "agent-1")

	inner := errors.New("connection refused")
	depErr := &DependencyError{Dependency: "policy-engine", Err: inner}
	require.ErrorIs(t, depErr, inner)
	assert.Contains(t, depErr.Error(), "policy-engine")

	var target *ValidationError
	assert.True(t, errors.As(error(valErr), &target))
}
