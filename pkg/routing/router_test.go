package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/scoring"
)

type fixedCounter int

func (c fixedCounter) CountByRole(...contracts.Role) int { return int(c) }

func scored(mt contracts.MessageType, score float64) (*contracts.Message, *scoring.Assessment) {
	return &contracts.Message{
		ID:       "msg-1",
		Type:     mt,
		Priority: contracts.PriorityNormal,
		Payload:  map[string]any{},
	}, &scoring.Assessment{Score: score}
}

func TestRouteFastLane(t *testing.T) {
	r := New(fixedCounter(0))

	msg, a := scored(contracts.TypeHeartbeat, 0.1)
	d := r.Route(msg, a)

	assert.Equal(t, contracts.LaneFast, d.Lane)
	assert.Equal(t, contracts.FastLaneTimeout, d.Timeout)
	assert.False(t, d.RequiresHumanReview)
	assert.False(t, d.RequiresMultiAgentVote)
}

func TestRouteScoreAboveFastThreshold(t *testing.T) {
	r := New(fixedCounter(0))

	// A 0.85 task request lands in deliberation with the standard budget
	// and a single required approval.
	msg, a := scored(contracts.TypeTaskRequest, 0.85)
	d := r.Route(msg, a)

	assert.Equal(t, contracts.LaneDeliberation, d.Lane)
	assert.Equal(t, contracts.DeliberationTimeout, d.Timeout)
	assert.Equal(t, 1, d.RequiredApprovals)
	assert.False(t, d.RequiresHumanReview)
	assert.False(t, d.RequiresMultiAgentVote)
	assert.Contains(t, d.Reasons, "score above fast threshold")
}

func TestRouteConstitutionalUpdateStacksGates(t *testing.T) {
	r := New(fixedCounter(5))

	// 0.96 constitutional update: above every threshold, so human review
	// and a multi-agent vote are both required, with a majority quorum.
	msg, a := scored(contracts.TypeGovernanceRequest, 0.96)
	msg.Payload["action"] = contracts.ActionConstitutionalUpdate
	a.Flags.ConstitutionalRisk = true

	d := r.Route(msg, a)
	assert.Equal(t, contracts.LaneDeliberation, d.Lane)
	assert.True(t, d.RequiresHumanReview)
	assert.True(t, d.RequiresMultiAgentVote)
	assert.Equal(t, 3, d.RequiredApprovals, "majority of 5 eligible voters")
}

func TestRouteVoteActionIgnoresScore(t *testing.T) {
	r := New(fixedCounter(3))

	msg, a := scored(contracts.TypeGovernanceRequest, 0.2)
	msg.Payload["action"] = contracts.ActionPolicyChange

	d := r.Route(msg, a)
	assert.True(t, d.RequiresMultiAgentVote)
	assert.Equal(t, 2, d.RequiredApprovals)
}

func TestRouteFlagsBlockFastLane(t *testing.T) {
	r := New(fixedCounter(0))

	for _, tc := range []struct {
		name   string
		mutate func(*scoring.Assessment)
		reason string
	}{
		{"high-risk action", func(a *scoring.Assessment) { a.Flags.HighRiskAction = true }, "high-risk action"},
		{"sensitive content", func(a *scoring.Assessment) { a.Flags.SensitiveContent = true }, "sensitive content"},
		{"constitutional risk", func(a *scoring.Assessment) { a.Flags.ConstitutionalRisk = true }, "constitutional risk"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			msg, a := scored(contracts.TypeHeartbeat, 0.05)
			tc.mutate(a)
			d := r.Route(msg, a)
			assert.Equal(t, contracts.LaneDeliberation, d.Lane)
			assert.Contains(t, d.Reasons, tc.reason)
		})
	}
}

func TestRouteNonLowRiskTypeNeverFast(t *testing.T) {
	r := New(fixedCounter(0))

	msg, a := scored(contracts.TypeCommand, 0.01)
	d := r.Route(msg, a)
	assert.Equal(t, contracts.LaneDeliberation, d.Lane)
	assert.Contains(t, d.Reasons, "message type outside low-risk set")
}

func TestRouteConstitutionalRiskRequiresHuman(t *testing.T) {
	r := New(fixedCounter(0))

	msg, a := scored(contracts.TypeQuery, 0.3)
	a.Flags.ConstitutionalRisk = true
	d := r.Route(msg, a)
	assert.True(t, d.RequiresHumanReview)
}

func TestRouteCriticalPriorityBudget(t *testing.T) {
	r := New(fixedCounter(0))

	msg, a := scored(contracts.TypeCommand, 0.85)
	msg.Priority = contracts.PriorityCritical
	d := r.Route(msg, a)
	assert.Equal(t, contracts.CriticalDeliberationBudget, d.Timeout)
}

func TestRoutePayloadForce(t *testing.T) {
	r := New(fixedCounter(0))

	msg, a := scored(contracts.TypeHeartbeat, 0.01)
	msg.Payload["force_deliberation"] = true

	d := r.Route(msg, a)
	assert.Equal(t, contracts.LaneDeliberation, d.Lane)
	assert.True(t, d.RequiresHumanReview)
	assert.Contains(t, d.Reasons, "forced deliberation")
}

func TestForcedPredicates(t *testing.T) {
	fp, err := NewForcedPredicates([]string{
		`sender == "agent-x"`,
		`payload["amount"] > 1000.0`,
	})
	require.NoError(t, err)
	r := New(fixedCounter(0)).WithForcedPredicates(fp)

	msg, a := scored(contracts.TypeNotification, 0.01)
	msg.SenderID = "agent-x"
	assert.Equal(t, contracts.LaneDeliberation, r.Route(msg, a).Lane)

	msg, a = scored(contracts.TypeNotification, 0.01)
	msg.SenderID = "agent-y"
	msg.Payload["amount"] = 5000.0
	assert.Equal(t, contracts.LaneDeliberation, r.Route(msg, a).Lane)

	msg, a = scored(contracts.TypeNotification, 0.01)
	msg.SenderID = "agent-y"
	assert.Equal(t, contracts.LaneFast, r.Route(msg, a).Lane)
}

func TestForcedPredicateEvalErrorForcesDeliberation(t *testing.T) {
	// The predicate indexes a key the payload does not carry, which errors
	// at evaluation time and must count as a match.
	fp, err := NewForcedPredicates([]string{`payload["missing"] == "x"`})
	require.NoError(t, err)

	assert.True(t, fp.Match(&contracts.Message{Type: contracts.TypeHeartbeat}))
}

func TestForcedPredicateCompileError(t *testing.T) {
	_, err := NewForcedPredicates([]string{`sender ==`})
	assert.Error(t, err)
}

func TestWithThresholdsClamps(t *testing.T) {
	r := New(fixedCounter(0)).WithThresholds(Thresholds{Fast: 0.3, Vote: 1.5})
	got := r.Thresholds()
	assert.Equal(t, ThresholdFloor, got.Fast)
	assert.Equal(t, DefaultHumanReviewThreshold, got.HumanReview, "zero keeps the default")
	assert.Equal(t, ThresholdCeil, got.Vote)
}

func TestTunerRaisesFastOnFalsePositives(t *testing.T) {
	r := New(fixedCounter(0))
	var adjustments []string
	r.WithAdjustmentHook(func(_, _ Thresholds, reason string) {
		adjustments = append(adjustments, reason)
	})

	for i := 0; i < tunerBatchSize; i++ {
		r.RecordOutcome(true)
	}
	assert.InDelta(t, DefaultFastThreshold+tunerStep, r.Thresholds().Fast, 1e-9)
	assert.Equal(t, []string{"deliberation feedback batch"}, adjustments)
}

func TestTunerLowersFastOnLowFalsePositiveRate(t *testing.T) {
	r := New(fixedCounter(0))
	for i := 0; i < tunerBatchSize; i++ {
		r.RecordOutcome(false)
	}
	assert.InDelta(t, DefaultFastThreshold-tunerStep, r.Thresholds().Fast, 1e-9)
}

func TestTunerFastLaneFlagLowersImmediately(t *testing.T) {
	r := New(fixedCounter(0))
	r.RecordFastLaneFlag()
	assert.InDelta(t, DefaultFastThreshold-tunerStep, r.Thresholds().Fast, 1e-9)
}

func TestTunerClampedAtBounds(t *testing.T) {
	r := New(fixedCounter(0)).WithThresholds(Thresholds{Fast: ThresholdFloor})
	r.RecordFastLaneFlag()
	assert.Equal(t, ThresholdFloor, r.Thresholds().Fast)
}
