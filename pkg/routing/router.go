// Package routing maps a scored message to a lane decision: fast lane,
// deliberation, human review, multi-agent vote, or several gates at once.
// Thresholds are deterministic at decision time and self-tune from
// deliberation feedback within hard bounds.
package routing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/scoring"
)

// Threshold drift bounds. Feedback can never push a threshold outside
// this window.
const (
	ThresholdFloor = 0.50
	ThresholdCeil  = 0.99
)

// Default thresholds.
const (
	DefaultFastThreshold        = 0.80
	DefaultHumanReviewThreshold = 0.90
	DefaultVoteThreshold        = 0.95
)

// lowRiskTypes may use the fast lane when unflagged and under threshold.
var lowRiskTypes = map[contracts.MessageType]bool{
	contracts.TypeHeartbeat:    true,
	contracts.TypeNotification: true,
	contracts.TypeResponse:     true,
}

// voteActions always require a multi-agent vote regardless of score.
var voteActions = map[string]bool{
	contracts.ActionConstitutionalUpdate: true,
	contracts.ActionPolicyChange:         true,
}

// Thresholds is a consistent snapshot of the router's tuning state.
type Thresholds struct {
	Fast        float64 `json:"fast"`
	HumanReview float64 `json:"human_review"`
	Vote        float64 `json:"vote"`
}

// Decision is the routing verdict for one message. A message may be
// required to satisfy more than one gate (human review AND vote).
type Decision struct {
	Lane                   contracts.Lane `json:"lane"`
	Timeout                time.Duration  `json:"timeout"`
	RequiresHumanReview    bool           `json:"requires_human_review"`
	RequiresMultiAgentVote bool           `json:"requires_multi_agent_vote"`
	RequiredApprovals      int            `json:"required_approvals"`
	Reasons                []string       `json:"reasons,omitempty"`
}

// RoleCounter supplies registered-agent counts for quorum sizing.
// Satisfied by the MACI registry.
type RoleCounter interface {
	CountByRole(roles ...contracts.Role) int
}

// Router holds the adaptive thresholds and produces lane decisions.
type Router struct {
	mu         sync.RWMutex
	thresholds Thresholds
	counter    RoleCounter
	forced     *ForcedPredicates // optional CEL overrides
	onAdjust   func(old, new Thresholds, reason string)
	logger     *slog.Logger

	// feedback accumulators from completed deliberations
	completed      int
	falsePositives int // deliberated but unanimously approved fast
	falseNegatives int // fast-laned but later flagged
}

// New creates a router with default thresholds.
func New(counter RoleCounter) *Router {
	return &Router{
		thresholds: Thresholds{
			Fast:        DefaultFastThreshold,
			HumanReview: DefaultHumanReviewThreshold,
			Vote:        DefaultVoteThreshold,
		},
		counter: counter,
		logger:  slog.Default().With("component", "routing"),
	}
}

// WithThresholds seeds the router from a deployment profile. Zero values
// keep defaults; all values are clamped to the drift bounds.
func (r *Router) WithThresholds(t Thresholds) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Fast != 0 {
		r.thresholds.Fast = clampThreshold(t.Fast)
	}
	if t.HumanReview != 0 {
		r.thresholds.HumanReview = clampThreshold(t.HumanReview)
	}
	if t.Vote != 0 {
		r.thresholds.Vote = clampThreshold(t.Vote)
	}
	return r
}

// WithForcedPredicates installs operator-supplied CEL predicates that
// force deliberation when any evaluates true.
func (r *Router) WithForcedPredicates(fp *ForcedPredicates) *Router {
	r.forced = fp
	return r
}

// WithAdjustmentHook installs a callback invoked after every threshold
// change, so adjustments can be recorded as configuration events.
func (r *Router) WithAdjustmentHook(fn func(old, new Thresholds, reason string)) *Router {
	r.onAdjust = fn
	return r
}

// Thresholds returns a snapshot of the current tuning state.
func (r *Router) Thresholds() Thresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.thresholds
}

// Route decides the lane for a scored message. Deterministic given the
// message, assessment, and the threshold snapshot taken at entry.
func (r *Router) Route(msg *contracts.Message, a *scoring.Assessment) *Decision {
	t := r.Thresholds()

	forced := false
	if r.forced != nil && r.forced.Match(msg) {
		forced = true
	}
	if v, ok := msg.Payload["force_deliberation"].(bool); ok && v {
		forced = true
	}

	d := &Decision{}

	fastEligible := a.Score < t.Fast &&
		lowRiskTypes[msg.Type] &&
		!a.Flags.HighRiskAction &&
		!a.Flags.SensitiveContent &&
		!a.Flags.ConstitutionalRisk &&
		!forced

	if fastEligible {
		d.Lane = contracts.LaneFast
		d.Timeout = contracts.FastLaneTimeout
		return d
	}

	// Deliberation path. Reasons accumulate for the audit record.
	d.Lane = contracts.LaneDeliberation
	d.Timeout = contracts.DeliberationTimeout
	if msg.Priority == contracts.PriorityCritical {
		d.Timeout = contracts.CriticalDeliberationBudget
	}
	d.RequiredApprovals = 1

	switch {
	case a.Score >= t.Fast:
		d.Reasons = append(d.Reasons, "score above fast threshold")
	case !lowRiskTypes[msg.Type]:
		d.Reasons = append(d.Reasons, "message type outside low-risk set")
	}
	if a.Flags.HighRiskAction {
		d.Reasons = append(d.Reasons, "high-risk action")
	}
	if a.Flags.SensitiveContent {
		d.Reasons = append(d.Reasons, "sensitive content")
	}
	if a.Flags.ConstitutionalRisk {
		d.Reasons = append(d.Reasons, "constitutional risk")
	}
	if forced {
		d.Reasons = append(d.Reasons, "forced deliberation")
	}

	// Gates stack: a message can require human sign-off and a vote at
	// once. The decision lane stays "deliberation"; the deliberation
	// engine labels its item with the strictest gate.
	if a.Score >= t.HumanReview || a.Flags.ConstitutionalRisk || forced {
		d.RequiresHumanReview = true
	}

	if a.Score >= t.Vote || voteActions[msg.Action()] {
		d.RequiresMultiAgentVote = true
		if quorum := r.voteQuorum(); quorum > d.RequiredApprovals {
			d.RequiredApprovals = quorum
		}
	}

	return d
}

// voteQuorum is a majority of registered JUDICIAL and LEGISLATIVE agents.
func (r *Router) voteQuorum() int {
	if r.counter == nil {
		return 1
	}
	n := r.counter.CountByRole(contracts.RoleJudicial, contracts.RoleLegislative)
	if n == 0 {
		return 1
	}
	return n/2 + 1
}
