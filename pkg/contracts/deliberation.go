package contracts

import "time"

// Lane is the routing destination for a scored message.
type Lane string

const (
	LaneFast           Lane = "fast"
	LaneDeliberation   Lane = "deliberation"
	LaneHumanReview    Lane = "human-review"
	LaneMultiAgentVote Lane = "multi-agent-vote"
)

// Standard lane timeout budgets.
const (
	FastLaneTimeout            = 30 * time.Second
	DeliberationTimeout        = 300 * time.Second
	CriticalDeliberationBudget = 600 * time.Second
)

// VoteDecision is a single approver's verdict on a deliberation item.
type VoteDecision string

const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	// VoteVeto is available to JUDICIAL approvers only and terminally
	// rejects the item regardless of other collected votes.
	VoteVeto VoteDecision = "veto"
)

// Vote is one approver's decision. Votes are unique per approver per item;
// a later vote from the same approver overwrites the earlier one.
type Vote struct {
	ApproverID string       `json:"approver_id"`
	Role       Role         `json:"role"`
	Decision   VoteDecision `json:"decision"`
	CastAt     time.Time    `json:"cast_at"`
}

// Outcome is the terminal (or pending) state of a deliberation item.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	// OutcomeTimedOut is a denial: deadline elapsed with insufficient
	// votes. Never auto-approved.
	OutcomeTimedOut Outcome = "timed-out"
)

// Terminal reports whether o is a final outcome.
func (o Outcome) Terminal() bool { return o != OutcomePending }

// Denied reports whether o resolves to denial. Timed-out items are
// fail-closed denials.
func (o Outcome) Denied() bool {
	return o == OutcomeRejected || o == OutcomeTimedOut
}
