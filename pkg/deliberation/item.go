// Package deliberation implements the review state machine for every
// message routed off the fast lane: vote collection, human sign-off,
// consensus detection, and fail-closed timeout escalation.
//
// State machine: Pending → AwaitingApprovals → {Approved | Rejected |
// TimedOut}. A timed-out item is a denial; there is no configuration
// under which timeout auto-approves.
package deliberation

import (
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// State is the item's position in the deliberation state machine.
type State string

const (
	StatePending           State = "PENDING"
	StateAwaitingApprovals State = "AWAITING_APPROVALS"
	StateResolved          State = "RESOLVED"
)

// Item wraps a routed message with its vote-collection state. Mutated
// only by the Engine, one goroutine at a time per item.
type Item struct {
	ID      string             `json:"id"`
	Message *contracts.Message `json:"message"`

	Lane                   contracts.Lane `json:"lane"`
	RequiredApprovals      int            `json:"required_approvals"`
	RequiresHumanReview    bool           `json:"requires_human_review"`
	RequiresMultiAgentVote bool           `json:"requires_multi_agent_vote"`

	// ProposerOutputID ties the item to the output under review so the
	// self-validation ban can be enforced on every vote.
	ProposerOutputID string `json:"proposer_output_id"`

	State State `json:"state"`

	// Votes is keyed by approver id: one vote per approver, overwritten
	// on re-vote.
	Votes map[string]contracts.Vote `json:"votes"`

	// HumanDecision is set by a verified human sign-off token. Empty
	// until a human weighs in.
	HumanDecision contracts.VoteDecision `json:"human_decision,omitempty"`
	HumanActor    string                 `json:"human_actor,omitempty"`

	Outcome       contracts.Outcome `json:"outcome"`
	OutcomeReason string            `json:"outcome_reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// approvals counts current approve votes.
func (it *Item) approvals() int {
	n := 0
	for _, v := range it.Votes {
		if v.Decision == contracts.VoteApprove {
			n++
		}
	}
	return n
}

// rejections counts current reject votes (vetoes counted separately).
func (it *Item) rejections() int {
	n := 0
	for _, v := range it.Votes {
		if v.Decision == contracts.VoteReject {
			n++
		}
	}
	return n
}

// veto returns the first judicial veto, if any.
func (it *Item) veto() (contracts.Vote, bool) {
	for _, v := range it.Votes {
		if v.Decision == contracts.VoteVeto {
			return v, true
		}
	}
	return contracts.Vote{}, false
}

// laneLabel derives the item lane from its gates: the strictest gate
// names the lane.
func laneLabel(requiresVote, requiresHuman bool) contracts.Lane {
	switch {
	case requiresVote:
		return contracts.LaneMultiAgentVote
	case requiresHuman:
		return contracts.LaneHumanReview
	default:
		return contracts.LaneDeliberation
	}
}
