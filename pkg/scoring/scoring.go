// Package scoring produces a decision-risk score in [0,1] for every
// validated message. The scoring capability is pluggable: a deterministic
// rule scorer always runs, and an optional external model contribution is
// blended in when the model service is reachable. Model unavailability
// degrades to rule-only scoring and flags the assessment for audit
// visibility; it never fails the message.
package scoring

import (
	"context"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Context carries the non-message inputs to scoring.
type Context struct {
	SenderRole contracts.Role
	TenantID   string
	// SenderDenyRate is the historical share of this sender's messages
	// that were denied, in [0,1]. Zero when no history exists.
	SenderDenyRate float64
}

// Flags are the categorical risk signals the router consumes alongside
// the numeric score.
type Flags struct {
	HighRiskAction     bool     `json:"high_risk_action"`
	SensitiveContent   bool     `json:"sensitive_content"`
	ConstitutionalRisk bool     `json:"constitutional_risk"`
	Families           []string `json:"families,omitempty"` // matched keyword families
}

// Assessment is the full scoring output for one message.
type Assessment struct {
	Score    float64 `json:"score"` // clamped to [0,1]
	Flags    Flags   `json:"flags"`
	Degraded bool    `json:"degraded"` // rule-only fallback was used
	Source   string  `json:"source"`   // "rules" | "rules+model"
}

// Capability is the pluggable numeric scoring interface. Implementations
// must be side-effect free with respect to message content.
type Capability interface {
	Score(ctx context.Context, msg *contracts.Message, sc Context) (float64, error)
	Name() string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
