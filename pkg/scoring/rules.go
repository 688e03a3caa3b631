package scoring

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// highRiskActions are verbs whose presence alone marks a message high
// risk, independent of score.
var highRiskActions = map[string]bool{
	"delete":                             true,
	"shutdown":                           true,
	"transfer":                           true,
	"deploy":                             true,
	"grant":                              true,
	"revoke":                             true,
	"override":                           true,
	contracts.ActionConstitutionalUpdate: true,
	contracts.ActionPolicyChange:         true,
}

// keywordFamilies groups sensitive-content keywords. Each matched family
// contributes a fixed weight; matches within one family don't stack.
var keywordFamilies = map[string][]string{
	"financial":      {"payment", "wire", "invoice", "transfer", "account_number", "iban"},
	"pii":            {"ssn", "passport", "date_of_birth", "home_address", "medical"},
	"security":       {"credential", "password", "private_key", "secret", "token"},
	"constitutional": {"constitution", "charter", "amendment", "governance_rule"},
}

// Fixed rule weights. Contributions only ever add, which keeps the score
// monotonic in message content.
const (
	weightHighRiskAction = 0.25
	weightFamily         = 0.15
	weightHistory        = 0.10 // scaled by sender deny rate
)

// baseTypeWeight anchors the score by message type.
var baseTypeWeight = map[contracts.MessageType]float64{
	contracts.TypeHeartbeat:                0.02,
	contracts.TypeNotification:             0.05,
	contracts.TypeResponse:                 0.05,
	contracts.TypeQuery:                    0.10,
	contracts.TypeEvent:                    0.10,
	contracts.TypeTaskResponse:             0.10,
	contracts.TypeTaskRequest:              0.20,
	contracts.TypeCommand:                  0.30,
	contracts.TypeGovernanceResponse:       0.30,
	contracts.TypeGovernanceRequest:        0.45,
	contracts.TypeConstitutionalValidation: 0.50,
}

// priorityWeight bumps urgency.
var priorityWeight = map[contracts.Priority]float64{
	contracts.PriorityCritical: 0.20,
	contracts.PriorityHigh:     0.10,
	contracts.PriorityNormal:   0.0,
	contracts.PriorityLow:      0.0,
}

// RuleScorer is the deterministic fallback capability: pure, monotonic,
// and always available.
type RuleScorer struct{}

// NewRuleScorer creates the rule-based capability.
func NewRuleScorer() *RuleScorer { return &RuleScorer{} }

// Name identifies the capability.
func (s *RuleScorer) Name() string { return "rules" }

// Score computes the weighted rule contributions.
func (s *RuleScorer) Score(_ context.Context, msg *contracts.Message, sc Context) (float64, error) {
	score := baseTypeWeight[msg.Type] + priorityWeight[msg.Priority]

	flags := s.Inspect(msg)
	if flags.HighRiskAction {
		score += weightHighRiskAction
	}
	score += weightFamily * float64(len(flags.Families))
	score += weightHistory * clamp01(sc.SenderDenyRate)

	return clamp01(score), nil
}

// Inspect extracts the categorical risk flags from a message. Shared with
// the composite scorer so flags are identical regardless of which numeric
// capability produced the score.
func (s *RuleScorer) Inspect(msg *contracts.Message) Flags {
	var flags Flags

	if highRiskActions[msg.Action()] {
		flags.HighRiskAction = true
	}

	text := payloadText(msg.Payload)
	for family, keywords := range keywordFamilies {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				flags.Families = append(flags.Families, family)
				break
			}
		}
	}
	if len(flags.Families) > 0 {
		flags.SensitiveContent = true
	}

	switch {
	case msg.Action() == contracts.ActionConstitutionalUpdate,
		msg.Type == contracts.TypeConstitutionalValidation,
		containsFamily(flags.Families, "constitutional"):
		flags.ConstitutionalRisk = true
	}

	return flags
}

func containsFamily(families []string, name string) bool {
	for _, f := range families {
		if f == name {
			return true
		}
	}
	return false
}

// payloadText flattens the payload to a lowercase search string.
func payloadText(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(raw))
}
