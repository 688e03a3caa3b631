package scoring

import (
	"context"
	"log/slog"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Scorer blends the deterministic rule contributions with the optional
// model capability. Selected at construction: pass a nil model for
// rule-only deployments.
type Scorer struct {
	rules  *RuleScorer
	model  Capability // nil when not configured
	logger *slog.Logger

	// modelWeight is the share of the final score taken from the model
	// when it responds. The rule score always contributes the remainder,
	// so a broken model can never zero out deterministic risk signals.
	modelWeight float64
}

// NewScorer creates the composite scorer. model may be nil.
func NewScorer(model Capability) *Scorer {
	return &Scorer{
		rules:       NewRuleScorer(),
		model:       model,
		modelWeight: 0.5,
		logger:      slog.Default().With("component", "scoring"),
	}
}

// Assess scores one message. Model failure degrades to rule-only scoring
// and marks the assessment Degraded for audit visibility; it never fails
// the message.
func (s *Scorer) Assess(ctx context.Context, msg *contracts.Message, sc Context) *Assessment {
	ruleScore, _ := s.rules.Score(ctx, msg, sc) // rule scorer cannot fail
	flags := s.rules.Inspect(msg)

	assessment := &Assessment{Score: ruleScore, Flags: flags, Source: "rules"}
	if s.model == nil {
		return assessment
	}

	modelScore, err := s.model.Score(ctx, msg, sc)
	if err != nil {
		s.logger.Warn("model scoring unavailable, degrading to rules",
			"message_id", msg.ID, "error", err)
		assessment.Degraded = true
		return assessment
	}

	// Blend, then take the max with the rule score: the model may raise
	// risk but never lower it below the deterministic floor.
	blended := (1-s.modelWeight)*ruleScore + s.modelWeight*modelScore
	if blended < ruleScore {
		blended = ruleScore
	}
	assessment.Score = clamp01(blended)
	assessment.Source = "rules+model"
	return assessment
}
