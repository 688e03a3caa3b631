package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/resilience"
)

// ModelScorer calls the external model-based scoring service. It is a
// consumed capability: the model itself lives elsewhere; this client only
// carries the request and bounds the suspension with a breaker + timeout.
type ModelScorer struct {
	baseURL string
	client  *resilience.Client
}

// NewModelScorer creates a client for the scoring service at baseURL.
func NewModelScorer(baseURL string, timeout time.Duration) *ModelScorer {
	return &ModelScorer{
		baseURL: baseURL,
		client:  resilience.NewClient("scorer", timeout, nil),
	}
}

// Name identifies the capability.
func (s *ModelScorer) Name() string { return "model" }

// Breaker exposes the guarding circuit breaker.
func (s *ModelScorer) Breaker() *resilience.CircuitBreaker { return s.client.Breaker() }

// WithBreaker replaces the default breaker, e.g. with profile-tuned
// thresholds.
func (s *ModelScorer) WithBreaker(b *resilience.CircuitBreaker) *ModelScorer {
	s.client.WithBreaker(b)
	return s
}

type modelRequest struct {
	Message map[string]any `json:"message"`
	Context map[string]any `json:"context"`
}

type modelResponse struct {
	Score float64 `json:"score"`
}

// Score posts the message to the scoring service. Any failure surfaces as
// an error so the composite scorer can fall back to rules.
func (s *ModelScorer) Score(ctx context.Context, msg *contracts.Message, sc Context) (float64, error) {
	body, err := json.Marshal(modelRequest{
		Message: map[string]any{
			"id":       msg.ID,
			"type":     string(msg.Type),
			"priority": int(msg.Priority),
			"payload":  msg.Payload,
		},
		Context: map[string]any{
			"sender_role":      string(sc.SenderRole),
			"tenant_id":        sc.TenantID,
			"sender_deny_rate": sc.SenderDenyRate,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("scoring: marshal model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("scoring: build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &contracts.DependencyError{Dependency: "scorer", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, &contracts.DependencyError{
			Dependency: "scorer",
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, &contracts.DependencyError{Dependency: "scorer", Err: err}
	}
	return clamp01(out.Score), nil
}
