package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/concord-mesh/concord/pkg/resilience"
)

// HTTPEngine consumes a remote policy engine over JSON/HTTP. Calls run
// through the resilience client; non-2xx responses and timeouts count as
// "evaluation failed" and resolve per the configured FailMode.
type HTTPEngine struct {
	baseURL  string
	client   *resilience.Client
	failMode FailMode
	logger   *slog.Logger
}

// NewHTTPEngine creates an engine for the policy service at baseURL.
// Path evaluations POST to <baseURL>/v1/evaluate/<path>.
func NewHTTPEngine(baseURL string, timeout time.Duration, failMode FailMode) *HTTPEngine {
	if failMode == "" {
		failMode = FailClosed
	}
	return &HTTPEngine{
		baseURL:  baseURL,
		client:   resilience.NewClient("policy-engine", timeout, nil),
		failMode: failMode,
		logger:   slog.Default().With("component", "policy", "backend", "http"),
	}
}

// Backend returns the backend identifier.
func (e *HTTPEngine) Backend() string { return "http" }

// Breaker exposes the guarding circuit breaker.
func (e *HTTPEngine) Breaker() *resilience.CircuitBreaker { return e.client.Breaker() }

// WithBreaker replaces the default breaker, e.g. with profile-tuned
// thresholds.
func (e *HTTPEngine) WithBreaker(b *resilience.CircuitBreaker) *HTTPEngine {
	e.client.WithBreaker(b)
	return e
}

// Evaluate posts the request to the remote engine. Failures never
// propagate as errors when a fail mode can resolve them; the returned
// decision is marked Degraded instead.
func (e *HTTPEngine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/evaluate/%s", e.baseURL, req.Path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.logger.Warn("evaluation failed", "path", string(req.Path), "error", err)
		return resolveFailure(e.failMode, fmt.Sprintf("policy engine unreachable: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("evaluation failed", "path", string(req.Path), "status", resp.StatusCode)
		return resolveFailure(e.failMode, fmt.Sprintf("policy engine status %d", resp.StatusCode)), nil
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return resolveFailure(e.failMode, fmt.Sprintf("policy engine malformed response: %v", err)), nil
	}

	if decision.DecisionHash == "" {
		if h, herr := ComputeDecisionHash(&decision); herr == nil {
			decision.DecisionHash = h
		}
	}
	return &decision, nil
}
