// Package policy defines the external Policy Engine abstraction. The bus
// consumes a policy engine over the network; it never implements one. Two
// backends are selected at construction time: HTTP (production) and CEL
// (in-process, for air-gapped deployments and tests).
//
// Every backend MUST be fail-closed by default: an evaluation that cannot
// complete with certainty is a denial unless the operator explicitly
// configures fail-open for a low-security context.
package policy

import (
	"context"
	"fmt"

	"github.com/concord-mesh/concord/pkg/canonicalize"
)

// Path names one of the policy decision paths the bus consults.
type Path string

const (
	PathConstitutional Path = "constitutional" // message-shape and charter rules
	PathAuthorization  Path = "authorization"  // role/action rules
	PathRouting        Path = "routing"        // lane override rules
)

// FailMode controls what an evaluation failure (timeout, non-2xx,
// breaker open) resolves to.
type FailMode string

const (
	FailClosed FailMode = "fail-closed" // default: evaluation failure denies
	FailOpen   FailMode = "fail-open"
)

// Request carries the message and its context to the policy engine.
type Request struct {
	Path      Path           `json:"path"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Message   map[string]any `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Decision is the canonical evaluation output.
type Decision struct {
	Allow        bool     `json:"allow"`
	Violations   []string `json:"violations,omitempty"`
	PolicyRef    string   `json:"policy_ref,omitempty"`
	DecisionHash string   `json:"decision_hash,omitempty"`
	// Degraded marks a decision produced by the configured FailMode
	// rather than an actual evaluation.
	Degraded bool `json:"degraded,omitempty"`
}

// Engine is the stable policy evaluation interface.
type Engine interface {
	// Evaluate runs one policy path. Implementations resolve evaluation
	// failures via their configured FailMode and never hang: all network
	// suspensions are bounded by a timeout budget.
	Evaluate(ctx context.Context, req *Request) (*Decision, error)

	// Backend returns a short backend identifier for audit records.
	Backend() string
}

// ComputeDecisionHash produces the deterministic SHA-256 hash of a
// decision, excluding the hash field itself.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashable := struct {
		Allow      bool     `json:"allow"`
		Violations []string `json:"violations,omitempty"`
		PolicyRef  string   `json:"policy_ref,omitempty"`
	}{d.Allow, d.Violations, d.PolicyRef}

	h, err := canonicalize.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash: %w", err)
	}
	return "sha256:" + h, nil
}

// resolveFailure maps an evaluation failure to the configured fail mode.
func resolveFailure(mode FailMode, reason string) *Decision {
	if mode == FailOpen {
		return &Decision{Allow: true, Degraded: true, PolicyRef: reason}
	}
	return &Decision{Allow: false, Violations: []string{reason}, Degraded: true}
}
