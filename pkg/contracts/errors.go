package contracts

import (
	"fmt"
	"time"
)

// The bus error taxonomy. Every rejection surfaced to a submitter is one of
// these types, carries a machine-readable code, and includes the governance
// identifier for traceability.

// ValidationError reports a malformed, expired, or wrong-governance-id
// message. Terminal: never retried; the caller must resubmit a corrected
// message.
type ValidationError struct {
	Code         string `json:"code"`
	Reason       string `json:"reason"`
	Field        string `json:"field,omitempty"`
	GovernanceID string `json:"governance_id"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Code, e.Reason)
}

// NewValidationError builds a ValidationError stamped with the process
// governance identifier.
func NewValidationError(code, field, reason string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Reason: reason, GovernanceID: GovernanceID}
}

// AuthorizationError reports a role/action/self-validation violation.
// Terminal and logged with the violated-rule detail.
type AuthorizationError struct {
	AgentID       string   `json:"agent_id"`
	Action        string   `json:"action"`
	ViolatedRules []string `json:"violated_rules"`
	GovernanceID  string   `json:"governance_id"`
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("agent %s not authorized for %s: %v", e.AgentID, e.Action, e.ViolatedRules)
}

// NewAuthorizationError builds an AuthorizationError stamped with the
// governance identifier.
func NewAuthorizationError(agentID, action string, rules ...string) *AuthorizationError {
	return &AuthorizationError{AgentID: agentID, Action: action, ViolatedRules: rules, GovernanceID: GovernanceID}
}

// DependencyError reports an unreachable or failing external dependency
// (policy engine, scorer, ledger anchor, cache). Recoverable per the
// circuit-breaker policy; escalates to the fail-closed default once the
// breaker opens.
type DependencyError struct {
	Dependency string `json:"dependency"`
	Err        error  `json:"-"`
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dependency %s unavailable", e.Dependency)
	}
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ThrottledError reports a per-agent quota rejection. Includes a
// retry-after hint; never a silent drop.
type ThrottledError struct {
	AgentID    string        `json:"agent_id"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("agent %s throttled, retry after %s", e.AgentID, e.RetryAfter)
}

// TimeoutError reports a deliberation deadline lapse. Resolved as a
// denial, not surfaced as an exception to the submitter.
type TimeoutError struct {
	ItemID   string    `json:"item_id"`
	Deadline time.Time `json:"deadline"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deliberation %s timed out at %s", e.ItemID, e.Deadline.Format(time.RFC3339))
}
