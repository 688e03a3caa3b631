// Package validator implements constitutional validation, the first gate
// every inbound message passes. Checks run in a fixed order and
// short-circuit on the first failure; a rejected message is terminal and
// must be resubmitted corrected, never retried.
package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/policy"
)

// Violation codes produced by the ordered checks.
const (
	CodeGovernanceMismatch = "GOVERNANCE_ID_MISMATCH"
	CodeMissingField       = "MISSING_FIELD"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeSchemaViolation    = "SCHEMA_VIOLATION"
	CodeTimestampOrder     = "TIMESTAMP_ORDER"
	CodeExpired            = "MESSAGE_EXPIRED"
	CodeTenantRequired     = "TENANT_REQUIRED"
	CodePolicyDenied       = "CONSTITUTIONAL_POLICY_DENIED"
)

// Result is the validation outcome. Violations carry the audit detail.
type Result struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
	Code       string   `json:"code,omitempty"` // code of the first (short-circuit) failure
}

// Validator checks message shape, the governance identifier, tenant
// presence, timestamp sanity and expiry, then optionally consults the
// external policy engine's constitutional path.
type Validator struct {
	singleTenant bool
	clock        func() time.Time

	// schemas maps message type -> compiled payload schema. Types without
	// a schema only get the structural payload check.
	schemas map[contracts.MessageType]*jsonschema.Schema

	// engine, when set, is consulted after the local checks pass.
	// Evaluation failures resolve per the engine's fail mode.
	engine policy.Engine
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) { v.clock = clock }
}

// WithSingleTenant permits messages with an empty tenant id.
func WithSingleTenant() Option {
	return func(v *Validator) { v.singleTenant = true }
}

// WithPolicyEngine wires the external constitutional policy check.
func WithPolicyEngine(engine policy.Engine) Option {
	return func(v *Validator) { v.engine = engine }
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		clock:   time.Now,
		schemas: make(map[contracts.MessageType]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterPayloadSchema compiles and attaches a JSON Schema for one
// message type's payload.
func (v *Validator) RegisterPayloadSchema(t contracts.MessageType, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("payload-%s.json", t)
	if err := compiler.AddResource(url, newStringReader(schemaJSON)); err != nil {
		return fmt.Errorf("validator: add schema for %s: %w", t, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("validator: compile schema for %s: %w", t, err)
	}
	v.schemas[t] = schema
	return nil
}

// Validate runs the ordered checks against msg. On success the message
// status moves to VALIDATED; on failure it moves to REJECTED and the
// result names the violated rule.
func (v *Validator) Validate(ctx context.Context, msg *contracts.Message) *Result {
	if res := v.checkLocal(msg); !res.Valid {
		msg.Status = contracts.StatusRejected
		return res
	}

	if v.engine != nil {
		if res := v.checkConstitutionalPolicy(ctx, msg); !res.Valid {
			msg.Status = contracts.StatusRejected
			return res
		}
	}

	msg.Status = contracts.StatusValidated
	return &Result{Valid: true}
}

func (v *Validator) checkLocal(msg *contracts.Message) *Result {
	// (a) governance identifier equality
	if msg.GovernanceID != contracts.GovernanceID {
		return fail(CodeGovernanceMismatch,
			fmt.Sprintf("governance id %q does not match %q", msg.GovernanceID, contracts.GovernanceID))
	}

	// (b) required-field presence
	for _, f := range []struct{ name, value string }{
		{"id", msg.ID},
		{"conversation_id", msg.ConversationID},
		{"sender_id", msg.SenderID},
		{"type", string(msg.Type)},
	} {
		if f.value == "" {
			return fail(CodeMissingField, fmt.Sprintf("required field %s is empty", f.name))
		}
	}

	// (c) type membership in the closed enumeration
	if !msg.Type.Valid() {
		return fail(CodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type))
	}

	// (d) payload must be a structured object
	if msg.Payload == nil {
		return fail(CodeInvalidPayload, "payload must be a structured object")
	}
	if schema, ok := v.schemas[msg.Type]; ok {
		if err := schema.Validate(toValidatable(msg.Payload)); err != nil {
			return fail(CodeSchemaViolation, fmt.Sprintf("payload schema: %v", err))
		}
	}

	// Tenant presence (multi-tenant mode only)
	if !v.singleTenant && msg.TenantID == "" {
		return fail(CodeTenantRequired, "tenant id required in multi-tenant mode")
	}

	// (e) created <= updated
	if msg.UpdatedAt.Before(msg.CreatedAt) {
		return fail(CodeTimestampOrder, "updated_at precedes created_at")
	}

	// (f) expiry, terminal regardless of otherwise-valid content
	if msg.Expired(v.clock()) {
		return fail(CodeExpired, "message expired")
	}

	return &Result{Valid: true}
}

func (v *Validator) checkConstitutionalPolicy(ctx context.Context, msg *contracts.Message) *Result {
	decision, err := v.engine.Evaluate(ctx, &policy.Request{
		Path:      policy.PathConstitutional,
		TenantID:  msg.TenantID,
		Principal: msg.SenderID,
		Action:    msg.Action(),
		Message:   messageInput(msg),
	})
	if err != nil {
		// Engines resolve failures internally; an error here is a
		// programming fault and fails closed.
		return fail(CodePolicyDenied, fmt.Sprintf("constitutional evaluation error: %v", err))
	}
	if !decision.Allow {
		res := fail(CodePolicyDenied, "denied by constitutional policy")
		res.Violations = append(res.Violations, decision.Violations...)
		return res
	}
	return &Result{Valid: true}
}

// messageInput projects a message into the policy engine input shape.
func messageInput(msg *contracts.Message) map[string]any {
	return map[string]any{
		"id":              msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"destination_id":  msg.DestinationID,
		"type":            string(msg.Type),
		"priority":        int(msg.Priority),
		"payload":         msg.Payload,
		"tenant_id":       msg.TenantID,
	}
}

func fail(code, violation string) *Result {
	return &Result{Valid: false, Code: code, Violations: []string{violation}}
}

// Err converts a failed result into the typed validation error surfaced
// to the submitter.
func (r *Result) Err() *contracts.ValidationError {
	if r.Valid {
		return nil
	}
	reason := ""
	if len(r.Violations) > 0 {
		reason = r.Violations[0]
	}
	return contracts.NewValidationError(r.Code, "", reason)
}
