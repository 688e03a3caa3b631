package maci

import (
	"context"
	"errors"
	"fmt"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Mode controls how the enforcer treats agents it cannot map to a role.
type Mode string

const (
	// ModeStrict fails closed: unknown agents and unmapped roles deny.
	ModeStrict Mode = "strict"
	// ModePermissive maps unknown agents to a configured fallback role.
	ModePermissive Mode = "permissive"
)

// Rule identifiers reported in AuthorizationError.ViolatedRules.
const (
	RuleUnknownAgent       = "unknown-agent"
	RuleUnknownRole        = "unknown-role"
	RuleActionNotPermitted = "action-not-permitted"
	RuleTypeNotPermitted   = "message-type-not-permitted"
	RulePriorityEscalation = "priority escalation violation"
	RuleSelfValidation     = "self-validation-ban"
	RuleJudicialSeparation = "judicial-separation"
)

// Enforcer answers "may this agent do this, now, to this target?". It is
// consulted at message entry and again for every judicial action inside
// deliberation, not only at the front door.
type Enforcer struct {
	registry *Registry
	mode     Mode
	fallback contracts.Role
}

// NewEnforcer creates an enforcer in the given mode. The fallback role is
// only consulted in permissive mode.
func NewEnforcer(registry *Registry, mode Mode, fallback contracts.Role) *Enforcer {
	if mode == "" {
		mode = ModeStrict
	}
	return &Enforcer{registry: registry, mode: mode, fallback: fallback}
}

// Registry exposes the underlying registry.
func (e *Enforcer) Registry() *Registry { return e.registry }

// resolve returns the effective registration for an agent, applying the
// permissive fallback when configured.
func (e *Enforcer) resolve(agentID string) (contracts.AgentRegistration, error) {
	reg, err := e.registry.Get(agentID)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, ErrAgentNotFound) || e.mode == ModeStrict {
		return contracts.AgentRegistration{}, err
	}
	// Permissive: synthesize a registration carrying only the fallback
	// role's default permissions.
	return contracts.AgentRegistration{AgentID: agentID, Role: e.fallback}, nil
}

// Authorize checks that the agent's role permits the action and, when
// the action reviews another agent's output, that the target output was
// not produced by the agent itself and that the judicial separation rule
// holds.
func (e *Enforcer) Authorize(_ context.Context, agentID, action, targetOutputID string) error {
	reg, err := e.resolve(agentID)
	if err != nil {
		return contracts.NewAuthorizationError(agentID, action, RuleUnknownAgent)
	}

	perms, ok := rolePermissions(reg.Role)
	if !ok {
		// Unmapped role: fail closed regardless of mode. A registration
		// carrying a role outside the matrix is corrupt.
		return contracts.NewAuthorizationError(agentID, action, RuleUnknownRole)
	}

	if !perms.permitsAction(action) || !reg.MayAct(action) {
		return contracts.NewAuthorizationError(agentID, action, RuleActionNotPermitted)
	}

	if reviewAction(action) && targetOutputID != "" {
		if err := e.checkValidationTarget(reg, agentID, action, targetOutputID); err != nil {
			return err
		}
	}
	return nil
}

// reviewAction reports whether the verb passes judgment on another
// agent's output. The independence checks apply to every such verb; a
// veto is as much a verdict as an approval.
func reviewAction(action string) bool {
	switch action {
	case contracts.ActionValidate, contracts.ActionVote, contracts.ActionVeto:
		return true
	}
	return false
}

// checkValidationTarget enforces the self-validation ban and the judicial
// cross-role rule.
func (e *Enforcer) checkValidationTarget(reg contracts.AgentRegistration, agentID, action, targetOutputID string) error {
	producer, known := e.registry.ProducerOf(targetOutputID)
	if !known {
		// Unknown provenance cannot prove the validator is independent.
		return contracts.NewAuthorizationError(agentID, action, RuleSelfValidation,
			fmt.Sprintf("output %s has no recorded producer", targetOutputID))
	}
	if producer == agentID {
		return contracts.NewAuthorizationError(agentID, action, RuleSelfValidation)
	}

	if reg.Role == contracts.RoleJudicial {
		producerReg, err := e.registry.Get(producer)
		if err != nil {
			return contracts.NewAuthorizationError(agentID, action, RuleJudicialSeparation,
				fmt.Sprintf("producer %s not registered", producer))
		}
		if !judicialValidationTargets[producerReg.Role] {
			return contracts.NewAuthorizationError(agentID, action, RuleJudicialSeparation,
				fmt.Sprintf("judicial may not validate %s output", producerReg.Role))
		}
	}
	return nil
}

// AuthorizeMessage runs the entry-time checks for a validated message:
// sender registration, message type permission, priority ceiling, and the
// action verb when the payload declares one.
func (e *Enforcer) AuthorizeMessage(ctx context.Context, msg *contracts.Message) error {
	reg, err := e.resolve(msg.SenderID)
	if err != nil {
		return contracts.NewAuthorizationError(msg.SenderID, string(msg.Type), RuleUnknownAgent)
	}

	perms, ok := rolePermissions(reg.Role)
	if !ok {
		return contracts.NewAuthorizationError(msg.SenderID, string(msg.Type), RuleUnknownRole)
	}

	if !perms.permitsType(msg.Type) || !reg.MayUseType(msg.Type) {
		return contracts.NewAuthorizationError(msg.SenderID, string(msg.Type), RuleTypeNotPermitted)
	}

	// Priority gate. Per-agent grants can only narrow the role ceiling,
	// never widen it.
	ceiling := perms.MaxPriority
	if !reg.MaxPriority.MoreUrgentThan(ceiling) {
		ceiling = reg.MaxPriority
	}
	if msg.Priority.MoreUrgentThan(ceiling) {
		return contracts.NewAuthorizationError(msg.SenderID, string(msg.Type), RulePriorityEscalation)
	}

	if action := msg.Action(); action != "" {
		if !perms.permitsAction(action) || !reg.MayAct(action) {
			return contracts.NewAuthorizationError(msg.SenderID, action, RuleActionNotPermitted)
		}
	}

	// Record provenance so later validations of this message's output
	// can enforce the self-validation ban.
	e.registry.RecordOutput(msg.ID, msg.SenderID)
	_ = ctx
	return nil
}
