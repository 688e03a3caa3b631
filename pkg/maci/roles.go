// Package maci implements role-separation enforcement: no actor may
// validate its own output, and every governance-relevant action is checked
// against an exhaustive per-role permission matrix. This is the mechanism
// that prevents a single agent from self-certifying its own decisions.
package maci

import "github.com/concord-mesh/concord/pkg/contracts"

// Permissions bounds what a role may do absent per-agent overrides.
type Permissions struct {
	MessageTypes []contracts.MessageType
	Actions      []string
	MaxPriority  contracts.Priority // most urgent priority the role may use
}

// rolePermissions returns the matrix row for a role. The switch is
// exhaustive over contracts.AllRoles; TestPermissionMatrixComplete keeps
// it that way when roles are added.
func rolePermissions(r contracts.Role) (Permissions, bool) {
	switch r {
	case contracts.RoleExecutive:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeCommand, contracts.TypeQuery, contracts.TypeResponse,
				contracts.TypeEvent, contracts.TypeTaskRequest, contracts.TypeTaskResponse,
				contracts.TypeHeartbeat,
			},
			Actions:     []string{"execute", "propose", "delegate"},
			MaxPriority: contracts.PriorityCritical,
		}, true
	case contracts.RoleLegislative:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeGovernanceRequest, contracts.TypeGovernanceResponse,
				contracts.TypeQuery, contracts.TypeResponse, contracts.TypeEvent,
				contracts.TypeHeartbeat,
			},
			Actions: []string{
				"propose", contracts.ActionVote,
				contracts.ActionPolicyChange, contracts.ActionConstitutionalUpdate,
			},
			MaxPriority: contracts.PriorityHigh,
		}, true
	case contracts.RoleJudicial:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeConstitutionalValidation, contracts.TypeGovernanceResponse,
				contracts.TypeQuery, contracts.TypeResponse, contracts.TypeHeartbeat,
			},
			Actions: []string{
				contracts.ActionValidate, contracts.ActionVote,
				contracts.ActionVeto, "adjudicate",
			},
			MaxPriority: contracts.PriorityCritical,
		}, true
	case contracts.RoleMonitor:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeEvent, contracts.TypeNotification, contracts.TypeHeartbeat,
				contracts.TypeQuery,
			},
			Actions:     []string{"observe", "report"},
			MaxPriority: contracts.PriorityNormal,
		}, true
	case contracts.RoleAuditor:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeQuery, contracts.TypeResponse, contracts.TypeEvent,
				contracts.TypeHeartbeat,
			},
			Actions:     []string{"audit", "report"},
			MaxPriority: contracts.PriorityNormal,
		}, true
	case contracts.RoleController:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeCommand, contracts.TypeNotification, contracts.TypeHeartbeat,
			},
			Actions:     []string{"throttle", "suspend", "resume"},
			MaxPriority: contracts.PriorityHigh,
		}, true
	case contracts.RoleImplementer:
		return Permissions{
			MessageTypes: []contracts.MessageType{
				contracts.TypeTaskRequest, contracts.TypeTaskResponse, contracts.TypeResponse,
				contracts.TypeEvent, contracts.TypeHeartbeat,
			},
			Actions:     []string{"execute", "implement"},
			MaxPriority: contracts.PriorityNormal,
		}, true
	}
	return Permissions{}, false
}

// judicialValidationTargets are the only roles whose outputs JUDICIAL may
// validate. Never MONITOR/AUDITOR/CONTROLLER, and never itself.
var judicialValidationTargets = map[contracts.Role]bool{
	contracts.RoleExecutive:   true,
	contracts.RoleLegislative: true,
	contracts.RoleImplementer: true,
}

func (p Permissions) permitsAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (p Permissions) permitsType(t contracts.MessageType) bool {
	for _, mt := range p.MessageTypes {
		if mt == t {
			return true
		}
	}
	return false
}
