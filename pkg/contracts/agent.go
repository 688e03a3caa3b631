package contracts

import "time"

// Role is the closed set of constitutional roles an agent may hold.
// The MACI permission matrix is exhaustive over this enum; adding a role
// without extending the matrix is a compile-time error in pkg/maci.
type Role string

const (
	RoleExecutive   Role = "EXECUTIVE"
	RoleLegislative Role = "LEGISLATIVE"
	RoleJudicial    Role = "JUDICIAL"
	RoleMonitor     Role = "MONITOR"
	RoleAuditor     Role = "AUDITOR"
	RoleController  Role = "CONTROLLER"
	RoleImplementer Role = "IMPLEMENTER"
)

// AllRoles lists every constitutional role.
var AllRoles = []Role{
	RoleExecutive, RoleLegislative, RoleJudicial, RoleMonitor,
	RoleAuditor, RoleController, RoleImplementer,
}

// Valid reports whether r is a known constitutional role.
func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// AgentRegistration records an agent's declared role and authority bounds.
// Owned exclusively by the MACI registry; other components read snapshots.
type AgentRegistration struct {
	AgentID        string        `json:"agent_id"`
	Role           Role          `json:"role"`
	TenantID       string        `json:"tenant_id,omitempty"`
	AllowedTypes   []MessageType `json:"allowed_types,omitempty"`   // empty = role defaults
	AllowedActions []string      `json:"allowed_actions,omitempty"` // empty = role defaults
	MaxPriority    Priority      `json:"max_priority"`              // most urgent priority permitted
	RatePerMinute  int           `json:"rate_per_minute"`
	RegisteredAt   time.Time     `json:"registered_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MayUseType reports whether the registration permits sending type t.
// An empty AllowedTypes list defers to the role's default permissions.
func (a *AgentRegistration) MayUseType(t MessageType) bool {
	if len(a.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range a.AllowedTypes {
		if t == allowed {
			return true
		}
	}
	return false
}

// MayAct reports whether the registration permits the action verb.
func (a *AgentRegistration) MayAct(action string) bool {
	if len(a.AllowedActions) == 0 {
		return true
	}
	for _, allowed := range a.AllowedActions {
		if action == allowed {
			return true
		}
	}
	return false
}
