// Package contracts defines the shared domain types exchanged between the
// bus pipeline stages: messages, agent registrations, deliberation votes,
// audit entries, and the error taxonomy.
//
// Types here are plain data. Behavior lives in the owning packages
// (validator, maci, deliberation, audit); everything else treats these
// structs as immutable once validated.
package contracts

import "time"

// GovernanceID is the fixed, process-wide constitutional identifier.
// Every message must carry this exact value; a mismatch is always rejected.
const GovernanceID = "concord-constitution-v1"

// DestinationBroadcast addresses a message to all subscribed agents.
const DestinationBroadcast = "*"

// MessageType enumerates the closed set of message kinds the bus accepts.
type MessageType string

const (
	TypeCommand                  MessageType = "command"
	TypeQuery                    MessageType = "query"
	TypeResponse                 MessageType = "response"
	TypeEvent                    MessageType = "event"
	TypeNotification             MessageType = "notification"
	TypeHeartbeat                MessageType = "heartbeat"
	TypeGovernanceRequest        MessageType = "governance-request"
	TypeGovernanceResponse       MessageType = "governance-response"
	TypeConstitutionalValidation MessageType = "constitutional-validation"
	TypeTaskRequest              MessageType = "task-request"
	TypeTaskResponse             MessageType = "task-response"
)

// AllMessageTypes lists every accepted type, in declaration order.
var AllMessageTypes = []MessageType{
	TypeCommand, TypeQuery, TypeResponse, TypeEvent, TypeNotification,
	TypeHeartbeat, TypeGovernanceRequest, TypeGovernanceResponse,
	TypeConstitutionalValidation, TypeTaskRequest, TypeTaskResponse,
}

// Valid reports whether t is a member of the closed type enumeration.
func (t MessageType) Valid() bool {
	for _, known := range AllMessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority is numerically ascending urgency: 0 is the most urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// MoreUrgentThan reports whether p outranks other.
func (p Priority) MoreUrgentThan(other Priority) bool { return p < other }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// MessageStatus is the ordered message lifecycle.
type MessageStatus string

const (
	StatusPending      MessageStatus = "PENDING"
	StatusValidated    MessageStatus = "VALIDATED"
	StatusRejected     MessageStatus = "REJECTED"
	StatusRouted       MessageStatus = "ROUTED"
	StatusDeliberating MessageStatus = "DELIBERATING"
	StatusDelivered    MessageStatus = "DELIVERED"
	StatusArchived     MessageStatus = "ARCHIVED"
)

// Message is the unit of inter-agent exchange. Immutable once validated.
//
// Invariants: CreatedAt <= UpdatedAt; if ExpiresAt is set and has passed,
// the message is terminally rejected regardless of any other check.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	DestinationID  string         `json:"destination_id"` // agent id or DestinationBroadcast
	Type           MessageType    `json:"type"`
	Priority       Priority       `json:"priority"`
	Payload        map[string]any `json:"payload"`
	TenantID       string         `json:"tenant_id,omitempty"` // empty only in single-tenant mode
	GovernanceID   string         `json:"governance_id"`
	ImpactScore    *float64       `json:"impact_score,omitempty"` // nil until scored
	Status         MessageStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Action returns the action verb declared in the payload, if any.
// Routing and role enforcement key off this field.
func (m *Message) Action() string {
	if m.Payload == nil {
		return ""
	}
	if a, ok := m.Payload["action"].(string); ok {
		return a
	}
	return ""
}

// Expired reports whether the message's expiry has passed at time now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Governance-relevant action verbs with bus-level semantics. Actions outside
// this list are opaque to the bus and judged by score and role alone.
const (
	ActionValidate             = "validate"
	ActionVote                 = "vote"
	ActionVeto                 = "veto"
	ActionConstitutionalUpdate = "constitutional-update"
	ActionPolicyChange         = "policy-change"
)
