package contracts

import "time"

// AuditDecision is the recorded disposition of a governance decision.
type AuditDecision string

const (
	AuditAllow    AuditDecision = "allow"
	AuditDeny     AuditDecision = "deny"
	AuditEscalate AuditDecision = "escalate"
)

// AuditEntry is one append-only record in a tenant's hash chain.
//
// Chain invariant: entry[n].PrevHash == entry[n-1].Hash, with the genesis
// entry carrying an empty PrevHash. Entries are never mutated or deleted.
type AuditEntry struct {
	ID            string        `json:"id"`
	Seq           uint64        `json:"seq"` // monotonic per tenant
	TenantID      string        `json:"tenant_id"`
	MessageID     string        `json:"message_id"`
	Decision      AuditDecision `json:"decision"`
	ViolatedRules []string      `json:"violated_rules,omitempty"`
	ActorRole     Role          `json:"actor_role,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	PrevHash      string        `json:"prev_hash"`
	Hash          string        `json:"hash"`
}

// AnchorReceipt is returned by an anchoring backend after a batch of audit
// entries is persisted to the external immutable store. Anchoring is
// idempotent by batch key: re-anchoring yields the original receipt.
type AnchorReceipt struct {
	BatchKey   string    `json:"batch_key"` // content-derived, stable across retries
	MerkleRoot string    `json:"merkle_root"`
	Backend    string    `json:"backend"`
	EntryIDs   []string  `json:"entry_ids"`
	AnchoredAt time.Time `json:"anchored_at"`
	Location   string    `json:"location,omitempty"` // backend-specific locator
}
