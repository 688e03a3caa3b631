// Package audit implements the tamper-evident governance ledger. Every
// decision the bus takes (allow, deny, escalate) lands here as one
// entry in a per-tenant hash chain before anyone is told the outcome.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord-mesh/concord/pkg/canonicalize"
	"github.com/concord-mesh/concord/pkg/contracts"
)

var (
	// ErrChainBroken reports a verification failure with the position of
	// the first bad link.
	ErrChainBroken = errors.New("audit: hash chain is broken")
	// ErrEntryNotFound is returned for unknown entry lookups.
	ErrEntryNotFound = errors.New("audit: entry not found")
)

// Record is the caller-facing input to Append. The ledger assigns
// identity, sequence, and chain hashes itself.
type Record struct {
	TenantID      string
	MessageID     string
	Decision      contracts.AuditDecision
	ViolatedRules []string
	ActorRole     contracts.Role
	Detail        string
}

// Observer is notified after an entry is durably appended. Used to feed
// the anchor worker; observers must not block.
type Observer func(entry contracts.AuditEntry)

// Ledger serializes appends per tenant so sequence numbers and chain
// links never race. Append is synchronous: when it returns nil the entry
// is durable in the store.
type Ledger struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	tenants   map[string]*sync.Mutex
	observers []Observer
}

// Option configures the ledger.
type Option func(*Ledger)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		clock:   time.Now,
		logger:  slog.Default().With("component", "audit"),
		tenants: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe registers an observer for future appends.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// tenantLock returns the mutex guarding one tenant's chain head.
func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tenants[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.tenants[tenantID] = m
	}
	return m
}

// Append writes one record to the tenant's chain. Sequence numbers are
// dense and monotonic per tenant; the genesis entry carries an empty
// PrevHash. A storage failure is the caller's failure: nothing proceeds
// on an unrecorded decision.
func (l *Ledger) Append(ctx context.Context, rec Record) (contracts.AuditEntry, error) {
	if rec.Decision == "" {
		return contracts.AuditEntry{}, fmt.Errorf("audit: record without decision")
	}

	lock := l.tenantLock(rec.TenantID)
	lock.Lock()
	defer lock.Unlock()

	head, err := l.store.Head(ctx, rec.TenantID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return contracts.AuditEntry{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	entry := contracts.AuditEntry{
		ID:            uuid.NewString(),
		Seq:           1,
		TenantID:      rec.TenantID,
		MessageID:     rec.MessageID,
		Decision:      rec.Decision,
		ViolatedRules: rec.ViolatedRules,
		ActorRole:     rec.ActorRole,
		Detail:        rec.Detail,
		Timestamp:     l.clock().UTC(),
	}
	if head != nil {
		entry.Seq = head.Seq + 1
		entry.PrevHash = head.Hash
	}

	entry.Hash, err = entryHash(entry)
	if err != nil {
		return contracts.AuditEntry{}, err
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: append entry: %w", err)
	}

	l.mu.Lock()
	observers := l.observers
	l.mu.Unlock()
	for _, fn := range observers {
		fn(entry)
	}

	l.logger.Debug("entry appended",
		"tenant_id", rec.TenantID, "seq", entry.Seq,
		"decision", rec.Decision, "message_id", rec.MessageID)
	return entry, nil
}

// VerifyChain recomputes every hash in the tenant's chain and checks the
// links. Returns nil for an empty chain.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string) error {
	const pageSize = 512

	var (
		expectedPrev string
		expectedSeq  uint64 = 1
		from         uint64 = 1
	)
	for {
		page, err := l.store.List(ctx, tenantID, from, pageSize)
		if err != nil {
			return fmt.Errorf("audit: list entries: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, entry := range page {
			if entry.Seq != expectedSeq {
				return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, expectedSeq, entry.Seq)
			}
			if entry.PrevHash != expectedPrev {
				return fmt.Errorf("%w: seq %d prev_hash mismatch", ErrChainBroken, entry.Seq)
			}
			computed, err := entryHash(entry)
			if err != nil {
				return err
			}
			if computed != entry.Hash {
				return fmt.Errorf("%w: seq %d content hash mismatch", ErrChainBroken, entry.Seq)
			}
			expectedPrev = entry.Hash
			expectedSeq = entry.Seq + 1
		}
		from = expectedSeq
		if len(page) < pageSize {
			return nil
		}
	}
}

// List pages entries in sequence order starting at fromSeq.
func (l *Ledger) List(ctx context.Context, tenantID string, fromSeq uint64, limit int) ([]contracts.AuditEntry, error) {
	return l.store.List(ctx, tenantID, fromSeq, limit)
}

// ByMessage returns every entry recorded for one message.
func (l *Ledger) ByMessage(ctx context.Context, tenantID, messageID string) ([]contracts.AuditEntry, error) {
	return l.store.ByMessage(ctx, tenantID, messageID)
}

// entryHash computes the canonical content hash of an entry. The Hash
// field itself is excluded; PrevHash is included, which is what chains
// the entries.
func entryHash(entry contracts.AuditEntry) (string, error) {
	hashable := struct {
		ID            string                  `json:"id"`
		Seq           uint64                  `json:"seq"`
		TenantID      string                  `json:"tenant_id"`
		MessageID     string                  `json:"message_id"`
		Decision      contracts.AuditDecision `json:"decision"`
		ViolatedRules []string                `json:"violated_rules,omitempty"`
		ActorRole     contracts.Role          `json:"actor_role,omitempty"`
		Detail        string                  `json:"detail,omitempty"`
		Timestamp     string                  `json:"timestamp"`
		PrevHash      string                  `json:"prev_hash"`
	}{
		ID:            entry.ID,
		Seq:           entry.Seq,
		TenantID:      entry.TenantID,
		MessageID:     entry.MessageID,
		Decision:      entry.Decision,
		ViolatedRules: entry.ViolatedRules,
		ActorRole:     entry.ActorRole,
		Detail:        entry.Detail,
		Timestamp:     entry.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:      entry.PrevHash,
	}
	hash, err := canonicalize.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	return hash, nil
}
