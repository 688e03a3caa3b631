package audit

import (
	"context"
	"sync"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Store persists audit entries. Implementations must reject a second
// entry at an existing (tenant, seq) pair so two racing appenders can
// never fork a chain.
type Store interface {
	// Head returns the highest-sequence entry for the tenant, or
	// ErrEntryNotFound when the chain is empty.
	Head(ctx context.Context, tenantID string) (*contracts.AuditEntry, error)
	// Append inserts one entry. The entry is immutable afterwards.
	Append(ctx context.Context, entry contracts.AuditEntry) error
	// List returns up to limit entries with Seq >= fromSeq in sequence
	// order.
	List(ctx context.Context, tenantID string, fromSeq uint64, limit int) ([]contracts.AuditEntry, error)
	// ByMessage returns all entries recorded for one message.
	ByMessage(ctx context.Context, tenantID, messageID string) ([]contracts.AuditEntry, error)
}

// MemoryStore is the in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]contracts.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]contracts.AuditEntry)}
}

func (s *MemoryStore) Head(_ context.Context, tenantID string) (*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return nil, ErrEntryNotFound
	}
	head := chain[len(chain)-1]
	return &head, nil
}

func (s *MemoryStore) Append(_ context.Context, entry contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[entry.TenantID]
	if want := uint64(len(chain)) + 1; entry.Seq != want {
		return &seqConflictError{tenantID: entry.TenantID, got: entry.Seq, want: want}
	}
	s.chains[entry.TenantID] = append(chain, entry)
	return nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, fromSeq uint64, limit int) ([]contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(chain)) {
		return nil, nil
	}
	out := chain[fromSeq-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]contracts.AuditEntry(nil), out...), nil
}

func (s *MemoryStore) ByMessage(_ context.Context, tenantID, messageID string) ([]contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.AuditEntry
	for _, entry := range s.chains[tenantID] {
		if entry.MessageID == messageID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type seqConflictError struct {
	tenantID string
	got      uint64
	want     uint64
}

func (e *seqConflictError) Error() string {
	return "audit: sequence conflict for tenant " + e.tenantID
}
