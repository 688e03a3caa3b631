// Package anchor persists Merkle roots of audit batches to an external
// immutable store, so a compromised ledger host cannot silently rewrite
// history that was already anchored.
package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Batch is the unit handed to a backend: a content-derived key, the
// Merkle root over the batch's entry hashes, and the covered entry IDs.
type Batch struct {
	Key        string    `json:"key"`
	TenantID   string    `json:"tenant_id"`
	MerkleRoot string    `json:"merkle_root"`
	EntryIDs   []string  `json:"entry_ids"`
	FirstSeq   uint64    `json:"first_seq"`
	LastSeq    uint64    `json:"last_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// Backend writes a batch to external storage. Anchor must be idempotent
// by batch key: re-anchoring an already written batch returns the
// original receipt without a second write.
type Backend interface {
	Name() string
	Anchor(ctx context.Context, batch Batch) (contracts.AnchorReceipt, error)
}

// MemoryBackend keeps receipts in process. Used in tests and in
// deployments that run without external anchoring, where the chain hash
// alone provides tamper evidence.
type MemoryBackend struct {
	mu       sync.Mutex
	receipts map[string]contracts.AnchorReceipt
	clock    func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		receipts: make(map[string]contracts.AnchorReceipt),
		clock:    time.Now,
	}
}

// WithClock overrides the receipt timestamp source for tests.
func (b *MemoryBackend) WithClock(clock func() time.Time) *MemoryBackend {
	b.clock = clock
	return b
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Anchor(_ context.Context, batch Batch) (contracts.AnchorReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if receipt, ok := b.receipts[batch.Key]; ok {
		return receipt, nil
	}
	receipt := contracts.AnchorReceipt{
		BatchKey:   batch.Key,
		MerkleRoot: batch.MerkleRoot,
		Backend:    b.Name(),
		EntryIDs:   append([]string(nil), batch.EntryIDs...),
		AnchoredAt: b.clock().UTC(),
		Location:   "memory://" + batch.Key,
	}
	b.receipts[batch.Key] = receipt
	return receipt, nil
}

// Receipts returns all stored receipts, for test assertions.
func (b *MemoryBackend) Receipts() []contracts.AnchorReceipt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]contracts.AnchorReceipt, 0, len(b.receipts))
	for _, r := range b.receipts {
		out = append(out, r)
	}
	return out
}
