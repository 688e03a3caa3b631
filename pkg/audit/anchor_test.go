package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-mesh/concord/pkg/anchor"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/merkle"
)

// flakyBackend fails a fixed number of times before delegating.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    anchor.Backend
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) Anchor(ctx context.Context, batch anchor.Batch) (contracts.AnchorReceipt, error) {
	b.mu.Lock()
	b.calls++
	failing := b.calls <= b.failures
	b.mu.Unlock()
	if failing {
		return contracts.AnchorReceipt{}, errors.New("backend unavailable")
	}
	return b.inner.Anchor(ctx, batch)
}

func chainEntries(t *testing.T, tenant string, n int) []contracts.AuditEntry {
	t.Helper()
	ledger := NewLedger(NewMemoryStore())
	entries := make([]contracts.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		entry, err := ledger.Append(context.Background(), Record{
			TenantID:  tenant,
			MessageID: fmt.Sprintf("msg-%d", i),
			Decision:  contracts.AuditAllow,
		})
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func waitForReceipts(t *testing.T, receipts *MemoryReceipts, n int) []contracts.AnchorReceipt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := receipts.Receipts(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d receipts, have %d", n, len(receipts.Receipts()))
	return nil
}

func TestAnchorWorkerBatchesAndAnchors(t *testing.T) {
	backend := anchor.NewMemoryBackend()
	receipts := NewMemoryReceipts()
	worker := NewAnchorWorker(backend, receipts, AnchorWorkerConfig{BatchSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	defer worker.Close()

	entries := chainEntries(t, "tenant-a", 2)
	for _, e := range entries {
		worker.Enqueue(e)
	}

	got := waitForReceipts(t, receipts, 1)
	receipt := got[0]
	assert.Equal(t, "memory", receipt.Backend)
	assert.Len(t, receipt.EntryIDs, 2)

	tree, err := merkle.Build([]string{entries[0].Hash, entries[1].Hash})
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), receipt.MerkleRoot)
}

func TestAnchorWorkerFlushesOnClose(t *testing.T) {
	backend := anchor.NewMemoryBackend()
	receipts := NewMemoryReceipts()
	worker := NewAnchorWorker(backend, receipts, AnchorWorkerConfig{
		BatchSize:     64,
		FlushInterval: time.Hour,
	})
	worker.Start(context.Background())

	worker.Enqueue(chainEntries(t, "tenant-a", 1)[0])
	worker.Close()

	require.Len(t, receipts.Receipts(), 1, "close must flush the partial batch")
}

func TestAnchorWorkerRetriesWithBackoff(t *testing.T) {
	backend := &flakyBackend{failures: 2, inner: anchor.NewMemoryBackend()}
	receipts := NewMemoryReceipts()
	worker := NewAnchorWorker(backend, receipts, AnchorWorkerConfig{
		BatchSize:   1,
		MaxRetries:  4,
		BaseBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	defer worker.Close()

	worker.Enqueue(chainEntries(t, "tenant-a", 1)[0])

	waitForReceipts(t, receipts, 1)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 3, backend.calls, "two failures then one success")
}

func TestAnchorWorkerGivesUpAfterMaxRetries(t *testing.T) {
	backend := &flakyBackend{failures: 100, inner: anchor.NewMemoryBackend()}
	receipts := NewMemoryReceipts()
	worker := NewAnchorWorker(backend, receipts, AnchorWorkerConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		BaseBackoff:   time.Millisecond,
	})
	worker.Start(context.Background())

	worker.Enqueue(chainEntries(t, "tenant-a", 1)[0])
	worker.Close()

	assert.Empty(t, receipts.Receipts())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.calls)
}

func TestAnchorWorkerFullQueueRaisesAlarm(t *testing.T) {
	// Worker not started: the queue fills and the overflow entry is
	// dropped from the anchoring pipeline.
	worker := NewAnchorWorker(anchor.NewMemoryBackend(), NewMemoryReceipts(),
		AnchorWorkerConfig{QueueCapacity: 1})

	entries := chainEntries(t, "tenant-a", 2)
	worker.Enqueue(entries[0])
	worker.alarmMu.Lock()
	assert.False(t, worker.alarmRaised)
	worker.alarmMu.Unlock()

	worker.Enqueue(entries[1])
	worker.alarmMu.Lock()
	assert.True(t, worker.alarmRaised)
	worker.alarmMu.Unlock()
}

func TestAnchorWorkerSplitsTenants(t *testing.T) {
	backend := anchor.NewMemoryBackend()
	receipts := NewMemoryReceipts()
	worker := NewAnchorWorker(backend, receipts, AnchorWorkerConfig{
		BatchSize:     64,
		FlushInterval: time.Hour,
	})
	worker.Start(context.Background())

	worker.Enqueue(chainEntries(t, "tenant-a", 1)[0])
	worker.Enqueue(chainEntries(t, "tenant-b", 1)[0])
	worker.Close()

	got := receipts.Receipts()
	require.Len(t, got, 2, "one batch per tenant")
	assert.NotEqual(t, got[0].BatchKey, got[1].BatchKey)
}

func TestBuildBatchKeyIsContentDerived(t *testing.T) {
	entries := chainEntries(t, "tenant-a", 3)

	first, err := buildBatch("tenant-a", entries)
	require.NoError(t, err)
	second, err := buildBatch("tenant-a", entries)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, uint64(1), first.FirstSeq)
	assert.Equal(t, uint64(3), first.LastSeq)

	other, err := buildBatch("tenant-b", entries)
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, other.Key, "tenant is part of the key")
}
