package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/concord-mesh/concord/pkg/anchor"
	"github.com/concord-mesh/concord/pkg/canonicalize"
	"github.com/concord-mesh/concord/pkg/contracts"
	"github.com/concord-mesh/concord/pkg/merkle"
	"github.com/concord-mesh/concord/pkg/observability"
)

// ReceiptSink stores anchor receipts for later verification.
type ReceiptSink interface {
	SaveReceipt(ctx context.Context, receipt contracts.AnchorReceipt) error
}

// MemoryReceipts is an in-process ReceiptSink.
type MemoryReceipts struct {
	mu       sync.Mutex
	receipts []contracts.AnchorReceipt
}

// NewMemoryReceipts creates an empty receipt sink.
func NewMemoryReceipts() *MemoryReceipts { return &MemoryReceipts{} }

func (m *MemoryReceipts) SaveReceipt(_ context.Context, receipt contracts.AnchorReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, receipt)
	return nil
}

// Receipts returns stored receipts, for test assertions.
func (m *MemoryReceipts) Receipts() []contracts.AnchorReceipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.AnchorReceipt(nil), m.receipts...)
}

// AnchorWorker batches appended entries per tenant, builds a Merkle root
// over each batch, and writes the root to the anchoring backend.
// Anchoring runs off the append path: a slow backend delays external
// anchoring but never blocks an audit append. The queue is bounded; a
// full queue raises the backlog alarm and drops the entry from the
// anchoring pipeline only (the chain itself already holds it).
type AnchorWorker struct {
	backend  anchor.Backend
	receipts ReceiptSink
	logger   *slog.Logger
	clock    func() time.Time
	metrics  *observability.Metrics

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	baseBackoff   time.Duration

	queue   chan contracts.AuditEntry
	pending map[string][]contracts.AuditEntry // keyed by tenant

	alarmMu     sync.Mutex
	alarmRaised bool

	done chan struct{}
	wg   sync.WaitGroup
}

// AnchorWorkerConfig sets worker tunables. Zero values fall back to
// defaults.
type AnchorWorkerConfig struct {
	BatchSize     int           // entries per batch, default 64
	QueueCapacity int           // default 1024
	FlushInterval time.Duration // default 30s
	MaxRetries    int           // default 6
	BaseBackoff   time.Duration // default 500ms
}

// NewAnchorWorker creates a stopped worker; call Start to launch it.
func NewAnchorWorker(backend anchor.Backend, receipts ReceiptSink, cfg AnchorWorkerConfig) *AnchorWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 6
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	return &AnchorWorker{
		backend:       backend,
		receipts:      receipts,
		logger:        slog.Default().With("component", "anchor"),
		clock:         time.Now,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxRetries:    cfg.MaxRetries,
		baseBackoff:   cfg.BaseBackoff,
		queue:         make(chan contracts.AuditEntry, cfg.QueueCapacity),
		pending:       make(map[string][]contracts.AuditEntry),
		done:          make(chan struct{}),
	}
}

// WithMetrics attaches the bus metric set.
func (w *AnchorWorker) WithMetrics(m *observability.Metrics) *AnchorWorker {
	w.metrics = m
	return w
}

// Enqueue feeds one appended entry into the anchoring pipeline. Safe to
// register directly as a Ledger observer.
func (w *AnchorWorker) Enqueue(entry contracts.AuditEntry) {
	select {
	case w.queue <- entry:
		w.metrics.AnchorBacklogDelta(context.Background(), 1)
		w.clearAlarm()
	default:
		w.raiseAlarm()
	}
}

func (w *AnchorWorker) raiseAlarm() {
	w.alarmMu.Lock()
	raised := w.alarmRaised
	w.alarmRaised = true
	w.alarmMu.Unlock()
	if !raised {
		w.logger.Error("anchor queue full, entries no longer reach the anchoring pipeline",
			"capacity", cap(w.queue))
	}
}

func (w *AnchorWorker) clearAlarm() {
	w.alarmMu.Lock()
	if w.alarmRaised {
		w.alarmRaised = false
		w.logger.Info("anchor queue drained, backlog alarm cleared")
	}
	w.alarmMu.Unlock()
}

// Start launches the batching loop.
func (w *AnchorWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Close flushes pending batches and stops the worker.
func (w *AnchorWorker) Close() {
	close(w.done)
	w.wg.Wait()
}

func (w *AnchorWorker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushAll(context.WithoutCancel(ctx))
			return
		case <-w.done:
			w.flushAll(context.WithoutCancel(ctx))
			return
		case entry := <-w.queue:
			w.metrics.AnchorBacklogDelta(ctx, -1)
			w.pending[entry.TenantID] = append(w.pending[entry.TenantID], entry)
			if len(w.pending[entry.TenantID]) >= w.batchSize {
				w.flushTenant(ctx, entry.TenantID)
			}
		case <-ticker.C:
			w.flushAll(ctx)
		}
	}
}

func (w *AnchorWorker) flushAll(ctx context.Context) {
	// Drain whatever is queued before flushing so a shutdown flush does
	// not strand entries in the channel.
	for {
		select {
		case entry := <-w.queue:
			w.metrics.AnchorBacklogDelta(ctx, -1)
			w.pending[entry.TenantID] = append(w.pending[entry.TenantID], entry)
		default:
			for tenant := range w.pending {
				w.flushTenant(ctx, tenant)
			}
			return
		}
	}
}

func (w *AnchorWorker) flushTenant(ctx context.Context, tenantID string) {
	entries := w.pending[tenantID]
	if len(entries) == 0 {
		return
	}
	delete(w.pending, tenantID)

	batch, err := buildBatch(tenantID, entries)
	if err != nil {
		w.logger.Error("batch build failed, entries remain chain-protected only",
			"tenant_id", tenantID, "count", len(entries), "error", err)
		return
	}

	receipt, err := w.anchorWithRetry(ctx, batch)
	if err != nil {
		w.logger.Error("anchoring failed after retries",
			"tenant_id", tenantID, "batch_key", batch.Key, "error", err)
		return
	}
	if err := w.receipts.SaveReceipt(ctx, receipt); err != nil {
		w.logger.Error("receipt save failed",
			"batch_key", batch.Key, "error", err)
		return
	}
	w.logger.Info("batch anchored",
		"tenant_id", tenantID, "batch_key", batch.Key,
		"entries", len(entries), "backend", receipt.Backend,
		"location", receipt.Location)
}

// anchorWithRetry retries with exponential backoff. The batch key is
// content-derived, so retries and even re-runs after a crash converge on
// one anchor object.
func (w *AnchorWorker) anchorWithRetry(ctx context.Context, batch anchor.Batch) (contracts.AnchorReceipt, error) {
	var lastErr error
	backoff := w.baseBackoff
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return contracts.AnchorReceipt{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		receipt, err := w.backend.Anchor(ctx, batch)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		w.metrics.AnchorRetry(ctx)
		w.logger.Warn("anchor attempt failed",
			"batch_key", batch.Key, "attempt", attempt+1, "error", err)
	}
	return contracts.AnchorReceipt{}, lastErr
}

// buildBatch derives the Merkle root and the content-addressed batch key
// from the entries' chain hashes.
func buildBatch(tenantID string, entries []contracts.AuditEntry) (anchor.Batch, error) {
	hashes := make([]string, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
		ids[i] = e.ID
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		return anchor.Batch{}, err
	}
	return anchor.Batch{
		Key:        canonicalize.HashBytes([]byte(tenantID + ":" + strings.Join(hashes, ","))),
		TenantID:   tenantID,
		MerkleRoot: tree.Root(),
		EntryIDs:   ids,
		FirstSeq:   entries[0].Seq,
		LastSeq:    entries[len(entries)-1].Seq,
		CreatedAt:  entries[0].Timestamp,
	}, nil
}
