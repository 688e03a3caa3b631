package deliberation

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// Authorizer gates every vote. Satisfied by *maci.Enforcer: the
// self-validation ban and judicial separation apply inside deliberation,
// not only at message entry.
type Authorizer interface {
	Authorize(ctx context.Context, agentID, action, targetOutputID string) error
}

// AuditSink receives every resolved item. The engine writes the audit
// record before it notifies anyone of the outcome, so a crash between the
// two leaves an auditable decision, never an unaudited delivery.
type AuditSink interface {
	RecordOutcome(ctx context.Context, item *Item) error
}

// EnqueueRequest carries the routing verdict for one message into the
// engine.
type EnqueueRequest struct {
	Message                *contracts.Message
	RequiresHumanReview    bool
	RequiresMultiAgentVote bool
	RequiredApprovals      int
	Timeout                time.Duration
}

// Engine runs the deliberation state machine. Each item is mutated under
// its own lock so a slow vote on one item never blocks votes on another;
// the engine-level lock covers only the index and the deadline heap.
type Engine struct {
	store  Store
	auth   Authorizer
	audit  AuditSink
	notify func(*Item)
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	items     map[string]*itemHandle
	deadlines deadlineHeap
	wake      chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

type itemHandle struct {
	mu   sync.Mutex
	item *Item
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithNotifier sets the callback invoked after an item resolves and its
// audit record is durable.
func WithNotifier(fn func(*Item)) Option {
	return func(e *Engine) { e.notify = fn }
}

// NewEngine creates a stopped engine; call Start to arm the deadline
// watcher.
func NewEngine(store Store, auth Authorizer, audit AuditSink, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		auth:   auth,
		audit:  audit,
		clock:  time.Now,
		logger: slog.Default().With("component", "deliberation"),
		items:  make(map[string]*itemHandle),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the deadline watcher. The watcher wakes on the earliest
// pending deadline regardless of message volume; an idle engine still
// times out its items.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.watchDeadlines(ctx)
}

// Close stops the deadline watcher. Pending items stay in the store and
// are picked up by Restore on the next start.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}

// Enqueue admits a routed message into deliberation and persists the new
// item before returning. RequiredApprovals below 1 is raised to 1: an
// item nobody has to approve would resolve by timeout only.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	if req.Message == nil {
		return nil, fmt.Errorf("deliberation: enqueue without message")
	}
	required := req.RequiredApprovals
	if required < 1 {
		required = 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = contracts.DeliberationTimeout
	}

	now := e.clock().UTC()
	item := &Item{
		ID:                     uuid.NewString(),
		Message:                req.Message,
		Lane:                   laneLabel(req.RequiresMultiAgentVote, req.RequiresHumanReview),
		RequiredApprovals:      required,
		RequiresHumanReview:    req.RequiresHumanReview,
		RequiresMultiAgentVote: req.RequiresMultiAgentVote,
		ProposerOutputID:       req.Message.ID,
		State:                  StatePending,
		Votes:                  make(map[string]contracts.Vote),
		Outcome:                contracts.OutcomePending,
		CreatedAt:              now,
		Deadline:               now.Add(timeout),
	}
	if err := e.store.Save(ctx, item); err != nil {
		return nil, err
	}

	e.track(item)
	e.logger.Info("item enqueued",
		"item_id", item.ID, "message_id", req.Message.ID,
		"lane", item.Lane, "required_approvals", required,
		"deadline", item.Deadline)
	snapshot := *item
	return &snapshot, nil
}

// track registers the item in the in-memory index and the deadline heap,
// moving it from Pending to AwaitingApprovals: only a tracked item has an
// armed deadline and can receive votes.
func (e *Engine) track(item *Item) {
	item.State = StateAwaitingApprovals
	e.mu.Lock()
	e.items[item.ID] = &itemHandle{item: item}
	heap.Push(&e.deadlines, deadlineEntry{id: item.ID, at: item.Deadline})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Get returns a snapshot of the item.
func (e *Engine) Get(ctx context.Context, id string) (*Item, error) {
	e.mu.Lock()
	h, ok := e.items[id]
	e.mu.Unlock()
	if !ok {
		return e.store.Get(ctx, id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := *h.item
	return &snapshot, nil
}

// CastVote records one approver's verdict and re-evaluates the item.
// A repeat vote from the same approver overwrites the earlier one. Veto
// is reserved to JUDICIAL approvers and terminally rejects the item.
func (e *Engine) CastVote(ctx context.Context, itemID string, vote contracts.Vote) (*Item, error) {
	action := contracts.ActionVote
	if vote.Decision == contracts.VoteVeto {
		action = contracts.ActionVeto
	}

	h, err := e.handle(itemID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	item := h.item
	if item.Outcome.Terminal() {
		return nil, fmt.Errorf("deliberation: item %s already resolved as %s", itemID, item.Outcome)
	}

	// Authorization runs per vote against the proposer's output so the
	// self-validation ban holds even for agents registered after enqueue.
	if err := e.auth.Authorize(ctx, vote.ApproverID, action, item.ProposerOutputID); err != nil {
		return nil, err
	}
	if vote.Decision == contracts.VoteVeto && vote.Role != contracts.RoleJudicial {
		return nil, contracts.NewAuthorizationError(vote.ApproverID, "veto", "veto-requires-judicial")
	}

	vote.CastAt = e.clock().UTC()
	item.Votes[vote.ApproverID] = vote
	e.logger.Info("vote cast",
		"item_id", itemID, "approver", vote.ApproverID,
		"role", vote.Role, "decision", vote.Decision)

	if resolved := e.evaluateLocked(item); resolved {
		if err := e.finalizeLocked(ctx, item); err != nil {
			return nil, err
		}
	} else if err := e.store.Save(ctx, item); err != nil {
		return nil, err
	}
	snapshot := *item
	return &snapshot, nil
}

// RecordHumanDecision applies a verified human sign-off to an item that
// carries the human-review gate.
func (e *Engine) RecordHumanDecision(ctx context.Context, itemID string, approval HumanApproval) (*Item, error) {
	h, err := e.handle(itemID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	item := h.item
	if item.Outcome.Terminal() {
		return nil, fmt.Errorf("deliberation: item %s already resolved as %s", itemID, item.Outcome)
	}
	if !item.RequiresHumanReview {
		return nil, fmt.Errorf("deliberation: item %s does not require human review", itemID)
	}

	item.HumanActor = approval.Actor
	item.HumanDecision = approval.Decision
	e.logger.Info("human decision recorded",
		"item_id", itemID, "actor", approval.Actor, "decision", approval.Decision)

	if resolved := e.evaluateLocked(item); resolved {
		if err := e.finalizeLocked(ctx, item); err != nil {
			return nil, err
		}
	} else if err := e.store.Save(ctx, item); err != nil {
		return nil, err
	}
	snapshot := *item
	return &snapshot, nil
}

// Cancel resolves an item as rejected without waiting for votes, e.g.
// when the proposer withdraws the message.
func (e *Engine) Cancel(ctx context.Context, itemID, reason string) error {
	h, err := e.handle(itemID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	item := h.item
	if item.Outcome.Terminal() {
		return fmt.Errorf("deliberation: item %s already resolved as %s", itemID, item.Outcome)
	}
	item.Outcome = contracts.OutcomeRejected
	item.OutcomeReason = "cancelled: " + reason
	return e.finalizeLocked(ctx, item)
}

// Restore reloads pending items after a restart with their original
// deadlines. Items already past deadline resolve as timed out on the
// watcher's first pass.
func (e *Engine) Restore(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("deliberation: restore: %w", err)
	}
	for _, item := range pending {
		if item.Votes == nil {
			item.Votes = make(map[string]contracts.Vote)
		}
		e.track(item)
	}
	if len(pending) > 0 {
		e.logger.Info("restored pending items", "count", len(pending))
	}
	return nil
}

// evaluateLocked applies the outcome rules to the item. Caller holds the
// item lock. Returns true when the item reached a terminal outcome.
//
// Order matters: veto is checked first and wins over any approval count.
func (e *Engine) evaluateLocked(item *Item) bool {
	if v, vetoed := item.veto(); vetoed {
		item.Outcome = contracts.OutcomeRejected
		item.OutcomeReason = "vetoed by " + v.ApproverID
		return true
	}
	if item.RequiresHumanReview && item.HumanDecision == contracts.VoteReject {
		item.Outcome = contracts.OutcomeRejected
		item.OutcomeReason = "rejected by human reviewer " + item.HumanActor
		return true
	}
	if item.rejections() >= item.RequiredApprovals {
		item.Outcome = contracts.OutcomeRejected
		item.OutcomeReason = fmt.Sprintf("rejected by %d of %d required reviewers",
			item.rejections(), item.RequiredApprovals)
		return true
	}
	if item.approvals() >= item.RequiredApprovals {
		if item.RequiresHumanReview && item.HumanDecision != contracts.VoteApprove {
			// Quorum reached but the human gate is still open.
			return false
		}
		item.Outcome = contracts.OutcomeApproved
		item.OutcomeReason = fmt.Sprintf("approved by %d reviewers", item.approvals())
		return true
	}
	return false
}

// finalizeLocked persists the terminal item, writes the audit record, and
// only then notifies. Caller holds the item lock.
func (e *Engine) finalizeLocked(ctx context.Context, item *Item) error {
	item.State = StateResolved
	item.ResolvedAt = e.clock().UTC()
	if item.Outcome.Denied() {
		item.Message.Status = contracts.StatusRejected
	} else {
		item.Message.Status = contracts.StatusRouted
	}

	if err := e.store.Save(ctx, item); err != nil {
		return err
	}
	if err := e.audit.RecordOutcome(ctx, item); err != nil {
		return fmt.Errorf("deliberation: audit outcome for %s: %w", item.ID, err)
	}
	if err := e.store.Archive(ctx, item.ID); err != nil {
		e.logger.Warn("archive failed", "item_id", item.ID, "error", err)
	}

	e.mu.Lock()
	delete(e.items, item.ID)
	e.mu.Unlock()

	e.logger.Info("item resolved",
		"item_id", item.ID, "outcome", item.Outcome, "reason", item.OutcomeReason)
	if e.notify != nil {
		snapshot := *item
		e.notify(&snapshot)
	}
	return nil
}

// PendingCount returns the number of unresolved items.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

func (e *Engine) handle(itemID string) (*itemHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return h, nil
}

// watchDeadlines resolves items whose deadline has elapsed. Timed-out
// items are denials.
func (e *Engine) watchDeadlines(ctx context.Context) {
	defer e.wg.Done()
	for {
		next, ok := e.nextDeadline()
		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			wait := next.Sub(e.clock())
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			e.expireDue(ctx, e.clock())
		}
	}
}

func (e *Engine) nextDeadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.deadlines) > 0 {
		top := e.deadlines[0]
		if _, live := e.items[top.id]; !live {
			heap.Pop(&e.deadlines) // already resolved, discard
			continue
		}
		return top.at, true
	}
	return time.Time{}, false
}

// expireDue times out every live item whose deadline is at or before now.
func (e *Engine) expireDue(ctx context.Context, now time.Time) {
	for {
		e.mu.Lock()
		if len(e.deadlines) == 0 || e.deadlines[0].at.After(now) {
			e.mu.Unlock()
			return
		}
		entry := heap.Pop(&e.deadlines).(deadlineEntry)
		h, live := e.items[entry.id]
		e.mu.Unlock()
		if !live {
			continue
		}

		h.mu.Lock()
		item := h.item
		if item.Outcome.Terminal() {
			h.mu.Unlock()
			continue
		}
		item.Outcome = contracts.OutcomeTimedOut
		item.OutcomeReason = fmt.Sprintf("deadline %s elapsed with %d of %d approvals",
			item.Deadline.Format(time.RFC3339), item.approvals(), item.RequiredApprovals)
		if err := e.finalizeLocked(ctx, item); err != nil {
			e.logger.Error("timeout finalize failed", "item_id", item.ID, "error", err)
		}
		h.mu.Unlock()
	}
}

// deadlineHeap is a min-heap on deadline time.
type deadlineEntry struct {
	id string
	at time.Time
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
