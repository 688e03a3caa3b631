package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// LimiterStore is the quota-check abstraction. The local implementation
// keeps token buckets in process; the Redis implementation shares buckets
// across nodes.
type LimiterStore interface {
	// Allow consumes one token from the agent's bucket sized for
	// ratePerMinute. It returns false when the quota is exhausted.
	Allow(ctx context.Context, agentID string, ratePerMinute int) (bool, error)
}

// AgentLimiter enforces per-agent per-minute quotas at message ingress.
// Exceeding the quota yields a typed ThrottledError, never a silent drop.
type AgentLimiter struct {
	store LimiterStore
}

// NewAgentLimiter creates a limiter over the given store.
func NewAgentLimiter(store LimiterStore) *AgentLimiter {
	return &AgentLimiter{store: store}
}

// Check consumes one token for the agent, translating quota exhaustion
// into a ThrottledError with a retry-after hint derived from the refill
// interval.
func (l *AgentLimiter) Check(ctx context.Context, agentID string, ratePerMinute int) error {
	if ratePerMinute <= 0 {
		// No quota configured for this agent.
		return nil
	}
	ok, err := l.store.Allow(ctx, agentID, ratePerMinute)
	if err != nil {
		return &contracts.DependencyError{Dependency: "limiter", Err: err}
	}
	if !ok {
		retryAfter := time.Minute / time.Duration(ratePerMinute)
		return &contracts.ThrottledError{AgentID: agentID, RetryAfter: retryAfter}
	}
	return nil
}

// LocalLimiterStore keeps per-agent token buckets in process memory.
// Stale buckets are reaped to keep memory bounded.
type LocalLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// NewLocalLimiterStore creates an in-process store and starts its reaper.
func NewLocalLimiterStore() *LocalLimiterStore {
	s := &LocalLimiterStore{buckets: make(map[string]*bucket)}
	go s.reap()
	return s
}

// Allow consumes one token from the agent's bucket, creating it on first
// sight. A changed quota rebuilds the bucket.
func (s *LocalLimiterStore) Allow(_ context.Context, agentID string, ratePerMinute int) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[agentID]
	if !ok || b.rpm != ratePerMinute {
		burst := ratePerMinute
		if burst < 1 {
			burst = 1
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst),
			rpm:     ratePerMinute,
		}
		s.buckets[agentID] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.Allow(), nil
}

// reap removes buckets idle for more than three minutes.
func (s *LocalLimiterStore) reap() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for id, b := range s.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(s.buckets, id)
			}
		}
		s.mu.Unlock()
	}
}
