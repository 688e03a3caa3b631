package maci

import (
	"fmt"
	"sync"
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// ErrAgentNotFound is returned for lookups of unregistered agents.
var ErrAgentNotFound = fmt.Errorf("maci: agent not registered")

// ChangeEvent describes a registry mutation, for audit wiring.
type ChangeEvent string

const (
	EventRegistered   ChangeEvent = "agent-registered"
	EventUpdated      ChangeEvent = "agent-updated"
	EventDeregistered ChangeEvent = "agent-deregistered"
)

// defaultOutputCapacity bounds the provenance map. Old enough records
// stop mattering: a vote only ever targets a recent proposer output.
const defaultOutputCapacity = 65536

// Registry is the authoritative agent registration store. Reads vastly
// outnumber writes: lookups take consistent value snapshots under a read
// lock while registration changes serialize on the write lock.
//
// The registry also tracks output provenance (output id -> producing
// agent) to enforce the self-validation ban. The provenance map is
// bounded; once full, the oldest record is evicted per new output.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]contracts.AgentRegistration
	outputs     map[string]string // output id -> producer agent id
	outputOrder []string          // insertion order, for eviction
	outputCap   int
	clock       func() time.Time
	onChange    func(ChangeEvent, contracts.AgentRegistration)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:    make(map[string]contracts.AgentRegistration),
		outputs:   make(map[string]string),
		outputCap: defaultOutputCapacity,
		clock:     time.Now,
	}
}

// WithOutputCapacity overrides the provenance retention bound.
func (r *Registry) WithOutputCapacity(n int) *Registry {
	if n > 0 {
		r.outputCap = n
	}
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// OnChange installs a mutation hook (the bus wires this to the audit
// ledger). Must be set before concurrent use.
func (r *Registry) OnChange(fn func(ChangeEvent, contracts.AgentRegistration)) {
	r.onChange = fn
}

// Register adds or replaces an agent registration.
func (r *Registry) Register(reg contracts.AgentRegistration) error {
	if reg.AgentID == "" {
		return fmt.Errorf("maci: agent id required")
	}
	if !reg.Role.Valid() {
		return fmt.Errorf("maci: unknown role %q", reg.Role)
	}

	now := r.clock()
	r.mu.Lock()
	_, existed := r.agents[reg.AgentID]
	if existed {
		reg.RegisteredAt = r.agents[reg.AgentID].RegisteredAt
	} else {
		reg.RegisteredAt = now
	}
	reg.UpdatedAt = now
	r.agents[reg.AgentID] = reg
	r.mu.Unlock()

	if r.onChange != nil {
		if existed {
			r.onChange(EventUpdated, reg)
		} else {
			r.onChange(EventRegistered, reg)
		}
	}
	return nil
}

// Deregister removes an agent. Provenance records survive deregistration:
// a departed agent's retained outputs stay attributed to it.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	reg, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if ok && r.onChange != nil {
		r.onChange(EventDeregistered, reg)
	}
}

// Get returns a value snapshot of an agent's registration.
func (r *Registry) Get(agentID string) (contracts.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return contracts.AgentRegistration{}, ErrAgentNotFound
	}
	return reg, nil
}

// CountByRole returns the number of registered agents holding any of the
// given roles. The multi-agent-vote quorum derives from this.
func (r *Registry) CountByRole(roles ...contracts.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, reg := range r.agents {
		for _, role := range roles {
			if reg.Role == role {
				n++
				break
			}
		}
	}
	return n
}

// RecordOutput remembers which agent produced an output id. At capacity
// the oldest record is evicted, so an evicted output can no longer be
// validated at all (unknown provenance fails closed).
func (r *Registry) RecordOutput(outputID, producerID string) {
	if outputID == "" || producerID == "" {
		return
	}
	r.mu.Lock()
	if _, exists := r.outputs[outputID]; !exists {
		r.outputOrder = append(r.outputOrder, outputID)
		if len(r.outputOrder) > r.outputCap {
			oldest := r.outputOrder[0]
			r.outputOrder = r.outputOrder[1:]
			delete(r.outputs, oldest)
		}
	}
	r.outputs[outputID] = producerID
	r.mu.Unlock()
}

// ProducerOf returns the agent that produced the output id, if known.
func (r *Registry) ProducerOf(outputID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	producer, ok := r.outputs[outputID]
	return producer, ok
}
