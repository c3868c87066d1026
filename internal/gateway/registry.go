package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alecgard/creditgate/internal/capability"
)

type registered struct {
	card capability.Card
	exec Executor
}

// Registry maps agent ids to capability cards and their executors.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]registered
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]registered)}
}

// Register adds a capability. The card is validated and agent ids must be
// unique.
func (r *Registry) Register(card capability.Card, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("registering %q: executor is required", card.AgentID)
	}
	if err := card.Validate(); err != nil {
		return err
	}
	if card.Payment.AgentID == "" {
		card.Payment.AgentID = card.AgentID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[card.AgentID]; exists {
		return fmt.Errorf("registering %q: agent id already registered", card.AgentID)
	}
	r.caps[card.AgentID] = registered{card: card, exec: exec}
	return nil
}

// Lookup returns the card and executor for agentID.
func (r *Registry) Lookup(agentID string) (capability.Card, Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[agentID]
	return c.card, c.exec, ok
}

// Cards returns every registered card ordered by agent id.
func (r *Registry) Cards() []capability.Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]capability.Card, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
