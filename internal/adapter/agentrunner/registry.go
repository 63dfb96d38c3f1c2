package agentrunner

import (
	"context"
	"fmt"
	"sync"

	"aivis/internal/domain"
)

// Registry dispatches each agent to its registered runner, or to the
// fallback when none is registered.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string]domain.Runner
	fallback  domain.Runner
}

// NewRegistry creates a registry that uses fallback for unregistered agents.
func NewRegistry(fallback domain.Runner) *Registry {
	return &Registry{
		overrides: make(map[string]domain.Runner),
		fallback:  fallback,
	}
}

// Register sets the runner for one agent. Returns an error if one is
// already registered.
func (r *Registry) Register(agentID string, runner domain.Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.overrides[agentID]; exists {
		return fmt.Errorf("runner for agent %q already registered", agentID)
	}
	r.overrides[agentID] = runner
	return nil
}

// Run implements domain.Runner.
func (r *Registry) Run(ctx context.Context, in domain.AgentInput) (*domain.AgentResult, error) {
	r.mu.RLock()
	runner, ok := r.overrides[in.Agent.ID]
	r.mu.RUnlock()

	if !ok {
		runner = r.fallback
	}
	if runner == nil {
		return nil, domain.NewSubSystemError("runner", "Registry.Run", domain.ErrNotFound, in.Agent.ID)
	}
	return runner.Run(ctx, in)
}

var _ domain.Runner = (*Registry)(nil)
