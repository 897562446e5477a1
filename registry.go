package cascade

import (
	"context"
	"fmt"
	"sync"

	"github.com/smilemakc/cascade/internal/domain"
)

// Registry holds validated cascades by id, serving both direct Run calls
// and the scheduler's "cascade:<id>" sub-cascade dispatch convention (§4.9)
// and BranchManager's cascade lookup (§4.11) — both only need
// Load(ctx, id) (*domain.Cascade, error), so one Registry satisfies
// scheduler.SubCascadeLoader and branch.CascadeLoader without either
// package importing this one.
type Registry struct {
	mu       sync.RWMutex
	cascades map[string]*domain.Cascade
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cascades: make(map[string]*domain.Cascade)}
}

// Register adds or replaces c under its CascadeID.
func (r *Registry) Register(c *domain.Cascade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cascades[c.CascadeID] = c
}

// Load resolves id to its registered Cascade.
func (r *Registry) Load(_ context.Context, id string) (*domain.Cascade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cascades[id]
	if !ok {
		return nil, fmt.Errorf("cascade: no cascade registered under id %q", id)
	}
	return c, nil
}
