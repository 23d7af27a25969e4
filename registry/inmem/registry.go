// Package inmem implements the management registry on process-local maps,
// for tests and localhost clustering.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/mesh/registry"
)

// Registry implements registry.Registry in memory.
type Registry struct {
	now func() time.Time

	mu      sync.Mutex
	agents  map[string]*registry.AgentInfo
	clients map[string]*registry.ClientInfo
}

// Options configures the in-memory registry.
type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New constructs an empty in-memory registry.
func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:     now,
		agents:  make(map[string]*registry.AgentInfo),
		clients: make(map[string]*registry.ClientInfo),
	}
}

// RegisterAgent upserts the agent's record and refreshes LastSeen.
func (r *Registry) RegisterAgent(_ context.Context, handle, agentType, clientHandle string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[handle]; ok {
		info.AgentType = agentType
		info.ClientHandle = clientHandle
		info.Status = registry.StatusActive
		info.LastSeen = now
		return nil
	}
	r.agents[handle] = &registry.AgentInfo{
		Handle:       handle,
		AgentType:    agentType,
		ClientHandle: clientHandle,
		Status:       registry.StatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return nil
}

// DeactivateAgent marks the agent deactivated.
func (r *Registry) DeactivateAgent(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[handle]; ok {
		info.Status = registry.StatusDeactivated
		info.LastSeen = r.now()
	}
	return nil
}

// RegisterClient upserts the client's record and refreshes LastSeen.
func (r *Registry) RegisterClient(_ context.Context, handle string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.clients[handle]; ok {
		info.Status = registry.StatusActive
		info.LastSeen = now
		return nil
	}
	r.clients[handle] = &registry.ClientInfo{
		Handle:       handle,
		Status:       registry.StatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return nil
}

// DeactivateClient marks the client deactivated.
func (r *Registry) DeactivateClient(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.clients[handle]; ok {
		info.Status = registry.StatusDeactivated
		info.LastSeen = r.now()
	}
	return nil
}

// ListAgents returns agent records sorted by handle.
func (r *Registry) ListAgents(_ context.Context, status registry.Status) ([]registry.AgentInfo, error) {
	r.mu.Lock()
	out := make([]registry.AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, *info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// GetAgent returns one agent's record.
func (r *Registry) GetAgent(_ context.Context, handle string) (registry.AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[handle]
	if !ok {
		return registry.AgentInfo{}, registry.ErrNotFound
	}
	return *info, nil
}

// Statistics aggregates current contents.
func (r *Registry) Statistics(context.Context) (registry.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := registry.Statistics{AgentsByType: make(map[string]int)}
	for _, info := range r.agents {
		if info.Status == registry.StatusActive {
			stats.ActiveAgents++
		} else {
			stats.DeactivatedAgents++
		}
		stats.AgentsByType[info.AgentType]++
	}
	for _, info := range r.clients {
		if info.Status == registry.StatusActive {
			stats.ActiveClients++
		} else {
			stats.DeactivatedClients++
		}
	}
	return stats, nil
}

// PurgeOlderThan removes entries whose LastSeen is older than age.
func (r *Registry) PurgeOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := r.now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for handle, info := range r.agents {
		if info.LastSeen.Before(cutoff) {
			delete(r.agents, handle)
			purged++
		}
	}
	for handle, info := range r.clients {
		if info.LastSeen.Before(cutoff) {
			delete(r.clients, handle)
			purged++
		}
	}
	return purged, nil
}
