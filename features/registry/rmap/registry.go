// Package rmap implements the management registry on a Pulse replicated map.
// Records live in Redis-backed rmaps, one for agents and one for clients, so
// every node in the cluster shares the same view and registrations survive
// process restarts.
package rmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/mesh/faults"
	"goa.design/mesh/registry"
)

const (
	agentsMapName  = "mesh:registry:agents"
	clientsMapName = "mesh:registry:clients"
)

type (
	// Map is the minimal replicated-map contract required by the registry.
	// It is satisfied by *rmap.Map from goa.design/pulse/rmap and defined
	// here so the registry stays unit-testable without Redis.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Options configures the replicated registry.
	Options struct {
		// Redis is the connection backing the replicated maps. Required
		// unless Agents and Clients are provided directly.
		Redis *redis.Client
		// Agents and Clients override the replicated maps, primarily for
		// tests.
		Agents  Map
		Clients Map
		// Prefix namespaces the map names, for multi-cluster Redis
		// deployments.
		Prefix string
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Registry implements registry.Registry on replicated maps.
	Registry struct {
		agents  Map
		clients Map
		now     func() time.Time
	}
)

var _ registry.Registry = (*Registry)(nil)

// New joins the replicated maps and returns the registry.
func New(ctx context.Context, opts Options) (*Registry, error) {
	agents, clients := opts.Agents, opts.Clients
	if agents == nil || clients == nil {
		if opts.Redis == nil {
			return nil, faults.New(faults.KindInvalidConfiguration, "rmap registry requires a redis client")
		}
		var err error
		agents, err = rmap.Join(ctx, opts.Prefix+agentsMapName, opts.Redis)
		if err != nil {
			return nil, faults.Wrap(faults.KindSubstrateTransient, err, "join agents map")
		}
		clients, err = rmap.Join(ctx, opts.Prefix+clientsMapName, opts.Redis)
		if err != nil {
			return nil, faults.Wrap(faults.KindSubstrateTransient, err, "join clients map")
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{agents: agents, clients: clients, now: now}, nil
}

// RegisterAgent upserts the agent record, preserving RegisteredAt across
// refreshes.
func (r *Registry) RegisterAgent(ctx context.Context, handle, agentType, clientHandle string) error {
	now := r.now().UTC()
	info := registry.AgentInfo{
		Handle:       handle,
		AgentType:    agentType,
		ClientHandle: clientHandle,
		Status:       registry.StatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if existing, ok := r.getAgent(handle); ok {
		info.RegisteredAt = existing.RegisteredAt
	}
	return r.setAgent(ctx, info)
}

// DeactivateAgent flips the record to deactivated. Unknown handles are a
// no-op.
func (r *Registry) DeactivateAgent(ctx context.Context, handle string) error {
	info, ok := r.getAgent(handle)
	if !ok {
		return nil
	}
	info.Status = registry.StatusDeactivated
	info.LastSeen = r.now().UTC()
	return r.setAgent(ctx, info)
}

// RegisterClient upserts the client record, preserving RegisteredAt across
// refreshes.
func (r *Registry) RegisterClient(ctx context.Context, handle string) error {
	now := r.now().UTC()
	info := registry.ClientInfo{
		Handle:       handle,
		Status:       registry.StatusActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if existing, ok := r.getClient(handle); ok {
		info.RegisteredAt = existing.RegisteredAt
	}
	return r.setClient(ctx, info)
}

// DeactivateClient flips the record to deactivated. Unknown handles are a
// no-op.
func (r *Registry) DeactivateClient(ctx context.Context, handle string) error {
	info, ok := r.getClient(handle)
	if !ok {
		return nil
	}
	info.Status = registry.StatusDeactivated
	info.LastSeen = r.now().UTC()
	return r.setClient(ctx, info)
}

// ListAgents returns agent records sorted by handle, filtered by status when
// non-empty.
func (r *Registry) ListAgents(_ context.Context, status registry.Status) ([]registry.AgentInfo, error) {
	var out []registry.AgentInfo
	for _, key := range r.agents.Keys() {
		info, ok := r.getAgent(key)
		if !ok {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// GetAgent returns one agent's record or registry.ErrNotFound.
func (r *Registry) GetAgent(_ context.Context, handle string) (registry.AgentInfo, error) {
	info, ok := r.getAgent(handle)
	if !ok {
		return registry.AgentInfo{}, registry.ErrNotFound
	}
	return info, nil
}

// Statistics aggregates the registry's current contents.
func (r *Registry) Statistics(_ context.Context) (registry.Statistics, error) {
	stats := registry.Statistics{AgentsByType: make(map[string]int)}
	for _, key := range r.agents.Keys() {
		info, ok := r.getAgent(key)
		if !ok {
			continue
		}
		if info.Status == registry.StatusActive {
			stats.ActiveAgents++
			stats.AgentsByType[info.AgentType]++
		} else {
			stats.DeactivatedAgents++
		}
	}
	for _, key := range r.clients.Keys() {
		info, ok := r.getClient(key)
		if !ok {
			continue
		}
		if info.Status == registry.StatusActive {
			stats.ActiveClients++
		} else {
			stats.DeactivatedClients++
		}
	}
	return stats, nil
}

// PurgeOlderThan removes records whose LastSeen is older than age.
func (r *Registry) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-age)
	removed := 0
	for _, key := range r.agents.Keys() {
		info, ok := r.getAgent(key)
		if !ok || !info.LastSeen.Before(cutoff) {
			continue
		}
		if _, err := r.agents.Delete(ctx, key); err != nil {
			return removed, faults.Wrap(faults.KindSubstrateTransient, err, "purge agent %q", key)
		}
		removed++
	}
	for _, key := range r.clients.Keys() {
		info, ok := r.getClient(key)
		if !ok || !info.LastSeen.Before(cutoff) {
			continue
		}
		if _, err := r.clients.Delete(ctx, key); err != nil {
			return removed, faults.Wrap(faults.KindSubstrateTransient, err, "purge client %q", key)
		}
		removed++
	}
	return removed, nil
}

func (r *Registry) getAgent(handle string) (registry.AgentInfo, bool) {
	val, ok := r.agents.Get(handle)
	if !ok {
		return registry.AgentInfo{}, false
	}
	var info registry.AgentInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return registry.AgentInfo{}, false
	}
	return info, true
}

func (r *Registry) setAgent(ctx context.Context, info registry.AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent %q: %w", info.Handle, err)
	}
	if _, err := r.agents.Set(ctx, info.Handle, string(data)); err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "store agent %q", info.Handle)
	}
	return nil
}

func (r *Registry) getClient(handle string) (registry.ClientInfo, bool) {
	val, ok := r.clients.Get(handle)
	if !ok {
		return registry.ClientInfo{}, false
	}
	var info registry.ClientInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return registry.ClientInfo{}, false
	}
	return info, true
}

func (r *Registry) setClient(ctx context.Context, info registry.ClientInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal client %q: %w", info.Handle, err)
	}
	if _, err := r.clients.Set(ctx, info.Handle, string(data)); err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "store client %q", info.Handle)
	}
	return nil
}

// MapNames returns the replicated map names used with the given prefix,
// useful for operational tooling that inspects Redis directly.
func MapNames(prefix string) (agents, clients string) {
	prefix = strings.TrimSpace(prefix)
	return prefix + agentsMapName, prefix + clientsMapName
}
