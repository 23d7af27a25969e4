package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/registry"
)

func TestRegisterAgentUpsertsAndRefreshes(t *testing.T) {
	now := time.Now()
	clock := &now
	r := New(Options{Now: func() time.Time { return *clock }})
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, "u1:bot", "echo", "u1"))
	first, err := r.GetAgent(ctx, "u1:bot")
	require.NoError(t, err)
	require.Equal(t, registry.StatusActive, first.Status)

	later := now.Add(time.Minute)
	clock = &later
	require.NoError(t, r.RegisterAgent(ctx, "u1:bot", "planner", "u1"))
	second, err := r.GetAgent(ctx, "u1:bot")
	require.NoError(t, err)
	require.Equal(t, "planner", second.AgentType)
	require.Equal(t, first.RegisteredAt, second.RegisteredAt)
	require.True(t, second.LastSeen.After(first.LastSeen))
}

func TestGetAgentUnknownHandle(t *testing.T) {
	r := New(Options{})
	_, err := r.GetAgent(context.Background(), "nope")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDeactivateThenReregister(t *testing.T) {
	r := New(Options{})
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, "u1:bot", "echo", "u1"))
	require.NoError(t, r.DeactivateAgent(ctx, "u1:bot"))
	info, err := r.GetAgent(ctx, "u1:bot")
	require.NoError(t, err)
	require.Equal(t, registry.StatusDeactivated, info.Status)

	require.NoError(t, r.RegisterAgent(ctx, "u1:bot", "echo", "u1"))
	info, err = r.GetAgent(ctx, "u1:bot")
	require.NoError(t, err)
	require.Equal(t, registry.StatusActive, info.Status)

	require.NoError(t, r.DeactivateAgent(ctx, "ghost"))
}

func TestListAgentsFiltersAndSorts(t *testing.T) {
	r := New(Options{})
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, "u1:zeta", "echo", "u1"))
	require.NoError(t, r.RegisterAgent(ctx, "u1:alpha", "echo", "u1"))
	require.NoError(t, r.RegisterAgent(ctx, "u2:beta", "planner", "u2"))
	require.NoError(t, r.DeactivateAgent(ctx, "u2:beta"))

	all, err := r.ListAgents(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "u1:alpha", all[0].Handle)
	require.Equal(t, "u2:beta", all[2].Handle)

	active, err := r.ListAgents(ctx, registry.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestStatistics(t *testing.T) {
	r := New(Options{})
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, "u1:a", "echo", "u1"))
	require.NoError(t, r.RegisterAgent(ctx, "u1:b", "echo", "u1"))
	require.NoError(t, r.RegisterAgent(ctx, "u1:c", "planner", "u1"))
	require.NoError(t, r.DeactivateAgent(ctx, "u1:c"))
	require.NoError(t, r.RegisterClient(ctx, "u1"))
	require.NoError(t, r.RegisterClient(ctx, "u2"))
	require.NoError(t, r.DeactivateClient(ctx, "u2"))

	stats, err := r.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ActiveAgents)
	require.Equal(t, 1, stats.DeactivatedAgents)
	require.Equal(t, 1, stats.ActiveClients)
	require.Equal(t, 1, stats.DeactivatedClients)
	require.Equal(t, map[string]int{"echo": 2, "planner": 1}, stats.AgentsByType)
}

func TestPurgeOlderThan(t *testing.T) {
	now := time.Now()
	clock := &now
	r := New(Options{Now: func() time.Time { return *clock }})
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, "u1:old", "echo", "u1"))
	require.NoError(t, r.RegisterClient(ctx, "stale"))

	later := now.Add(3 * time.Hour)
	clock = &later
	require.NoError(t, r.RegisterAgent(ctx, "u1:fresh", "echo", "u1"))

	purged, err := r.PurgeOlderThan(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	_, err = r.GetAgent(ctx, "u1:old")
	require.ErrorIs(t, err, registry.ErrNotFound)
	_, err = r.GetAgent(ctx, "u1:fresh")
	require.NoError(t, err)
}
