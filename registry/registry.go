// Package registry defines the cluster-wide management registry: a live view
// of which agents and clients exist, who owns what, and when each was last
// seen. Nodes report activations and deactivations; operators query it for
// inventory and statistics. The production backend lives in
// features/registry/rmap; package inmem serves tests and localhost
// clustering.
package registry

import (
	"context"
	"errors"
	"time"
)

type (
	// Status classifies a registry entry.
	Status string

	// AgentInfo is the registry's record of one agent.
	AgentInfo struct {
		Handle       string    `json:"handle"`
		AgentType    string    `json:"agentType"`
		ClientHandle string    `json:"clientHandle"`
		Status       Status    `json:"status"`
		RegisteredAt time.Time `json:"registeredAt"`
		LastSeen     time.Time `json:"lastSeen"`
	}

	// ClientInfo is the registry's record of one client.
	ClientInfo struct {
		Handle       string    `json:"handle"`
		Status       Status    `json:"status"`
		RegisteredAt time.Time `json:"registeredAt"`
		LastSeen     time.Time `json:"lastSeen"`
	}

	// Statistics aggregates the registry's contents.
	Statistics struct {
		ActiveAgents       int            `json:"activeAgents"`
		DeactivatedAgents  int            `json:"deactivatedAgents"`
		ActiveClients      int            `json:"activeClients"`
		DeactivatedClients int            `json:"deactivatedClients"`
		AgentsByType       map[string]int `json:"agentsByType"`
	}

	// Registry tracks live agents and clients across the cluster.
	Registry interface {
		// RegisterAgent upserts the agent's record and refreshes LastSeen.
		RegisterAgent(ctx context.Context, handle, agentType, clientHandle string) error
		// DeactivateAgent marks the agent deactivated. Unknown handles are a
		// no-op.
		DeactivateAgent(ctx context.Context, handle string) error
		// RegisterClient upserts the client's record and refreshes LastSeen.
		RegisterClient(ctx context.Context, handle string) error
		// DeactivateClient marks the client deactivated. Unknown handles are
		// a no-op.
		DeactivateClient(ctx context.Context, handle string) error
		// ListAgents returns agent records, filtered by status when status
		// is non-empty, sorted by handle.
		ListAgents(ctx context.Context, status Status) ([]AgentInfo, error)
		// GetAgent returns one agent's record or ErrNotFound.
		GetAgent(ctx context.Context, handle string) (AgentInfo, error)
		// Statistics aggregates current contents.
		Statistics(ctx context.Context) (Statistics, error)
		// PurgeOlderThan removes entries whose LastSeen is older than age
		// and returns how many were removed.
		PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
	}
)

const (
	// StatusActive marks an entry with a live activation.
	StatusActive Status = "active"
	// StatusDeactivated marks an entry whose activation shut down.
	StatusDeactivated Status = "deactivated"
)

// ErrNotFound is returned by GetAgent for unknown handles.
var ErrNotFound = errors.New("registry: not found")
