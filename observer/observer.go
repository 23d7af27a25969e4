// Package observer implements the per-client observer set. Observers are
// references installed by external clients to receive asynchronous messages;
// entries expire after a TTL unless refreshed by a new Subscribe, and
// per-observer delivery failures never break fan-out.
package observer

import (
	"context"
	"sync"
	"time"

	"goa.design/mesh/message"
	"goa.design/mesh/telemetry"
)

// DefaultTTL is the cluster-wide observer expiry applied when Options.TTL is
// zero.
const DefaultTTL = 5 * time.Minute

// Ref is a callback target registered by an external client. Implementations
// must have a stable ID; subscribing the same ID twice refreshes the entry
// instead of duplicating it.
type Ref interface {
	// ID identifies the observer within one client's set.
	ID() string
	// Deliver hands a message to the external client.
	Deliver(ctx context.Context, msg message.AgentMessage) error
}

// Options configures a Manager.
type Options struct {
	// TTL is the observer expiry. Defaults to DefaultTTL.
	TTL time.Duration
	// Logger records per-observer delivery failures. Noop when nil.
	Logger telemetry.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns one client's observer set. It is safe for concurrent use,
// although in practice the owning client activation serializes access.
type Manager struct {
	ttl    time.Duration
	logger telemetry.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ref      Ref
	lastSeen time.Time
}

// NewManager constructs an observer manager.
func NewManager(opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		ttl:     ttl,
		logger:  logger,
		now:     now,
		entries: make(map[string]*entry),
	}
}

// Subscribe inserts the observer or refreshes its expiry when the ID is
// already present.
func (m *Manager) Subscribe(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ref.ID()]; ok {
		e.ref = ref
		e.lastSeen = m.now()
		return
	}
	m.entries[ref.ID()] = &entry{ref: ref, lastSeen: m.now()}
}

// Unsubscribe removes the observer. Unknown IDs are a no-op.
func (m *Manager) Unsubscribe(ref Ref) {
	m.mu.Lock()
	delete(m.entries, ref.ID())
	m.mu.Unlock()
}

// Notify delivers the message to every non-expired observer. Observers whose
// Deliver fails are logged and dropped from the set. Returns the number of
// successful deliveries.
func (m *Manager) Notify(ctx context.Context, msg message.AgentMessage) int {
	refs := m.live()
	delivered := 0
	for _, ref := range refs {
		if err := ref.Deliver(ctx, msg); err != nil {
			m.logger.Warn(ctx, "observer delivery failed", "observer", ref.ID(), "err", err)
			m.mu.Lock()
			delete(m.entries, ref.ID())
			m.mu.Unlock()
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live observers after an expiry sweep.
func (m *Manager) Count() int {
	return len(m.live())
}

// live sweeps expired entries and returns the remaining refs.
func (m *Manager) live() []Ref {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]Ref, 0, len(m.entries))
	for id, e := range m.entries {
		if now.Sub(e.lastSeen) > m.ttl {
			delete(m.entries, id)
			continue
		}
		refs = append(refs, e.ref)
	}
	return refs
}
