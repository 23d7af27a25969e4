// Package clientctx provides the external client's handle to the cluster: a
// Context bound to one client handle that installs itself as an observer and
// forwards operations to the client entity, plus a Factory that caches shared
// contexts per handle.
package clientctx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/message"
	"goa.design/mesh/node"
	"goa.design/mesh/observer"
	"goa.design/mesh/telemetry"
)

// RefreshInterval is how stale an observer subscription may get before the
// next operation re-subscribes. Observers expire after five minutes, so three
// minutes leaves comfortable slack.
const RefreshInterval = 3 * time.Minute

// DefaultResponseTimeout bounds request-response calls issued through the
// context.
const DefaultResponseTimeout = 30 * time.Second

// TrackedAgentsCacheTTL is how long a tracked-agent snapshot serves bulk
// IsAgentTracked checks before the next one re-reads the client entity. The
// cache is never invalidated by CreateAgent on another context; callers that
// need the authoritative answer probe the agent's health instead.
const TrackedAgentsCacheTTL = 5 * time.Second

type (
	// ClusterClient is the slice of the client entity surface the context
	// forwards to. *node.Client satisfies it.
	ClusterClient interface {
		Handle() string
		Subscribe(ctx context.Context, ref observer.Ref) error
		Unsubscribe(ref observer.Ref)
		CreateAgent(ctx context.Context, cfg behavior.AgentConfiguration) (string, error)
		SendMessage(ctx context.Context, msg message.AgentMessage) error
		SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error)
		SendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error
		AgentHealth(ctx context.Context, agentHandle string, detail behavior.HealthDetail) (node.AgentHealthStatus, error)
		TrackedAgents() map[string]node.TrackedAgent
		IsAgentTracked(agentHandle string) bool
	}

	// MessageHandler receives asynchronous messages delivered to the
	// context's observer.
	MessageHandler func(ctx context.Context, msg message.AgentMessage)

	// Options tunes a Context.
	Options struct {
		// OnMessage is invoked for each asynchronous message. Optional;
		// handlers can also be added later with AddMessageHandler.
		OnMessage MessageHandler
		// ResponseTimeout bounds SendAndReceiveMessage. Defaults to
		// DefaultResponseTimeout.
		ResponseTimeout time.Duration
		// Logger records delivery problems. Noop when nil.
		Logger telemetry.Logger
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Context is one external client's live connection to the cluster.
	Context struct {
		client          ClusterClient
		observerID      string
		responseTimeout time.Duration
		logger          telemetry.Logger
		now             func() time.Time

		mu          sync.Mutex
		handlers    []MessageHandler
		lastRefresh time.Time
		disposed    bool

		trackedCache   map[string]node.TrackedAgent
		trackedFetched time.Time
	}
)

var _ observer.Ref = (*Context)(nil)

// New connects the context: it subscribes itself as an observer on the
// client entity and is ready for use.
func New(ctx context.Context, client ClusterClient, opts Options) (*Context, error) {
	if client == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "client context requires a cluster client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	c := &Context{
		client:          client,
		observerID:      uuid.NewString(),
		responseTimeout: timeout,
		logger:          logger,
		now:             now,
	}
	if opts.OnMessage != nil {
		c.handlers = append(c.handlers, opts.OnMessage)
	}
	if err := client.Subscribe(ctx, c); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastRefresh = now()
	c.mu.Unlock()
	return c, nil
}

// Handle returns the client handle the context is bound to.
func (c *Context) Handle() string { return c.client.Handle() }

// ID implements observer.Ref.
func (c *Context) ID() string { return c.observerID }

// Deliver implements observer.Ref by fanning the message out to the
// registered handlers.
func (c *Context) Deliver(ctx context.Context, msg message.AgentMessage) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return faults.New(faults.KindDisposed, "client context for %q is disposed", c.client.Handle())
	}
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return nil
}

// AddMessageHandler registers an additional asynchronous message handler.
func (c *Context) AddMessageHandler(h MessageHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.handlers = append(c.handlers, h)
}

// CreateAgent provisions (or reuses) an agent owned by this client.
func (c *Context) CreateAgent(ctx context.Context, cfg behavior.AgentConfiguration) (string, error) {
	if err := c.ensureLive(ctx); err != nil {
		return "", err
	}
	return c.client.CreateAgent(ctx, cfg)
}

// SendMessage fires a one-way message at an agent.
func (c *Context) SendMessage(ctx context.Context, msg message.AgentMessage) error {
	if err := c.ensureLive(ctx); err != nil {
		return err
	}
	return c.client.SendMessage(ctx, msg)
}

// SendAndReceiveMessage runs a request-response exchange under the response
// timeout.
func (c *Context) SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	if err := c.ensureLive(ctx); err != nil {
		return message.AgentMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.responseTimeout)
	defer cancel()
	return c.client.SendAndReceiveMessage(ctx, msg)
}

// SendEvent publishes on an agent's event stream, or on a named stream when
// streamName is non-empty.
func (c *Context) SendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error {
	if err := c.ensureLive(ctx); err != nil {
		return err
	}
	return c.client.SendEvent(ctx, msg, streamName)
}

// AgentHealth reports an agent's health status.
func (c *Context) AgentHealth(ctx context.Context, agentHandle string, detail behavior.HealthDetail) (node.AgentHealthStatus, error) {
	if err := c.ensureLive(ctx); err != nil {
		return node.AgentHealthStatus{}, err
	}
	return c.client.AgentHealth(ctx, agentHandle, detail)
}

// TrackedAgents returns the client's tracked-agent directory.
func (c *Context) TrackedAgents(ctx context.Context) (map[string]node.TrackedAgent, error) {
	if err := c.ensureLive(ctx); err != nil {
		return nil, err
	}
	return c.trackedSnapshot(), nil
}

// IsAgentTracked reports whether the agent is in the client's directory,
// served from a snapshot at most TrackedAgentsCacheTTL old so bulk UI checks
// do not hammer the client entity.
func (c *Context) IsAgentTracked(ctx context.Context, agentHandle string) (bool, error) {
	if err := c.ensureLive(ctx); err != nil {
		return false, err
	}
	qualified := handle.EnsurePrefix(agentHandle, handle.Prefix(c.client.Handle()))
	_, ok := c.trackedSnapshot()[qualified]
	return ok, nil
}

// trackedSnapshot returns the cached tracked-agent directory, re-reading the
// client entity when the cache has expired.
func (c *Context) trackedSnapshot() map[string]node.TrackedAgent {
	c.mu.Lock()
	if c.trackedCache != nil && c.now().Sub(c.trackedFetched) <= TrackedAgentsCacheTTL {
		snapshot := c.trackedCache
		c.mu.Unlock()
		return snapshot
	}
	c.mu.Unlock()

	snapshot := c.client.TrackedAgents()
	c.mu.Lock()
	c.trackedCache = snapshot
	c.trackedFetched = c.now()
	c.mu.Unlock()
	return snapshot
}

// Disposed reports whether Dispose has been called.
func (c *Context) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Dispose unsubscribes the observer and clears local handlers. Subsequent
// operations fail with a disposed error. Dispose is idempotent.
func (c *Context) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.handlers = nil
	c.mu.Unlock()

	c.client.Unsubscribe(c)
}

// ensureLive fails on disposed contexts and lazily refreshes the observer
// subscription when it has gone stale.
func (c *Context) ensureLive(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return faults.New(faults.KindDisposed, "client context for %q is disposed", c.client.Handle())
	}
	stale := c.now().Sub(c.lastRefresh) > RefreshInterval
	if stale {
		c.lastRefresh = c.now()
	}
	c.mu.Unlock()

	if !stale {
		return nil
	}
	if err := c.client.Subscribe(ctx, c); err != nil {
		c.logger.Warn(ctx, "observer refresh failed", "client", c.client.Handle(), "error", err)
	}
	return nil
}
