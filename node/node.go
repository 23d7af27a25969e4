// Package node implements the cluster substrate for a single process: it
// hosts agent and client entities with single-activation semantics, routes
// requests to them by handle, and wires streams, durable state, reminders,
// and the management registry together. Each entity serializes its handlers
// on a per-grain mutex, so hosted code never sees two invocations at once;
// across entities execution is parallel.
package node

import (
	"context"
	"sync"
	"time"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/registry"
	regmem "goa.design/mesh/registry/inmem"
	"goa.design/mesh/reminder"
	"goa.design/mesh/reminder/local"
	"goa.design/mesh/state"
	"goa.design/mesh/stream"
	"goa.design/mesh/telemetry"
)

// Defaults applied to zero Options fields.
const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultPendingMaxAge   = time.Hour
)

type (
	// Options configures a Node.
	Options struct {
		// Behaviors resolves agent type aliases. Required.
		Behaviors *behavior.Registry
		// Stream carries chat and event traffic. Required.
		Stream stream.Provider
		// State persists entity documents. Required.
		State state.Store
		// Management is the cluster management registry. Defaults to an
		// in-memory registry.
		Management registry.Registry
		// Reminders schedules durable reminders. Defaults to the local
		// service over State, targeting this node.
		Reminders reminder.Service
		// Models are the named model clients handed to behaviors.
		Models map[string]model.Client
		// Logger, Metrics, and Tracer instrument the node. Noop when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// ResponseTimeout bounds request-response calls. Defaults to
		// DefaultResponseTimeout.
		ResponseTimeout time.Duration
		// PendingMaxAge is the client pending-queue expiry applied at
		// rehydration. Defaults to DefaultPendingMaxAge.
		PendingMaxAge time.Duration
		// IdleTimeout, when positive, deactivates entities idle for longer
		// than this via a background sweep.
		IdleTimeout time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Node hosts the entities of one process.
	Node struct {
		behaviors  *behavior.Registry
		stream     stream.Provider
		state      state.Store
		management registry.Registry
		reminders  reminder.Service
		restorer   reminderRestorer
		models     map[string]model.Client
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		responseTimeout time.Duration
		pendingMaxAge   time.Duration
		idleTimeout     time.Duration
		now             func() time.Time

		mu      sync.Mutex
		agents  map[string]*agentGrain
		clients map[string]*clientGrain
		closed  bool

		sweepDone chan struct{}
	}

	// reminderRestorer is implemented by reminder services that can
	// reschedule persisted registrations on activation.
	reminderRestorer interface {
		Restore(ctx context.Context, agentHandle string) error
	}
)

// New constructs a node. Missing optional dependencies fall back to local
// implementations so a zero-infrastructure node still runs.
func New(opts Options) (*Node, error) {
	if opts.Behaviors == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "node requires a behavior registry")
	}
	if opts.Stream == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "node requires a stream provider")
	}
	if opts.State == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "node requires a state store")
	}
	n := &Node{
		behaviors:       opts.Behaviors,
		stream:          opts.Stream,
		state:           opts.State,
		management:      opts.Management,
		reminders:       opts.Reminders,
		models:          opts.Models,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		responseTimeout: opts.ResponseTimeout,
		pendingMaxAge:   opts.PendingMaxAge,
		idleTimeout:     opts.IdleTimeout,
		now:             opts.Now,
		agents:          make(map[string]*agentGrain),
		clients:         make(map[string]*clientGrain),
	}
	if n.logger == nil {
		n.logger = telemetry.NoopLogger{}
	}
	if n.metrics == nil {
		n.metrics = telemetry.NoopMetrics{}
	}
	if n.tracer == nil {
		n.tracer = telemetry.NoopTracer{}
	}
	if n.management == nil {
		n.management = regmem.New(regmem.Options{})
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.responseTimeout <= 0 {
		n.responseTimeout = DefaultResponseTimeout
	}
	if n.pendingMaxAge <= 0 {
		n.pendingMaxAge = DefaultPendingMaxAge
	}
	if n.reminders == nil {
		svc, err := local.New(local.Options{Store: n.state, Target: n, Logger: n.logger, Now: n.now})
		if err != nil {
			return nil, err
		}
		n.reminders = svc
	}
	if r, ok := n.reminders.(reminderRestorer); ok {
		n.restorer = r
	}
	if n.idleTimeout > 0 {
		n.sweepDone = make(chan struct{})
		go n.sweepIdle()
	}
	return n, nil
}

// ConfigureAgent creates or reconfigures the agent at the given qualified
// handle and returns its health snapshot. An already-configured agent that
// is not forced keeps its configuration; the snapshot reflects the live
// activation either way.
func (n *Node) ConfigureAgent(ctx context.Context, cfg behavior.AgentConfiguration) (AgentHealthStatus, error) {
	g, err := n.agent(ctx, cfg.Handle)
	if err != nil {
		return AgentHealthStatus{}, err
	}
	if err := g.configure(ctx, cfg); err != nil {
		return AgentHealthStatus{}, err
	}
	return g.health(ctx, behavior.HealthBasic), nil
}

// CallAgent performs a request-response invocation of the target agent's
// OnMessage, activating it if needed, under the node's response timeout.
func (n *Node) CallAgent(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	g, err := n.agent(ctx, msg.ToHandle)
	if err != nil {
		return message.AgentMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.responseTimeout)
	defer cancel()
	resp, err := g.onMessage(ctx, msg)
	if err != nil {
		return message.AgentMessage{}, err
	}
	if resp == nil {
		return message.AgentMessage{
			FromHandle: msg.ToHandle,
			ToHandle:   msg.FromHandle,
			Kind:       message.KindResponse,
		}, nil
	}
	return *resp, nil
}

// AgentHealth probes the agent at the requested detail, activating it if
// needed. The local dispatch avoids a self-RPC when an agent probes itself.
func (n *Node) AgentHealth(ctx context.Context, handle string, detail behavior.HealthDetail) (AgentHealthStatus, error) {
	g, err := n.agent(ctx, handle)
	if err != nil {
		return AgentHealthStatus{}, err
	}
	return g.health(ctx, detail), nil
}

// DeliverReminder implements reminder.Target by dispatching the synthetic
// self-message to the owning agent, reactivating it if needed.
func (n *Node) DeliverReminder(ctx context.Context, agentHandle string, msg message.AgentMessage) error {
	g, err := n.agent(ctx, agentHandle)
	if err != nil {
		return err
	}
	_, err = g.onMessage(ctx, msg)
	return err
}

// Client returns the activated client entity for clientID, creating it on
// first use.
func (n *Node) Client(ctx context.Context, clientID string) (*Client, error) {
	if err := validateHandle(clientID); err != nil {
		return nil, err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, faults.New(faults.KindDisposed, "node is closed")
	}
	g, ok := n.clients[clientID]
	if !ok {
		g = newClientGrain(n, clientID)
		n.clients[clientID] = g
	}
	n.mu.Unlock()
	if err := g.activate(ctx); err != nil {
		n.evictClient(clientID, g)
		return nil, err
	}
	return &Client{grain: g}, nil
}

// DeactivateAgent flushes and shuts down the agent's activation. State
// survives; the next call reactivates it.
func (n *Node) DeactivateAgent(ctx context.Context, handle string) error {
	n.mu.Lock()
	g, ok := n.agents[handle]
	if ok {
		delete(n.agents, handle)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return g.deactivate(ctx)
}

// DeactivateClient persists and shuts down the client's activation.
func (n *Node) DeactivateClient(ctx context.Context, clientID string) error {
	n.mu.Lock()
	g, ok := n.clients[clientID]
	if ok {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return g.deactivate(ctx)
}

// Close deactivates every entity and stops background work.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	agents := n.agents
	clients := n.clients
	n.agents = make(map[string]*agentGrain)
	n.clients = make(map[string]*clientGrain)
	sweepDone := n.sweepDone
	n.mu.Unlock()

	if sweepDone != nil {
		close(sweepDone)
	}
	var firstErr error
	for _, g := range agents {
		if err := g.deactivate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, g := range clients {
		if err := g.deactivate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := n.reminders.(interface{ Close() }); ok {
		closer.Close()
	}
	return firstErr
}

// agent returns the activated agent grain for handle, creating it on first
// use.
func (n *Node) agent(ctx context.Context, handle string) (*agentGrain, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, faults.New(faults.KindDisposed, "node is closed")
	}
	g, ok := n.agents[handle]
	if !ok {
		g = newAgentGrain(n, handle)
		n.agents[handle] = g
	}
	n.mu.Unlock()
	if err := g.activate(ctx); err != nil {
		n.evictAgent(handle, g)
		return nil, err
	}
	return g, nil
}

func (n *Node) evictAgent(handle string, g *agentGrain) {
	n.mu.Lock()
	if n.agents[handle] == g {
		delete(n.agents, handle)
	}
	n.mu.Unlock()
}

func (n *Node) evictClient(clientID string, g *clientGrain) {
	n.mu.Lock()
	if n.clients[clientID] == g {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()
}

// sweepIdle periodically deactivates entities with no recent traffic.
func (n *Node) sweepIdle() {
	ticker := time.NewTicker(n.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := n.now().Add(-n.idleTimeout)
			ctx := context.Background()
			n.mu.Lock()
			var agents []string
			for handle, g := range n.agents {
				if g.lastActivity().Before(cutoff) {
					agents = append(agents, handle)
				}
			}
			var clients []string
			for id, g := range n.clients {
				if g.lastActivity().Before(cutoff) {
					clients = append(clients, id)
				}
			}
			n.mu.Unlock()
			for _, handle := range agents {
				if err := n.DeactivateAgent(ctx, handle); err != nil {
					n.logger.Warn(ctx, "idle agent deactivation failed", "handle", handle, "err", err)
				}
			}
			for _, id := range clients {
				if err := n.DeactivateClient(ctx, id); err != nil {
					n.logger.Warn(ctx, "idle client deactivation failed", "client", id, "err", err)
				}
			}
		case <-n.sweepDone:
			return
		}
	}
}

func validateHandle(h string) error {
	if err := handle.Validate(h); err != nil {
		return faults.Wrap(faults.KindInvalidHandle, err, "handle %q", h)
	}
	return nil
}
