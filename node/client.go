package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/message"
	"goa.design/mesh/observer"
	"goa.design/mesh/state"
	"goa.design/mesh/stream"
)

type (
	// TrackedAgent records an agent created through a client.
	TrackedAgent struct {
		AgentType string    `json:"agentType"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// pendingMessage is a chat message buffered while the client had no live
	// observers.
	pendingMessage struct {
		Message    message.AgentMessage `json:"message"`
		EnqueuedAt time.Time            `json:"enqueuedAt"`
	}

	// clientDoc is the persisted client state document.
	clientDoc struct {
		TrackedAgents   map[string]TrackedAgent `json:"trackedAgents,omitempty"`
		PendingMessages []pendingMessage        `json:"pendingMessages,omitempty"`
		LastModified    time.Time               `json:"lastModified"`
	}

	// clientGrain is one client activation. It owns the observer set and the
	// pending-message buffer that covers windows with no live observers.
	clientGrain struct {
		node *Node
		id   string

		lastSeenNano atomic.Int64
		observers    *observer.Manager

		mu        sync.Mutex
		activated bool
		doc       clientDoc
		sub       stream.Subscription
	}
)

func newClientGrain(n *Node, id string) *clientGrain {
	g := &clientGrain{
		node:      n,
		id:        id,
		observers: observer.NewManager(observer.Options{Logger: n.logger, Now: n.now}),
	}
	g.touch()
	return g
}

// activate loads persisted state, expires stale pending messages, and
// subscribes the client's chat stream. Idempotent.
func (g *clientGrain) activate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activated {
		return nil
	}
	data, err := g.node.state.Read(ctx, state.KindClient, g.id, state.SlotClientState)
	switch {
	case errors.Is(err, state.ErrNotFound):
		g.doc = clientDoc{}
	case err != nil:
		return faults.Wrap(faults.KindPersistence, err, "load client %q", g.id)
	default:
		if err := json.Unmarshal(data, &g.doc); err != nil {
			return faults.Wrap(faults.KindPersistence, err, "decode client %q", g.id)
		}
	}
	if g.purgePendingLocked() {
		if err := g.persistLocked(ctx); err != nil {
			g.node.logger.Warn(ctx, "pending purge persist failed", "client", g.id, "err", err)
		}
	}
	sub, err := g.node.stream.Subscribe(ctx, stream.NamespaceAgentChat, g.id, func(ctx context.Context, ev stream.Event) error {
		g.onChat(ctx, ev.Message)
		return nil
	})
	if err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "subscribe chat stream for client %q", g.id)
	}
	g.sub = sub
	g.activated = true
	if err := g.node.management.RegisterClient(ctx, g.id); err != nil {
		g.node.logger.Warn(ctx, "client registration failed", "client", g.id, "err", err)
	}
	g.node.logger.Debug(ctx, "client activated", "client", g.id,
		"pending", len(g.doc.PendingMessages), "tracked", len(g.doc.TrackedAgents))
	return nil
}

// purgePendingLocked drops pending messages older than the node's
// pending-queue expiry. Callers hold g.mu.
func (g *clientGrain) purgePendingLocked() bool {
	if len(g.doc.PendingMessages) == 0 {
		return false
	}
	cutoff := g.node.now().Add(-g.node.pendingMaxAge)
	kept := g.doc.PendingMessages[:0]
	for _, p := range g.doc.PendingMessages {
		if p.EnqueuedAt.After(cutoff) {
			kept = append(kept, p)
		}
	}
	purged := len(kept) != len(g.doc.PendingMessages)
	g.doc.PendingMessages = kept
	return purged
}

// onChat fans an inbound chat message out to live observers, falling back to
// the durable pending buffer when nobody is listening.
func (g *clientGrain) onChat(ctx context.Context, msg message.AgentMessage) {
	g.touch()
	if g.observers.Notify(ctx, msg) > 0 {
		return
	}
	g.mu.Lock()
	// An observer may have subscribed and drained the buffer between the
	// failed notify above and this point. Retry while holding the lock:
	// either the new observer takes the message here, or the append lands
	// before any later drain snapshot. Without this a message could sit in
	// the buffer with a live observer attached.
	if g.observers.Notify(ctx, msg) > 0 {
		g.mu.Unlock()
		return
	}
	g.doc.PendingMessages = append(g.doc.PendingMessages, pendingMessage{
		Message:    msg,
		EnqueuedAt: g.node.now(),
	})
	err := g.persistLocked(ctx)
	g.mu.Unlock()
	if err != nil {
		g.node.logger.Error(ctx, "pending message persist failed", "client", g.id, "err", err)
	}
}

// subscribe installs the observer and drains the pending buffer to it in
// enqueue order, exactly one drain attempt per message.
func (g *clientGrain) subscribe(ctx context.Context, ref observer.Ref) error {
	g.touch()
	g.mu.Lock()
	g.observers.Subscribe(ref)
	pending := g.doc.PendingMessages
	if len(pending) == 0 {
		g.mu.Unlock()
		return nil
	}
	g.doc.PendingMessages = nil
	err := g.persistLocked(ctx)
	g.mu.Unlock()
	if err != nil {
		g.node.logger.Error(ctx, "pending drain persist failed", "client", g.id, "err", err)
	}
	for _, p := range pending {
		if g.observers.Notify(ctx, p.Message) == 0 {
			g.node.logger.Warn(ctx, "pending message dropped, no live observer",
				"client", g.id, "from", p.Message.FromHandle)
			continue
		}
		g.node.metrics.IncCounter("mesh.client.pending_drained", 1, "client", g.id)
	}
	return nil
}

func (g *clientGrain) unsubscribe(ref observer.Ref) {
	g.touch()
	g.observers.Unsubscribe(ref)
}

// createAgent normalizes the handle, reuses a healthy tracked agent, and
// otherwise configures it, tracking the result.
func (g *clientGrain) createAgent(ctx context.Context, cfg behavior.AgentConfiguration) (string, error) {
	g.touch()
	h := handle.EnsurePrefix(cfg.Handle, handle.Prefix(g.id))
	if err := validateHandle(h); err != nil {
		return "", err
	}
	g.mu.Lock()
	_, tracked := g.doc.TrackedAgents[h]
	g.mu.Unlock()
	if tracked {
		status, err := g.node.AgentHealth(ctx, h, behavior.HealthBasic)
		if err == nil && status.IsConfigured && status.State == behavior.HealthHealthy {
			return h, nil
		}
		g.node.logger.Info(ctx, "tracked agent unhealthy, reconfiguring",
			"client", g.id, "handle", h, "err", err)
	}
	cfg.Handle = h
	if _, err := g.node.ConfigureAgent(ctx, cfg); err != nil {
		return "", err
	}
	g.mu.Lock()
	if g.doc.TrackedAgents == nil {
		g.doc.TrackedAgents = make(map[string]TrackedAgent)
	}
	if _, ok := g.doc.TrackedAgents[h]; !ok {
		g.doc.TrackedAgents[h] = TrackedAgent{AgentType: cfg.AgentType, CreatedAt: g.node.now()}
	}
	err := g.persistLocked(ctx)
	g.mu.Unlock()
	if err != nil {
		g.node.logger.Warn(ctx, "tracked agent persist failed", "client", g.id, "err", err)
	}
	return h, nil
}

// sendMessage publishes a fire-and-forget chat message to the target agent.
func (g *clientGrain) sendMessage(ctx context.Context, msg message.AgentMessage) error {
	g.touch()
	msg.FromHandle = g.id
	msg.ToHandle = handle.EnsurePrefix(msg.ToHandle, handle.Prefix(g.id))
	if err := validateHandle(msg.ToHandle); err != nil {
		return err
	}
	if msg.Kind == "" {
		msg.Kind = message.KindOneWay
	}
	return g.node.stream.Publish(ctx, stream.NamespaceAgentChat, msg.ToHandle, msg)
}

// sendAndReceive performs a request-response call to the target agent.
func (g *clientGrain) sendAndReceive(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	g.touch()
	msg.FromHandle = g.id
	msg.ToHandle = handle.EnsurePrefix(msg.ToHandle, handle.Prefix(g.id))
	if msg.Kind == "" {
		msg.Kind = message.KindRequest
	}
	return g.node.CallAgent(ctx, msg)
}

// sendEvent publishes on the event namespace, keyed by streamName when given
// and the normalized target handle otherwise.
func (g *clientGrain) sendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error {
	g.touch()
	msg.FromHandle = g.id
	if msg.Kind == "" {
		msg.Kind = message.KindOneWay
	}
	key := streamName
	if key == "" {
		key = handle.EnsurePrefix(msg.ToHandle, handle.Prefix(g.id))
		if err := validateHandle(key); err != nil {
			return err
		}
	}
	return g.node.stream.Publish(ctx, stream.NamespaceAgentEvent, key, msg)
}

// isAgentTracked reports whether the normalized handle is in the tracked
// directory.
func (g *clientGrain) isAgentTracked(h string) bool {
	h = handle.EnsurePrefix(h, handle.Prefix(g.id))
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.doc.TrackedAgents[h]
	return ok
}

// trackedAgents returns a snapshot of the agents created through this client.
func (g *clientGrain) trackedAgents() map[string]TrackedAgent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]TrackedAgent, len(g.doc.TrackedAgents))
	for h, t := range g.doc.TrackedAgents {
		out[h] = t
	}
	return out
}

// deactivate persists the document and releases the activation.
func (g *clientGrain) deactivate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.activated {
		return nil
	}
	if err := g.persistLocked(ctx); err != nil {
		g.node.logger.Error(ctx, "client persist failed on deactivation", "client", g.id, "err", err)
	}
	if g.sub != nil {
		if err := g.sub.Close(ctx); err != nil {
			g.node.logger.Warn(ctx, "client unsubscribe failed", "client", g.id, "err", err)
		}
		g.sub = nil
	}
	g.activated = false
	if err := g.node.management.DeactivateClient(ctx, g.id); err != nil {
		g.node.logger.Warn(ctx, "client deregistration failed", "client", g.id, "err", err)
	}
	g.node.logger.Debug(ctx, "client deactivated", "client", g.id)
	return nil
}

// persistLocked writes the whole client document. Callers hold g.mu.
func (g *clientGrain) persistLocked(ctx context.Context) error {
	g.doc.LastModified = g.node.now()
	data, err := json.Marshal(g.doc)
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "encode client %q", g.id)
	}
	if err := g.node.state.Write(ctx, state.KindClient, g.id, state.SlotClientState, data); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "persist client %q", g.id)
	}
	return nil
}

func (g *clientGrain) touch() {
	g.lastSeenNano.Store(time.Now().UnixNano())
}

func (g *clientGrain) lastActivity() time.Time {
	return time.Unix(0, g.lastSeenNano.Load())
}

// Client is the public surface of one client entity. Values are cheap
// references to the underlying activation and remain valid until the client
// is deactivated.
type Client struct {
	grain *clientGrain
}

// Handle returns the client's handle.
func (c *Client) Handle() string { return c.grain.id }

// Subscribe installs an observer and drains buffered messages to it.
// Subscribing an already-present observer ID refreshes its expiry.
func (c *Client) Subscribe(ctx context.Context, ref observer.Ref) error {
	return c.grain.subscribe(ctx, ref)
}

// Unsubscribe removes the observer. Unknown observers are a no-op.
func (c *Client) Unsubscribe(ref observer.Ref) {
	c.grain.unsubscribe(ref)
}

// CreateAgent ensures the named agent exists, is configured, and is tracked
// by this client. The returned handle is fully qualified.
func (c *Client) CreateAgent(ctx context.Context, cfg behavior.AgentConfiguration) (string, error) {
	return c.grain.createAgent(ctx, cfg)
}

// SendMessage publishes a fire-and-forget chat message to the target agent.
// Bare agent names are qualified with this client's prefix.
func (c *Client) SendMessage(ctx context.Context, msg message.AgentMessage) error {
	return c.grain.sendMessage(ctx, msg)
}

// SendAndReceiveMessage performs a request-response call to the target agent
// under the node's response timeout.
func (c *Client) SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	return c.grain.sendAndReceive(ctx, msg)
}

// SendEvent publishes an event, keyed by streamName when non-empty and by the
// normalized target handle otherwise.
func (c *Client) SendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error {
	return c.grain.sendEvent(ctx, msg, streamName)
}

// AgentHealth probes one of this client's agents.
func (c *Client) AgentHealth(ctx context.Context, agentHandle string, detail behavior.HealthDetail) (AgentHealthStatus, error) {
	h := handle.EnsurePrefix(agentHandle, handle.Prefix(c.grain.id))
	return c.grain.node.AgentHealth(ctx, h, detail)
}

// TrackedAgents returns the agents created through this client.
func (c *Client) TrackedAgents() map[string]TrackedAgent {
	return c.grain.trackedAgents()
}

// IsAgentTracked reports whether the agent is in this client's directory.
// Bare agent names are qualified with the client's prefix.
func (c *Client) IsAgentTracked(agentHandle string) bool {
	return c.grain.isAgentTracked(agentHandle)
}
