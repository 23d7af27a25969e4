package node

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/history"
	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/reminder"
	"goa.design/mesh/stream"
	"goa.design/mesh/telemetry"
)

// agentHost exposes the runtime surface to the hosted behavior. Its methods
// are invoked from behavior handlers, which already run under the grain
// serializer, so grain state is accessed without re-locking.
type agentHost struct {
	g *agentGrain
}

var _ behavior.Host = (*agentHost)(nil)

func (h *agentHost) Handle() string           { return h.g.handle }
func (h *agentHost) Logger() telemetry.Logger { return h.g.node.logger }

// SendMessage publishes a fire-and-forget chat message to the target's chat
// stream.
func (h *agentHost) SendMessage(ctx context.Context, msg message.AgentMessage) error {
	if msg.FromHandle == "" {
		msg.FromHandle = h.g.handle
	}
	msg.ToHandle = h.normalize(msg.ToHandle)
	if err := validateHandle(msg.ToHandle); err != nil {
		return err
	}
	if msg.Kind == "" {
		msg.Kind = message.KindOneWay
	}
	return h.g.node.stream.Publish(ctx, stream.NamespaceAgentChat, msg.ToHandle, msg)
}

// SendAndReceiveMessage invokes the target agent directly and returns its
// response.
func (h *agentHost) SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	if msg.FromHandle == "" {
		msg.FromHandle = h.g.handle
	}
	msg.ToHandle = h.normalize(msg.ToHandle)
	if msg.Kind == "" {
		msg.Kind = message.KindRequest
	}
	if msg.ToHandle == h.g.handle {
		return message.AgentMessage{}, faults.New(faults.KindInvalidHandle,
			"agent %q cannot send a request to itself", h.g.handle)
	}
	return h.g.node.CallAgent(ctx, msg)
}

// SendEvent publishes on the event namespace. A non-empty streamName
// addresses that stream verbatim; otherwise the normalized target handle is
// the key.
func (h *agentHost) SendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error {
	if msg.FromHandle == "" {
		msg.FromHandle = h.g.handle
	}
	if msg.Kind == "" {
		msg.Kind = message.KindOneWay
	}
	key := streamName
	if key == "" {
		key = h.normalize(msg.ToHandle)
		if err := validateHandle(key); err != nil {
			return err
		}
	}
	return h.g.node.stream.Publish(ctx, stream.NamespaceAgentEvent, key, msg)
}

// RegisterTimer installs or replaces a per-activation timer.
func (h *agentHost) RegisterTimer(name, messageType, body string, due, period time.Duration) error {
	if name == "" {
		return faults.New(faults.KindInvalidConfiguration, "timer name is required")
	}
	g := h.g
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	if existing, ok := g.timers[name]; ok {
		existing.timer.Stop()
	}
	t := &agentTimer{period: period}
	t.timer = time.AfterFunc(due, func() { g.fireTimer(name, messageType, body) })
	g.timers[name] = t
	return nil
}

// UnregisterTimer stops and removes the named timer.
func (h *agentHost) UnregisterTimer(name string) {
	g := h.g
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	if t, ok := g.timers[name]; ok {
		t.timer.Stop()
		delete(g.timers, name)
	}
}

// RegisterReminder installs a durable reminder through the node's reminder
// service.
func (h *agentHost) RegisterReminder(ctx context.Context, name, messageType, body string, due, period time.Duration) error {
	if name == "" {
		return faults.New(faults.KindInvalidConfiguration, "reminder name is required")
	}
	return h.g.node.reminders.Register(ctx, reminder.Registration{
		AgentHandle: h.g.handle,
		Name:        name,
		MessageType: messageType,
		Body:        body,
		NextFire:    h.g.node.now().Add(due),
		Period:      period,
	})
}

func (h *agentHost) UnregisterReminder(ctx context.Context, name string) error {
	return h.g.node.reminders.Unregister(ctx, h.g.handle, name)
}

// History returns the provider for threadID, creating and tracking it on
// first use.
func (h *agentHost) History(threadID string) *history.Provider {
	return h.g.historyLocked(threadID)
}

// GetState reads through the buffered changes to the persisted custom state.
func (h *agentHost) GetState(key string) (json.RawMessage, bool) {
	g := h.g
	if v, ok := g.pendingChanges[key]; ok {
		return v, true
	}
	if g.pendingDeletes[key] {
		return nil, false
	}
	v, ok := g.doc.CustomState[key]
	return v, ok
}

// SetState buffers a custom-state write until the next flush.
func (h *agentHost) SetState(key string, value json.RawMessage) {
	delete(h.g.pendingDeletes, key)
	h.g.pendingChanges[key] = value
}

// DeleteState buffers a custom-state delete until the next flush.
func (h *agentHost) DeleteState(key string) {
	delete(h.g.pendingChanges, key)
	h.g.pendingDeletes[key] = true
}

// Model resolves a named model client from the node.
func (h *agentHost) Model(name string) (model.Client, bool) {
	c, ok := h.g.node.models[name]
	return c, ok
}

// normalize qualifies a bare agent name with this agent's owner prefix. The
// owner's own handle stays bare so agents can address their owning client.
func (h *agentHost) normalize(target string) string {
	owner, ok := handle.Owner(h.g.handle)
	if !ok || target == owner {
		return target
	}
	return handle.EnsurePrefix(target, handle.Prefix(owner))
}
