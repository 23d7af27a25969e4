package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/mesh/behavior"
	"goa.design/mesh/compaction"
	"goa.design/mesh/config"
	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/history"
	"goa.design/mesh/message"
	"goa.design/mesh/reminder"
	"goa.design/mesh/state"
	"goa.design/mesh/stream"
)

// deactivateFlushRetries and deactivateFlushBackoff bound the history flush
// performed on deactivation: up to 3 attempts with linear backoff 100·n ms.
const (
	deactivateFlushRetries = 3
	deactivateFlushBackoff = 100 * time.Millisecond
)

type (
	// agentDoc is the persisted agent state document.
	agentDoc struct {
		Configuration  *behavior.AgentConfiguration           `json:"configuration,omitempty"`
		MessageThreads map[string][]history.StoredChatMessage `json:"messageThreads,omitempty"`
		CustomState    map[string]json.RawMessage             `json:"customState,omitempty"`
		LastModified   time.Time                              `json:"lastModified"`
	}

	// agentGrain is one agent activation. All handler entry points lock mu,
	// giving the hosted behavior single-threaded semantics.
	agentGrain struct {
		node   *Node
		handle string

		lastSeenNano atomic.Int64

		mu        sync.Mutex
		activated bool
		doc       agentDoc
		behavior  behavior.Behavior
		compactor *compaction.Service
		histories map[string]*history.Provider
		subs      []stream.Subscription
		subNames  []string
		processed int
		startedAt time.Time

		pendingChanges map[string]json.RawMessage
		pendingDeletes map[string]bool

		timersMu sync.Mutex
		timers   map[string]*agentTimer
	}

	agentTimer struct {
		timer  *time.Timer
		period time.Duration
	}
)

func newAgentGrain(n *Node, h string) *agentGrain {
	g := &agentGrain{
		node:           n,
		handle:         h,
		histories:      make(map[string]*history.Provider),
		pendingChanges: make(map[string]json.RawMessage),
		pendingDeletes: make(map[string]bool),
		timers:         make(map[string]*agentTimer),
	}
	g.touch()
	return g
}

// activate loads persisted state and, when a configuration exists,
// rehydrates the behavior. Idempotent.
func (g *agentGrain) activate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activated {
		return nil
	}
	data, err := g.node.state.Read(ctx, state.KindAgent, g.handle, state.SlotAgentMessages)
	switch {
	case errors.Is(err, state.ErrNotFound):
		g.doc = agentDoc{}
	case err != nil:
		return faults.Wrap(faults.KindPersistence, err, "load agent %q", g.handle)
	default:
		if err := json.Unmarshal(data, &g.doc); err != nil {
			return faults.Wrap(faults.KindPersistence, err, "decode agent %q", g.handle)
		}
	}
	g.activated = true
	g.startedAt = g.node.now()
	if g.doc.Configuration != nil {
		if err := g.instantiateLocked(ctx, *g.doc.Configuration); err != nil {
			// A configuration that no longer instantiates (unregistered
			// alias, failing OnInitialize) must not wedge the handle:
			// the agent continues unconfigured and reports NotConfigured
			// until reconfigured.
			g.node.logger.Error(ctx, "agent rehydration failed, clearing configuration",
				"handle", g.handle, "err", err)
			g.teardownLocked(ctx)
			g.behavior = nil
			g.doc.Configuration = nil
			if perr := g.persistLocked(ctx); perr != nil {
				g.node.logger.Warn(ctx, "configuration clear persist failed",
					"handle", g.handle, "err", perr)
			}
		}
	}
	g.node.logger.Debug(ctx, "agent activated", "handle", g.handle,
		"configured", g.doc.Configuration != nil)
	return nil
}

// configure installs or replaces the agent's configuration.
func (g *agentGrain) configure(ctx context.Context, cfg behavior.AgentConfiguration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touch()
	if cfg.AgentType == "" {
		return faults.New(faults.KindInvalidConfiguration, "agent %q: missing agent type", g.handle)
	}
	if _, err := g.node.behaviors.Resolve(cfg.AgentType); err != nil {
		return err
	}
	if g.doc.Configuration != nil && g.behavior != nil && !cfg.ForceReconfigure {
		return nil
	}
	if g.behavior != nil {
		if err := g.behavior.Dispose(ctx); err != nil {
			g.node.logger.Warn(ctx, "behavior dispose failed during reconfigure",
				"handle", g.handle, "err", err)
		}
		g.teardownLocked(ctx)
	}
	cfg.Handle = g.handle
	g.doc.Configuration = &cfg
	if err := g.persistLocked(ctx); err != nil {
		return err
	}
	return g.instantiateLocked(ctx, cfg)
}

// instantiateLocked builds the behavior, runs OnInitialize, wires streams,
// and restores reminders. Callers hold g.mu.
func (g *agentGrain) instantiateLocked(ctx context.Context, cfg behavior.AgentConfiguration) error {
	factory, err := g.node.behaviors.Resolve(cfg.AgentType)
	if err != nil {
		return err
	}
	comp, err := g.newCompactor(cfg)
	if err != nil {
		return err
	}
	b, err := factory(cfg, &agentHost{g: g})
	if err != nil {
		return faults.Wrap(faults.KindInvalidConfiguration, err, "instantiate agent %q", g.handle)
	}
	if err := b.OnInitialize(ctx); err != nil {
		return faults.Wrap(faults.KindHandlerFault, err, "initialize agent %q", g.handle)
	}
	g.behavior = b
	g.compactor = comp
	if err := g.subscribeLocked(ctx, cfg); err != nil {
		return err
	}
	if g.node.restorer != nil {
		if err := g.node.restorer.Restore(ctx, g.handle); err != nil {
			g.node.logger.Warn(ctx, "reminder restore failed", "handle", g.handle, "err", err)
		}
	}
	owner, _ := handle.Owner(g.handle)
	if err := g.node.management.RegisterAgent(ctx, g.handle, cfg.AgentType, owner); err != nil {
		g.node.logger.Warn(ctx, "agent registration failed", "handle", g.handle, "err", err)
	}
	return nil
}

// newCompactor builds the thread compaction service from the agent's args.
// Returns nil when compaction is not enabled.
func (g *agentGrain) newCompactor(cfg behavior.AgentConfiguration) (*compaction.Service, error) {
	ccfg, err := config.CompactionFromArgs(cfg.Args)
	if err != nil {
		return nil, err
	}
	if !ccfg.Enabled {
		return nil, nil
	}
	if len(cfg.Models) == 0 {
		return nil, faults.New(faults.KindInvalidConfiguration,
			"agent %q enables compaction without a model", g.handle)
	}
	client, ok := g.node.models[cfg.Models[0]]
	if !ok {
		return nil, faults.New(faults.KindInvalidConfiguration,
			"agent %q compaction model %q is not registered", g.handle, cfg.Models[0])
	}
	return compaction.New(compaction.Options{
		Client: client,
		Model:  cfg.Models[0],
		Config: ccfg,
		Logger: g.node.logger,
		Now:    g.node.now,
	})
}

// subscribeLocked attaches the chat stream, the event stream, and any extra
// configured event streams. Callers hold g.mu; handlers run later on stream
// goroutines and re-enter through onMessage/onEvent.
func (g *agentGrain) subscribeLocked(ctx context.Context, cfg behavior.AgentConfiguration) error {
	chat := func(ctx context.Context, ev stream.Event) error {
		g.handleChat(ctx, ev.Message)
		return nil
	}
	event := func(ctx context.Context, ev stream.Event) error {
		g.handleEvent(ctx, ev.Message)
		return nil
	}
	sub, err := g.node.stream.Subscribe(ctx, stream.NamespaceAgentChat, g.handle, chat)
	if err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "subscribe chat stream for %q", g.handle)
	}
	g.subs = append(g.subs, sub)
	g.subNames = append(g.subNames, stream.Name(stream.NamespaceAgentChat, g.handle))

	sub, err = g.node.stream.Subscribe(ctx, stream.NamespaceAgentEvent, g.handle, event)
	if err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "subscribe event stream for %q", g.handle)
	}
	g.subs = append(g.subs, sub)
	g.subNames = append(g.subNames, stream.Name(stream.NamespaceAgentEvent, g.handle))

	for _, name := range cfg.Streams {
		sub, err = g.node.stream.Subscribe(ctx, stream.NamespaceAgentEvent, name, event)
		if err != nil {
			return faults.Wrap(faults.KindSubstrateTransient, err, "subscribe stream %q for %q", name, g.handle)
		}
		g.subs = append(g.subs, sub)
		g.subNames = append(g.subNames, stream.Name(stream.NamespaceAgentEvent, name))
	}
	return nil
}

// handleChat processes a chat-stream message. Event-typed messages dispatch
// to OnEvent with no response; requests route their response back to the
// sender's chat stream. Failures are logged and swallowed so the stream
// never stalls.
func (g *agentGrain) handleChat(ctx context.Context, req message.AgentMessage) {
	if req.IsEvent() {
		g.handleEvent(ctx, req)
		return
	}
	resp, err := g.onMessage(ctx, req)
	if err != nil {
		g.node.logger.Error(ctx, "chat message handling failed",
			"handle", g.handle, "from", req.FromHandle, "err", err)
		return
	}
	if req.Kind != message.KindRequest || resp == nil || req.FromHandle == "" {
		return
	}
	if resp.ToHandle != req.FromHandle {
		// A behavior that redirects its reply elsewhere gets no implicit
		// routing back to the requester.
		return
	}
	if err := g.node.stream.Publish(ctx, stream.NamespaceAgentChat, req.FromHandle, *resp); err != nil {
		g.node.logger.Error(ctx, "response publish failed",
			"handle", g.handle, "to", req.FromHandle, "err", err)
	}
}

func (g *agentGrain) handleEvent(ctx context.Context, req message.AgentMessage) {
	if err := g.onEvent(ctx, req); err != nil {
		g.node.logger.Error(ctx, "event handling failed",
			"handle", g.handle, "from", req.FromHandle, "err", err)
	}
}

// onMessage dispatches one request to the behavior under the grain
// serializer. Tracked history providers are flushed after every message.
func (g *agentGrain) onMessage(ctx context.Context, req message.AgentMessage) (*message.AgentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touch()
	if g.doc.Configuration == nil || g.behavior == nil {
		return nil, faults.New(faults.KindNotConfigured, "agent %q is not configured", g.handle)
	}
	start := g.node.now()
	resp, err := g.behavior.OnMessage(ctx, req)
	g.processed++
	g.node.metrics.IncCounter("mesh.agent.messages", 1, "handle", g.handle)
	g.node.metrics.RecordTimer("mesh.agent.message_duration", g.node.now().Sub(start), "handle", g.handle)
	g.flushHistoriesLocked(ctx)
	g.compactHistoriesLocked(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindHandlerFault, err, "agent %q message handler", g.handle)
	}
	if resp != nil {
		if resp.FromHandle == "" {
			resp.FromHandle = g.handle
		}
		if resp.ToHandle == "" {
			resp.ToHandle = req.FromHandle
		}
		if resp.Kind == "" {
			resp.Kind = message.KindResponse
		}
	}
	return resp, nil
}

// onEvent dispatches one event to the behavior under the grain serializer.
func (g *agentGrain) onEvent(ctx context.Context, req message.AgentMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touch()
	if g.doc.Configuration == nil || g.behavior == nil {
		return faults.New(faults.KindNotConfigured, "agent %q is not configured", g.handle)
	}
	err := g.behavior.OnEvent(ctx, req)
	g.processed++
	g.flushHistoriesLocked(ctx)
	g.compactHistoriesLocked(ctx)
	if err != nil {
		return faults.Wrap(faults.KindHandlerFault, err, "agent %q event handler", g.handle)
	}
	return nil
}

// health composes agent-level counters with, at full detail, the behavior's
// own report.
func (g *agentGrain) health(ctx context.Context, detail behavior.HealthDetail) AgentHealthStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.node.now()
	status := AgentHealthStatus{
		Handle:            g.handle,
		State:             behavior.HealthNotConfigured,
		IsConfigured:      g.doc.Configuration != nil,
		Timestamp:         now,
		MessagesProcessed: g.processed,
		StreamCount:       len(g.subNames),
		ActiveStreams:     append([]string(nil), g.subNames...),
		Configuration:     g.doc.Configuration,
	}
	g.timersMu.Lock()
	status.ActiveTimerCount = len(g.timers)
	g.timersMu.Unlock()
	if regs, err := g.node.reminders.List(ctx, g.handle); err == nil {
		status.ActiveReminderCount = len(regs)
	}
	if !status.IsConfigured {
		return status
	}
	status.State = behavior.HealthHealthy
	status.AgentType = g.doc.Configuration.AgentType
	status.Uptime = now.Sub(g.startedAt)
	if detail == behavior.HealthFull {
		rep := g.behavior.GetHealth(ctx, behavior.HealthFull)
		status.ProxyHealth = &rep
		if behavior.Worse(rep.State, status.State) {
			status.State = rep.State
		}
	}
	return status
}

// deactivate flushes state, disposes the behavior, and releases the
// activation's resources. Persistence failures are logged; the next
// activation sees the last successful write.
func (g *agentGrain) deactivate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.activated {
		return nil
	}
	var flushErr error
	for attempt := 1; attempt <= deactivateFlushRetries; attempt++ {
		if flushErr = g.flushHistoriesLocked(ctx); flushErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt) * deactivateFlushBackoff)
	}
	if flushErr != nil {
		g.node.logger.Error(ctx, "history flush failed on deactivation",
			"handle", g.handle, "err", flushErr)
	}
	if err := g.flushCustomStateLocked(ctx); err != nil {
		g.node.logger.Error(ctx, "custom state flush failed on deactivation",
			"handle", g.handle, "err", err)
	}
	if g.behavior != nil {
		if err := g.behavior.Dispose(ctx); err != nil {
			g.node.logger.Warn(ctx, "behavior dispose failed", "handle", g.handle, "err", err)
		}
	}
	g.teardownLocked(ctx)
	g.behavior = nil
	g.activated = false
	if err := g.node.management.DeactivateAgent(ctx, g.handle); err != nil {
		g.node.logger.Warn(ctx, "agent deregistration failed", "handle", g.handle, "err", err)
	}
	g.node.logger.Debug(ctx, "agent deactivated", "handle", g.handle)
	return nil
}

// teardownLocked stops timers and closes stream subscriptions. Callers hold
// g.mu.
func (g *agentGrain) teardownLocked(ctx context.Context) {
	g.timersMu.Lock()
	for name, t := range g.timers {
		t.timer.Stop()
		delete(g.timers, name)
	}
	g.timersMu.Unlock()
	for _, sub := range g.subs {
		if err := sub.Close(ctx); err != nil {
			g.node.logger.Warn(ctx, "stream unsubscribe failed", "handle", g.handle, "err", err)
		}
	}
	g.subs = nil
	g.subNames = nil
	g.histories = make(map[string]*history.Provider)
	g.compactor = nil
}

// compactHistoriesLocked runs one compaction pass over every tracked thread.
// The service gates itself on the token estimate, so most passes are a no-op.
// Callers hold g.mu.
func (g *agentGrain) compactHistoriesLocked(ctx context.Context) {
	if g.compactor == nil {
		return
	}
	for _, p := range g.histories {
		if res := g.compactor.Compact(ctx, p); res.WasCompacted {
			g.node.metrics.IncCounter("mesh.agent.compactions", 1, "handle", g.handle)
		}
	}
}

// flushHistoriesLocked flushes every tracked provider, returning the first
// error. Callers hold g.mu.
func (g *agentGrain) flushHistoriesLocked(ctx context.Context) error {
	var firstErr error
	for threadID, p := range g.histories {
		buffered := p.PendingCount()
		if err := p.Flush(ctx); err != nil {
			g.node.logger.Warn(ctx, "history flush failed", "handle", g.handle,
				"thread", threadID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if buffered > 0 {
			g.node.metrics.IncCounter("mesh.agent.history_flushes", 1, "handle", g.handle)
		}
	}
	return firstErr
}

// flushCustomStateLocked applies buffered custom-state changes as
// delete-then-set under a single write. Callers hold g.mu.
func (g *agentGrain) flushCustomStateLocked(ctx context.Context) error {
	if len(g.pendingChanges) == 0 && len(g.pendingDeletes) == 0 {
		return nil
	}
	if g.doc.CustomState == nil {
		g.doc.CustomState = make(map[string]json.RawMessage)
	}
	for key := range g.pendingDeletes {
		delete(g.doc.CustomState, key)
	}
	for key, value := range g.pendingChanges {
		g.doc.CustomState[key] = value
	}
	if err := g.persistLocked(ctx); err != nil {
		return err
	}
	g.pendingChanges = make(map[string]json.RawMessage)
	g.pendingDeletes = make(map[string]bool)
	return nil
}

// persistLocked writes the whole agent document. Callers hold g.mu.
func (g *agentGrain) persistLocked(ctx context.Context) error {
	g.doc.LastModified = g.node.now()
	data, err := json.Marshal(g.doc)
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "encode agent %q", g.handle)
	}
	if err := g.node.state.Write(ctx, state.KindAgent, g.handle, state.SlotAgentMessages, data); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "persist agent %q", g.handle)
	}
	return nil
}

// historyLocked returns the provider for threadID, creating it lazily.
// Callers hold g.mu.
func (g *agentGrain) historyLocked(threadID string) *history.Provider {
	p, ok := g.histories[threadID]
	if !ok {
		p = history.New(threadID, &threadLog{g: g}, history.Options{Now: g.node.now})
		g.histories[threadID] = p
	}
	return p
}

// fireTimer dispatches one timer tick as a synthetic self-message and
// reschedules periodic timers. Runs on the timer goroutine; dispatch
// reserializes through onMessage.
func (g *agentGrain) fireTimer(name, messageType, body string) {
	g.timersMu.Lock()
	t, ok := g.timers[name]
	if ok && t.period > 0 {
		t.timer.Reset(t.period)
	} else if ok {
		delete(g.timers, name)
	}
	g.timersMu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	msg := reminder.Message(reminder.Registration{
		AgentHandle: g.handle,
		Name:        name,
		MessageType: messageType,
		Body:        body,
	})
	if _, err := g.onMessage(ctx, msg); err != nil {
		g.node.logger.Warn(ctx, "timer dispatch failed", "handle", g.handle, "timer", name, "err", err)
	}
}

func (g *agentGrain) touch() {
	g.lastSeenNano.Store(time.Now().UnixNano())
}

func (g *agentGrain) lastActivity() time.Time {
	return time.Unix(0, g.lastSeenNano.Load())
}

// threadLog adapts the grain's persisted document to history.Log. Methods
// run under the grain serializer via the owning provider.
type threadLog struct {
	g *agentGrain
}

func (l *threadLog) GetThreadMessages(_ context.Context, threadID string) ([]history.StoredChatMessage, error) {
	return append([]history.StoredChatMessage(nil), l.g.doc.MessageThreads[threadID]...), nil
}

func (l *threadLog) AddThreadMessages(ctx context.Context, threadID string, batch []history.StoredChatMessage) error {
	if l.g.doc.MessageThreads == nil {
		l.g.doc.MessageThreads = make(map[string][]history.StoredChatMessage)
	}
	l.g.doc.MessageThreads[threadID] = append(l.g.doc.MessageThreads[threadID], batch...)
	return l.g.persistLocked(ctx)
}

func (l *threadLog) ReplaceThreadMessages(ctx context.Context, threadID string, msgs []history.StoredChatMessage) error {
	if l.g.doc.MessageThreads == nil {
		l.g.doc.MessageThreads = make(map[string][]history.StoredChatMessage)
	}
	l.g.doc.MessageThreads[threadID] = append([]history.StoredChatMessage(nil), msgs...)
	return l.g.persistLocked(ctx)
}
