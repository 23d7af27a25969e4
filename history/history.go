// Package history implements the thread-scoped chat log an agent exposes to
// its LLM framework. A Provider is a lazy view over one thread: stored
// messages load on first read, new turns accumulate in a pending buffer, and
// Flush persists them in one batch. Fork snapshots the thread so speculative
// conversations (planning, evaluation) never pollute the user-facing log.
package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goa.design/mesh/faults"
)

type (
	// Content is one piece of a chat message.
	Content struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	// ChatMessage is an in-memory turn not yet persisted.
	ChatMessage struct {
		Role       string
		AuthorName string
		Contents   []Content
	}

	// StoredChatMessage is the persisted form of a turn. Contents are kept
	// serialized so the log never needs to understand content shapes.
	StoredChatMessage struct {
		Role         string    `json:"role"`
		AuthorName   string    `json:"authorName,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
		ContentsJson string    `json:"contentsJson"`
	}

	// Turn is the outcome of one LLM invocation, recorded via Invoked.
	Turn struct {
		// RequestMessages are the caller-supplied turns for this invocation.
		RequestMessages []ChatMessage
		// ProviderMessages are turns injected by context providers.
		ProviderMessages []ChatMessage
		// ResponseMessages are the model's turns.
		ResponseMessages []ChatMessage
		// Err, when non-nil, marks the invocation failed; nothing is
		// recorded.
		Err error
	}

	// Log is the durable thread store backing providers. The agent state
	// layer implements it.
	Log interface {
		// GetThreadMessages returns the thread's stored list, oldest first.
		GetThreadMessages(ctx context.Context, threadID string) ([]StoredChatMessage, error)
		// AddThreadMessages appends batch to the thread.
		AddThreadMessages(ctx context.Context, threadID string, batch []StoredChatMessage) error
		// ReplaceThreadMessages overwrites the thread's list.
		ReplaceThreadMessages(ctx context.Context, threadID string, msgs []StoredChatMessage) error
	}

	// Options configures a Provider.
	Options struct {
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Provider is the per-thread chat log view. It is safe for concurrent
	// use, though the owning activation serializes access in practice.
	Provider struct {
		threadID string
		log      Log
		now      func() time.Time

		mu      sync.Mutex
		loaded  bool
		stored  []StoredChatMessage
		pending []ChatMessage
	}
)

// Text builds a text content item.
func Text(s string) Content { return Content{Type: "text", Text: s} }

// Store converts an in-memory message to its persisted form at the given
// time.
func Store(msg ChatMessage, at time.Time) StoredChatMessage {
	contents, err := json.Marshal(msg.Contents)
	if err != nil {
		// Content is plain structs; Marshal cannot fail in practice.
		contents = []byte("[]")
	}
	return StoredChatMessage{
		Role:         msg.Role,
		AuthorName:   msg.AuthorName,
		Timestamp:    at,
		ContentsJson: string(contents),
	}
}

// New constructs a provider over the given thread.
func New(threadID string, log Log, opts Options) *Provider {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{threadID: threadID, log: log, now: now}
}

// ThreadID returns the thread this provider is scoped to.
func (p *Provider) ThreadID() string { return p.threadID }

// Invoking returns a consistent snapshot of stored plus pending messages,
// loading the stored list on first use.
func (p *Provider) Invoking(ctx context.Context) ([]StoredChatMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	return p.snapshotLocked(), nil
}

// Invoked records the turn's messages in the pending buffer. Failed turns
// record nothing.
func (p *Provider) Invoked(_ context.Context, turn Turn) {
	if turn.Err != nil {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, turn.RequestMessages...)
	p.pending = append(p.pending, turn.ProviderMessages...)
	p.pending = append(p.pending, turn.ResponseMessages...)
	p.mu.Unlock()
}

// Append adds a single message to the pending buffer.
func (p *Provider) Append(msg ChatMessage) {
	p.mu.Lock()
	p.pending = append(p.pending, msg)
	p.mu.Unlock()
}

// PendingCount returns the number of buffered, unpersisted messages.
func (p *Provider) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush persists the pending buffer as one batch and folds it into the
// stored cache. Idempotent when the buffer is empty.
func (p *Provider) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	at := p.now()
	batch := make([]StoredChatMessage, len(p.pending))
	for i, msg := range p.pending {
		batch[i] = Store(msg, at)
	}
	if err := p.log.AddThreadMessages(ctx, p.threadID, batch); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "flush thread %q", p.threadID)
	}
	if p.loaded {
		p.stored = append(p.stored, batch...)
	}
	p.pending = nil
	return nil
}

// ReplaceAndResetCache overwrites the thread with msgs and resets the cache
// from the same list. Pending messages are discarded; callers flush first.
func (p *Provider) ReplaceAndResetCache(ctx context.Context, msgs []StoredChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.log.ReplaceThreadMessages(ctx, p.threadID, msgs); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "replace thread %q", p.threadID)
	}
	p.stored = append([]StoredChatMessage(nil), msgs...)
	p.pending = nil
	p.loaded = true
	return nil
}

// Fork snapshots the current stored plus pending sequence as a read-only
// original and returns a fork that appends privately.
func (p *Provider) Fork(ctx context.Context) (*Fork, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	return &Fork{log: p.log, now: p.now, original: p.snapshotLocked()}, nil
}

// loadLocked performs the lazy first read. Callers hold p.mu.
func (p *Provider) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	stored, err := p.log.GetThreadMessages(ctx, p.threadID)
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "load thread %q", p.threadID)
	}
	p.stored = stored
	p.loaded = true
	return nil
}

// snapshotLocked materializes stored plus pending. Callers hold p.mu.
func (p *Provider) snapshotLocked() []StoredChatMessage {
	out := make([]StoredChatMessage, 0, len(p.stored)+len(p.pending))
	out = append(out, p.stored...)
	at := p.now()
	for _, msg := range p.pending {
		out = append(out, Store(msg, at))
	}
	return out
}
