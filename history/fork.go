package history

import (
	"context"
	"sync"
	"time"

	"goa.design/mesh/faults"
)

// Fork is a speculative view over a thread snapshot. The original list is
// shared with the parent provider and never mutated; new turns accumulate in
// a private buffer. Persist helpers write to a caller-chosen thread so the
// fork's conversation can be kept or discarded independently.
type Fork struct {
	log Log
	now func() time.Time

	original []StoredChatMessage

	mu    sync.Mutex
	fresh []ChatMessage
}

// Invoking returns the snapshot plus all privately appended turns.
func (f *Fork) Invoking(context.Context) ([]StoredChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StoredChatMessage, 0, len(f.original)+len(f.fresh))
	out = append(out, f.original...)
	at := f.now()
	for _, msg := range f.fresh {
		out = append(out, Store(msg, at))
	}
	return out, nil
}

// Invoked records the turn's messages in the private buffer only.
func (f *Fork) Invoked(_ context.Context, turn Turn) {
	if turn.Err != nil {
		return
	}
	f.mu.Lock()
	f.fresh = append(f.fresh, turn.RequestMessages...)
	f.fresh = append(f.fresh, turn.ProviderMessages...)
	f.fresh = append(f.fresh, turn.ResponseMessages...)
	f.mu.Unlock()
}

// Append adds a single message to the private buffer.
func (f *Fork) Append(msg ChatMessage) {
	f.mu.Lock()
	f.fresh = append(f.fresh, msg)
	f.mu.Unlock()
}

// NewCount returns the number of privately appended turns.
func (f *Fork) NewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fresh)
}

// PersistNew writes only the privately appended turns to threadID.
func (f *Fork) PersistNew(ctx context.Context, threadID string) error {
	f.mu.Lock()
	at := f.now()
	batch := make([]StoredChatMessage, len(f.fresh))
	for i, msg := range f.fresh {
		batch[i] = Store(msg, at)
	}
	f.mu.Unlock()
	if err := f.log.ReplaceThreadMessages(ctx, threadID, batch); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "persist fork to thread %q", threadID)
	}
	return nil
}

// PersistAll writes the snapshot plus the privately appended turns to
// threadID.
func (f *Fork) PersistAll(ctx context.Context, threadID string) error {
	msgs, _ := f.Invoking(ctx)
	if err := f.log.ReplaceThreadMessages(ctx, threadID, msgs); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "persist fork to thread %q", threadID)
	}
	return nil
}
