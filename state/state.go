// Package state defines the persistent state plane contract. Entity state is
// addressed by (kind, key, slot) and written as a whole serialized document.
// The single-activation invariant guarantees at most one writer per entity,
// so implementations need no per-document locking; they must however be safe
// for concurrent use across entities.
package state

import (
	"context"
	"errors"
)

// Entity kinds used by the runtime.
const (
	// KindAgent scopes agent entity state.
	KindAgent = "agent"
	// KindClient scopes client entity state.
	KindClient = "client"
	// KindReminder scopes durable reminder registrations.
	KindReminder = "reminder"
)

// Slot names used by the runtime.
const (
	// SlotAgentMessages holds the agent's configuration, message threads,
	// and custom state.
	SlotAgentMessages = "agentMessages"
	// SlotClientState holds the client's tracked agents and pending queue.
	SlotClientState = "clientState"
	// SlotReminders holds per-handle reminder registrations.
	SlotReminders = "reminders"
)

// ErrNotFound reports that no document has been written for the requested
// (kind, key, slot) triple. Callers treat it as "empty default state".
var ErrNotFound = errors.New("state: not found")

// Store persists entity state documents. Read returns the last successfully
// written document or ErrNotFound. Write replaces the whole document.
type Store interface {
	Read(ctx context.Context, kind, key, slot string) ([]byte, error)
	Write(ctx context.Context, kind, key, slot string, data []byte) error
}
