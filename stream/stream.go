// Package stream defines the pub/sub plane used for fire-and-forget message
// delivery between agents and clients. Streams are addressed by
// (namespace, key); delivery is at-least-once with a monotonically
// increasing sequence token per stream, and handlers are invoked in sequence
// order, one event at a time per subscriber.
package stream

import (
	"context"
	"fmt"

	"goa.design/mesh/message"
)

// Namespace partitions the stream plane.
type Namespace string

const (
	// NamespaceAgentChat carries chat messages addressed to an agent or
	// client handle.
	NamespaceAgentChat Namespace = "AgentChat"
	// NamespaceAgentEvent carries event messages; the key may be an agent
	// handle or an arbitrary fan-out stream name.
	NamespaceAgentEvent Namespace = "AgentEvent"
)

// Event is a message delivered on a stream together with its sequence token.
type Event struct {
	// Seq is the provider-assigned sequence token. Tokens increase
	// monotonically within one stream.
	Seq string
	// Message is the delivered payload.
	Message message.AgentMessage
}

// Handler consumes stream events. Returning an error does not stall the
// stream; providers log and continue.
type Handler func(ctx context.Context, ev Event) error

// Subscription represents an active stream subscription.
type Subscription interface {
	// Close stops delivery and releases provider resources.
	Close(ctx context.Context) error
}

// Provider publishes and subscribes on (namespace, key) streams.
type Provider interface {
	// Publish appends the message to the stream.
	Publish(ctx context.Context, ns Namespace, key string, msg message.AgentMessage) error
	// Subscribe registers a handler for subsequent events on the stream.
	Subscribe(ctx context.Context, ns Namespace, key string, h Handler) (Subscription, error)
}

// Name renders the canonical stream name for a (namespace, key) pair.
func Name(ns Namespace, key string) string {
	return fmt.Sprintf("%s/%s", ns, key)
}
