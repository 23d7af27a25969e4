// Package behavior defines the contract between the mesh runtime and hosted
// user code. An agent entity instantiates a Behavior from its configured
// type alias via the Registry and dispatches messages, events, and scheduler
// ticks to it. Behaviors call back into the runtime through the Host
// interface, which is only valid for the lifetime of the activation.
package behavior

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/mesh/history"
	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/telemetry"
)

type (
	// AgentConfiguration describes how to instantiate and wire a hosted
	// agent. It is persisted with the agent's state so reactivations can
	// rebuild the behavior.
	AgentConfiguration struct {
		// AgentType is the registered type alias resolved through the
		// Registry.
		AgentType string `json:"agentType"`
		// Handle is the agent's qualified handle (normalized to include the
		// owner prefix).
		Handle string `json:"handle"`
		// SystemPrompt seeds the behavior's conversation, when applicable.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// Streams lists additional event streams to subscribe beyond the
		// agent's own chat and event streams.
		Streams []string `json:"streams,omitempty"`
		// Plugins and Tools name capabilities the embedding application
		// grants to the behavior.
		Plugins []string `json:"plugins,omitempty"`
		Tools   []string `json:"tools,omitempty"`
		// Models names the model clients the behavior may request from its
		// host.
		Models []string `json:"models,omitempty"`
		// Args carries behavior-specific settings.
		Args map[string]string `json:"args,omitempty"`
		// ForceReconfigure replaces an existing configuration even when the
		// agent is already configured.
		ForceReconfigure bool `json:"forceReconfigure,omitempty"`
	}

	// Host is the runtime surface exposed to a hosted behavior. All methods
	// are bound to the owning activation; the per-agent serializer
	// guarantees no two handler invocations run concurrently.
	Host interface {
		// Handle returns the agent's qualified handle.
		Handle() string
		// Logger returns the activation's structured logger.
		Logger() telemetry.Logger

		// SendMessage publishes a fire-and-forget chat message. FromHandle
		// defaults to this agent's handle.
		SendMessage(ctx context.Context, msg message.AgentMessage) error
		// SendAndReceiveMessage invokes the target agent's OnMessage
		// directly and returns the response.
		SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error)
		// SendEvent publishes on the event namespace. When streamName is
		// non-empty it addresses that stream without handle normalization.
		SendEvent(ctx context.Context, msg message.AgentMessage, streamName string) error

		// RegisterTimer installs a per-activation timer that dispatches a
		// synthetic self-message on each tick. Timers do not survive
		// deactivation. Registering an existing name replaces the timer.
		RegisterTimer(name, messageType, body string, due, period time.Duration) error
		// UnregisterTimer disposes the named timer. Unknown names are a
		// no-op.
		UnregisterTimer(name string)
		// RegisterReminder installs a durable reminder that dispatches the
		// same synthetic self-message shape, reactivating the agent if
		// needed.
		RegisterReminder(ctx context.Context, name, messageType, body string, due, period time.Duration) error
		// UnregisterReminder removes the named reminder.
		UnregisterReminder(ctx context.Context, name string) error

		// History returns the chat-history provider scoped to threadID.
		History(threadID string) *history.Provider

		// GetState returns the buffered custom-state value for key.
		GetState(key string) (json.RawMessage, bool)
		// SetState buffers a custom-state write. Changes are applied
		// delete-then-set and persisted with the next state flush.
		SetState(key string, value json.RawMessage)
		// DeleteState buffers a custom-state delete.
		DeleteState(key string)

		// Model resolves a registered model client by name.
		Model(name string) (model.Client, bool)
	}

	// Behavior is hosted user code. The runtime serializes all calls per
	// activation.
	Behavior interface {
		// OnInitialize runs once per activation before any message is
		// dispatched.
		OnInitialize(ctx context.Context) error
		// OnMessage handles a request and optionally returns a response.
		// A nil response means nothing is routed back to the caller.
		OnMessage(ctx context.Context, req message.AgentMessage) (*message.AgentMessage, error)
		// OnEvent handles a fire-and-forget event.
		OnEvent(ctx context.Context, req message.AgentMessage) error
		// GetHealth reports behavior-level health at the requested detail.
		GetHealth(ctx context.Context, detail HealthDetail) HealthReport
		// Dispose releases behavior resources on deactivation.
		Dispose(ctx context.Context) error
	}

	// Factory instantiates a behavior for one activation.
	Factory func(cfg AgentConfiguration, host Host) (Behavior, error)
)
