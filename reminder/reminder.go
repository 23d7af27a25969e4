// Package reminder defines the durable scheduling contract. Unlike timers,
// which live and die with an activation, reminders are persisted and fire
// even after the owning agent deactivated, reactivating it on delivery. The
// production backend lives in features/reminder/temporal; package local runs
// reminders in-process on top of the state store.
package reminder

import (
	"context"
	"time"

	"goa.design/mesh/message"
)

type (
	// Registration describes one durable reminder.
	Registration struct {
		// AgentHandle is the owning agent's qualified handle.
		AgentHandle string `json:"agentHandle"`
		// Name identifies the reminder within the agent. Re-registering a
		// name replaces the reminder.
		Name string `json:"name"`
		// MessageType and Body shape the synthetic self-message dispatched
		// on each tick.
		MessageType string `json:"messageType"`
		Body        string `json:"body,omitempty"`
		// NextFire is when the reminder fires next.
		NextFire time.Time `json:"nextFire"`
		// Period, when positive, reschedules the reminder after each tick.
		Period time.Duration `json:"period,omitempty"`
	}

	// Target receives reminder ticks. The node implements it by routing the
	// message to the agent, activating it if needed.
	Target interface {
		DeliverReminder(ctx context.Context, agentHandle string, msg message.AgentMessage) error
	}

	// Service schedules durable reminders.
	Service interface {
		// Register persists and schedules the reminder, replacing any
		// existing registration with the same (agent, name).
		Register(ctx context.Context, reg Registration) error
		// Unregister removes the reminder. Unknown names are a no-op.
		Unregister(ctx context.Context, agentHandle, name string) error
		// List returns the agent's registrations.
		List(ctx context.Context, agentHandle string) ([]Registration, error)
	}
)

// Message builds the synthetic self-message a tick dispatches. Ticks arrive
// as responses: nothing awaits a reply to them, and timers and reminders
// share the shape so the behavior's OnMessage sees one uniform tick.
func Message(reg Registration) message.AgentMessage {
	msg := message.AgentMessage{
		FromHandle:  reg.AgentHandle,
		ToHandle:    reg.AgentHandle,
		Message:     reg.Body,
		MessageType: reg.MessageType,
		Kind:        message.KindResponse,
	}
	return msg.WithArg(message.ArgReminderName, reg.Name)
}
