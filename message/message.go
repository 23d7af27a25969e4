// Package message defines the wire schema exchanged between agents and
// clients. AgentMessage values travel over direct RPC and over the pub/sub
// stream plane; the schema is transport-agnostic and round-trips through
// JSON.
package message

import "encoding/json"

// Kind distinguishes request/response semantics of a message.
type Kind string

const (
	// KindRequest expects a reply whose ToHandle equals the request's
	// FromHandle.
	KindRequest Kind = "request"
	// KindResponse is the reply to a prior request.
	KindResponse Kind = "response"
	// KindOneWay is fire-and-forget.
	KindOneWay Kind = "oneway"
)

// Well-known MessageType values. MessageType is otherwise free form.
const (
	// TypeEvent routes the message to the behavior's OnEvent handler.
	TypeEvent = "event"
	// TypeErrorTransient signals a retryable worker failure to the
	// plan-execute loop.
	TypeErrorTransient = "agent-error-transient"
	// TypeErrorPermanent signals a terminal worker failure to the
	// plan-execute loop.
	TypeErrorPermanent = "agent-error"
)

// Well-known Args keys.
const (
	// ArgReminderName carries the timer or reminder name on synthetic
	// self-messages produced by scheduler ticks.
	ArgReminderName = "reminderName"
)

// AgentMessage is the unit of communication between agents and clients.
type AgentMessage struct {
	// FromHandle is the qualified sender handle. May be empty on outbound
	// messages; the router fills it in.
	FromHandle string `json:"fromHandle,omitempty"`
	// ToHandle is the qualified destination handle.
	ToHandle string `json:"toHandle,omitempty"`
	// Message is the opaque text payload.
	Message string `json:"message,omitempty"`
	// MessageType tags the payload. "event" dispatches to OnEvent.
	MessageType string `json:"messageType,omitempty"`
	// Kind carries the request/response discipline.
	Kind Kind `json:"kind,omitempty"`
	// Channel optionally routes the message within the receiving behavior.
	Channel string `json:"channel,omitempty"`
	// Args carries structured string metadata.
	Args map[string]string `json:"args,omitempty"`
}

// IsEvent reports whether the message should be dispatched to OnEvent.
func (m AgentMessage) IsEvent() bool {
	return m.MessageType == TypeEvent
}

// Arg returns the named Args value or "" when absent.
func (m AgentMessage) Arg(key string) string {
	if m.Args == nil {
		return ""
	}
	return m.Args[key]
}

// WithArg returns a copy of the message with the given Args entry set. The
// original Args map is not mutated.
func (m AgentMessage) WithArg(key, value string) AgentMessage {
	args := make(map[string]string, len(m.Args)+1)
	for k, v := range m.Args {
		args[k] = v
	}
	args[key] = value
	m.Args = args
	return m
}

// Encode serializes the message to JSON.
func Encode(m AgentMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a message from JSON.
func Decode(data []byte) (AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return AgentMessage{}, err
	}
	return m, nil
}
