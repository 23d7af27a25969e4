package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := AgentMessage{
		FromHandle:  "u1:planner",
		ToHandle:    "u1:worker",
		Message:     "fetch the report",
		MessageType: "chat",
		Kind:        KindRequest,
		Channel:     "agent",
		Args:        map[string]string{"dispatchId": "d-1"},
	}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
}

func TestIsEvent(t *testing.T) {
	require.True(t, AgentMessage{MessageType: TypeEvent}.IsEvent())
	require.False(t, AgentMessage{MessageType: "chat"}.IsEvent())
}

func TestWithArgDoesNotMutateOriginal(t *testing.T) {
	orig := AgentMessage{Args: map[string]string{"a": "1"}}
	next := orig.WithArg(ArgReminderName, "retry-wi-001")
	require.Equal(t, "retry-wi-001", next.Arg(ArgReminderName))
	require.Empty(t, orig.Arg(ArgReminderName))
	require.Equal(t, "1", next.Arg("a"))
}
