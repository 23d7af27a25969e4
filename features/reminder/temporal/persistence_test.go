package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/message"
	"goa.design/mesh/reminder"
	statemem "goa.design/mesh/state/inmem"
	"goa.design/mesh/telemetry"
)

type fakeTarget struct {
	handle string
	msg    message.AgentMessage
	calls  int
}

func (f *fakeTarget) DeliverReminder(_ context.Context, agentHandle string, msg message.AgentMessage) error {
	f.handle = agentHandle
	f.msg = msg
	f.calls++
	return nil
}

func TestSaveRegistrationReplacesByName(t *testing.T) {
	store := statemem.New()
	ctx := context.Background()
	first := reminder.Registration{
		AgentHandle: "u1:bot",
		Name:        "wake",
		MessageType: "reminder",
		NextFire:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, saveRegistration(ctx, store, first))

	second := first
	second.NextFire = first.NextFire.Add(time.Hour)
	second.Period = time.Minute
	require.NoError(t, saveRegistration(ctx, store, second))

	other := first
	other.Name = "report"
	require.NoError(t, saveRegistration(ctx, store, other))

	regs, err := loadRegistrations(ctx, store, "u1:bot")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	require.Equal(t, second, regs[0], "same name replaces in place")
	require.Equal(t, "report", regs[1].Name)
}

func TestRemoveRegistrationUnknownNameIsNoop(t *testing.T) {
	store := statemem.New()
	ctx := context.Background()
	reg := reminder.Registration{AgentHandle: "u1:bot", Name: "wake", MessageType: "reminder"}
	require.NoError(t, saveRegistration(ctx, store, reg))

	require.NoError(t, removeRegistration(ctx, store, "u1:bot", "ghost"))
	regs, err := loadRegistrations(ctx, store, "u1:bot")
	require.NoError(t, err)
	require.Len(t, regs, 1)

	require.NoError(t, removeRegistration(ctx, store, "u1:bot", "wake"))
	regs, err = loadRegistrations(ctx, store, "u1:bot")
	require.NoError(t, err)
	require.Empty(t, regs)
}

func TestLoadRegistrationsUnknownAgent(t *testing.T) {
	regs, err := loadRegistrations(context.Background(), statemem.New(), "u1:ghost")
	require.NoError(t, err)
	require.Nil(t, regs)
}

func TestDeliverActivityRoutesSelfMessage(t *testing.T) {
	target := &fakeTarget{}
	acts := &Activities{target: target, store: statemem.New(), logger: telemetry.NoopLogger{}}

	reg := reminder.Registration{
		AgentHandle: "u1:bot",
		Name:        "wake",
		MessageType: "reminder",
		Body:        "rise",
	}
	require.NoError(t, acts.Deliver(context.Background(), reg))
	require.Equal(t, 1, target.calls)
	require.Equal(t, "u1:bot", target.handle)
	require.Equal(t, "u1:bot", target.msg.ToHandle)
	require.Equal(t, "rise", target.msg.Message)
	require.Equal(t, "wake", target.msg.Arg(message.ArgReminderName))
}

func TestRetireActivityRemovesRegistration(t *testing.T) {
	store := statemem.New()
	ctx := context.Background()
	reg := reminder.Registration{AgentHandle: "u1:bot", Name: "wake", MessageType: "reminder"}
	require.NoError(t, saveRegistration(ctx, store, reg))

	acts := &Activities{target: &fakeTarget{}, store: store, logger: telemetry.NoopLogger{}}
	require.NoError(t, acts.Retire(ctx, reg))

	regs, err := loadRegistrations(ctx, store, "u1:bot")
	require.NoError(t, err)
	require.Empty(t, regs)
}
