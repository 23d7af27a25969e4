package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComposeTakesWorstComponentState(t *testing.T) {
	now := time.Now()
	rep := Compose(now, map[string]HealthReport{
		"behavior": {State: HealthHealthy},
		"history":  {State: HealthDegraded, Reason: "flush retrying"},
		"streams":  {State: HealthHealthy},
	})
	require.Equal(t, HealthDegraded, rep.State)
	require.Equal(t, "flush retrying", rep.Reason)
	require.Equal(t, now, rep.CheckedAt)
	require.Len(t, rep.Components, 3)
}

func TestComposeEmptyIsHealthy(t *testing.T) {
	rep := Compose(time.Now(), nil)
	require.Equal(t, HealthHealthy, rep.State)
	require.Empty(t, rep.Components)
}

func TestWorseOrdering(t *testing.T) {
	require.True(t, Worse(HealthUnhealthy, HealthDegraded))
	require.True(t, Worse(HealthDegraded, HealthNotConfigured))
	require.True(t, Worse(HealthNotConfigured, HealthHealthy))
	require.False(t, Worse(HealthHealthy, HealthUnhealthy))
	require.True(t, Worse(HealthState("bogus"), HealthUnhealthy))
}

func TestRegistryResolveUnknownAlias(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	require.Error(t, err)

	r.Register("echo", func(AgentConfiguration, Host) (Behavior, error) { return nil, nil })
	f, err := r.Resolve("echo")
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, []string{"echo"}, r.Aliases())
}
