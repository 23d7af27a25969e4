package clientctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/mesh/behavior"
	"goa.design/mesh/faults"
	"goa.design/mesh/message"
	"goa.design/mesh/node"
	"goa.design/mesh/observer"
)

type fakeCluster struct {
	mu           sync.Mutex
	handle       string
	subscribes   int
	unsubscribes int
	subscribeErr error
	lastMsg      message.AgentMessage
	lastStream   string
	created      []behavior.AgentConfiguration
	response     message.AgentMessage
	trackedReads int
}

func (f *fakeCluster) Handle() string { return f.handle }

func (f *fakeCluster) Subscribe(_ context.Context, _ observer.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	return f.subscribeErr
}

func (f *fakeCluster) Unsubscribe(_ observer.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
}

func (f *fakeCluster) CreateAgent(_ context.Context, cfg behavior.AgentConfiguration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	return f.handle + ":" + cfg.Handle, nil
}

func (f *fakeCluster) SendMessage(_ context.Context, msg message.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg = msg
	return nil
}

func (f *fakeCluster) SendAndReceiveMessage(_ context.Context, msg message.AgentMessage) (message.AgentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg = msg
	return f.response, nil
}

func (f *fakeCluster) SendEvent(_ context.Context, msg message.AgentMessage, streamName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg = msg
	f.lastStream = streamName
	return nil
}

func (f *fakeCluster) AgentHealth(_ context.Context, agentHandle string, _ behavior.HealthDetail) (node.AgentHealthStatus, error) {
	return node.AgentHealthStatus{Handle: agentHandle, State: behavior.HealthHealthy}, nil
}

func (f *fakeCluster) TrackedAgents() map[string]node.TrackedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackedReads++
	return map[string]node.TrackedAgent{"u1:bot": {AgentType: "echo"}}
}

func (f *fakeCluster) IsAgentTracked(agentHandle string) bool {
	return agentHandle == "u1:bot"
}

func (f *fakeCluster) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func TestNewSubscribesObserver(t *testing.T) {
	cluster := &fakeCluster{handle: "u1"}
	c, err := New(context.Background(), cluster, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, cluster.subscribeCount())
	require.Equal(t, "u1", c.Handle())
	require.NotEmpty(t, c.ID())
}

func TestDeliverFansOutToHandlers(t *testing.T) {
	cluster := &fakeCluster{handle: "u1"}
	var got []string
	c, err := New(context.Background(), cluster, Options{
		OnMessage: func(_ context.Context, msg message.AgentMessage) {
			got = append(got, "first:"+msg.Message)
		},
	})
	require.NoError(t, err)
	c.AddMessageHandler(func(_ context.Context, msg message.AgentMessage) {
		got = append(got, "second:"+msg.Message)
	})

	require.NoError(t, c.Deliver(context.Background(), message.AgentMessage{Message: "hi"}))
	require.Equal(t, []string{"first:hi", "second:hi"}, got)
}

func TestOperationsRefreshStaleObserver(t *testing.T) {
	cluster := &fakeCluster{handle: "u1"}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c, err := New(context.Background(), cluster, Options{
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)

	require.NoError(t, c.SendMessage(context.Background(), message.AgentMessage{ToHandle: "u1:bot", Message: "a"}))
	require.Equal(t, 1, cluster.subscribeCount(), "fresh subscription is not refreshed")

	now = now.Add(RefreshInterval + time.Second)
	require.NoError(t, c.SendMessage(context.Background(), message.AgentMessage{ToHandle: "u1:bot", Message: "b"}))
	require.Equal(t, 2, cluster.subscribeCount())

	require.NoError(t, c.SendMessage(context.Background(), message.AgentMessage{ToHandle: "u1:bot", Message: "c"}))
	require.Equal(t, 2, cluster.subscribeCount(), "refresh resets the clock")
}

func TestDisposeBlocksFurtherUse(t *testing.T) {
	cluster := &fakeCluster{handle: "u1"}
	c, err := New(context.Background(), cluster, Options{})
	require.NoError(t, err)

	c.Dispose()
	c.Dispose()
	require.Equal(t, 1, cluster.unsubscribes, "dispose is idempotent")

	err = c.SendMessage(context.Background(), message.AgentMessage{ToHandle: "u1:bot"})
	require.Error(t, err)
	require.Equal(t, faults.KindDisposed, faults.KindOf(err))

	err = c.Deliver(context.Background(), message.AgentMessage{Message: "late"})
	require.Error(t, err)
	require.Equal(t, faults.KindDisposed, faults.KindOf(err))
}

func TestForwardingOperations(t *testing.T) {
	cluster := &fakeCluster{handle: "u1", response: message.AgentMessage{Message: "pong"}}
	c, err := New(context.Background(), cluster, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := c.CreateAgent(ctx, behavior.AgentConfiguration{AgentType: "echo", Handle: "bot"})
	require.NoError(t, err)
	require.Equal(t, "u1:bot", h)

	resp, err := c.SendAndReceiveMessage(ctx, message.AgentMessage{ToHandle: "u1:bot", Message: "ping"})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Message)

	require.NoError(t, c.SendEvent(ctx, message.AgentMessage{Message: "ev"}, "updates"))
	require.Equal(t, "updates", cluster.lastStream)

	status, err := c.AgentHealth(ctx, "u1:bot", behavior.HealthBasic)
	require.NoError(t, err)
	require.Equal(t, behavior.HealthHealthy, status.State)

	tracked, err := c.TrackedAgents(ctx)
	require.NoError(t, err)
	require.Contains(t, tracked, "u1:bot")
}

func TestIsAgentTrackedUsesCachedSnapshot(t *testing.T) {
	cluster := &fakeCluster{handle: "u1"}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c, err := New(context.Background(), cluster, Options{
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := c.IsAgentTracked(ctx, "bot")
	require.NoError(t, err)
	require.True(t, ok, "bare names qualify with the client prefix")

	ok, err = c.IsAgentTracked(ctx, "u1:bot")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.IsAgentTracked(ctx, "other")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, cluster.trackedReads, "checks within the TTL share one snapshot")

	now = now.Add(TrackedAgentsCacheTTL + time.Second)
	_, err = c.IsAgentTracked(ctx, "bot")
	require.NoError(t, err)
	require.Equal(t, 2, cluster.trackedReads, "expired snapshot is re-read")
}

func TestFactoryGetOrCreateSharesOneContext(t *testing.T) {
	var connects atomic.Int32
	f, err := NewFactory(func(_ context.Context, handle string) (ClusterClient, error) {
		connects.Add(1)
		return &fakeCluster{handle: handle}, nil
	}, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	ctxs := make([]*Context, 8)
	for i := range ctxs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.GetOrCreate(context.Background(), "u1")
			require.NoError(t, err)
			ctxs[i] = c
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, connects.Load())
	for _, c := range ctxs[1:] {
		require.Same(t, ctxs[0], c)
	}
}

func TestFactoryEvictsFailedEntries(t *testing.T) {
	fail := true
	f, err := NewFactory(func(_ context.Context, handle string) (ClusterClient, error) {
		if fail {
			return nil, errors.New("substrate down")
		}
		return &fakeCluster{handle: handle}, nil
	}, Options{})
	require.NoError(t, err)

	_, err = f.GetOrCreate(context.Background(), "u1")
	require.Error(t, err)

	fail = false
	c, err := f.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestFactoryReplacesDisposedContext(t *testing.T) {
	f, err := NewFactory(func(_ context.Context, handle string) (ClusterClient, error) {
		return &fakeCluster{handle: handle}, nil
	}, Options{})
	require.NoError(t, err)

	first, err := f.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	first.Dispose()

	second, err := f.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, second.Disposed())
}

func TestFactoryCreateIsCallerOwned(t *testing.T) {
	f, err := NewFactory(func(_ context.Context, handle string) (ClusterClient, error) {
		return &fakeCluster{handle: handle}, nil
	}, Options{})
	require.NoError(t, err)

	a, err := f.Create(context.Background(), "u1")
	require.NoError(t, err)
	b, err := f.Create(context.Background(), "u1")
	require.NoError(t, err)
	require.NotSame(t, a, b)
}
