package pulse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	clientspulse "goa.design/mesh/features/stream/pulse/clients/pulse"
	"goa.design/mesh/message"
	"goa.design/mesh/stream"
)

// startRedis launches a throwaway Redis container, skipping when Docker is
// unavailable.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, rdb.Ping(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIntegrationPublishSubscribeRoundTrip(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	client, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 1000})
	require.NoError(t, err)
	p, err := New(Options{Client: client})
	require.NoError(t, err)

	got := make(chan stream.Event, 4)
	sub, err := p.Subscribe(ctx, stream.NamespaceAgentChat, "u1:bot", func(_ context.Context, ev stream.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close(ctx) }()

	want := message.AgentMessage{
		FromHandle: "u1",
		ToHandle:   "u1:bot",
		Message:    "over redis",
		Kind:       message.KindRequest,
	}
	require.NoError(t, p.Publish(ctx, stream.NamespaceAgentChat, "u1:bot", want))

	select {
	case ev := <-got:
		require.Equal(t, want, ev.Message)
		require.NotEmpty(t, ev.Seq)
	case <-time.After(10 * time.Second):
		t.Fatal("event never arrived over redis")
	}
}
