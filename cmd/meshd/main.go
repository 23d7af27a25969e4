// Command meshd runs a localhost mesh node end to end: it hosts an echo
// agent, connects a client context, and exchanges a few messages. It is a
// smoke-test binary, not a production server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	"goa.design/mesh/behavior"
	"goa.design/mesh/clientctx"
	"goa.design/mesh/config"
	"goa.design/mesh/message"
	"goa.design/mesh/node"
	statemem "goa.design/mesh/state/inmem"
	streammem "goa.design/mesh/stream/inmem"
	"goa.design/mesh/telemetry"
)

// echoBehavior replies to every chat message with its payload.
type echoBehavior struct {
	host behavior.Host
}

func (b *echoBehavior) OnInitialize(ctx context.Context) error {
	b.host.Logger().Info(ctx, "echo agent ready", "handle", b.host.Handle())
	return nil
}

func (b *echoBehavior) OnMessage(_ context.Context, req message.AgentMessage) (*message.AgentMessage, error) {
	return &message.AgentMessage{
		Message:     "echo: " + req.Message,
		MessageType: "chat",
	}, nil
}

func (b *echoBehavior) OnEvent(ctx context.Context, req message.AgentMessage) error {
	b.host.Logger().Info(ctx, "event received", "payload", req.Message)
	return nil
}

func (b *echoBehavior) GetHealth(_ context.Context, _ behavior.HealthDetail) behavior.HealthReport {
	return behavior.HealthReport{State: behavior.HealthHealthy}
}

func (b *echoBehavior) Dispose(context.Context) error { return nil }

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
		clientID   = flag.String("client", "demo", "client handle")
		text       = flag.String("message", "hello, mesh", "message to send")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPath, *clientID, *text); err != nil {
		log.Errorf(ctx, err, "meshd failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, clientID, text string) error {
	cluster := config.ClusterOptions{Mode: config.ModeLocalhost}
	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cluster = f.Cluster
	}
	if cluster.Mode != config.ModeLocalhost {
		return fmt.Errorf("meshd only runs the %s clustering mode, got %s", config.ModeLocalhost, cluster.Mode)
	}
	log.Infof(ctx, "starting node: cluster=%s service=%s", cluster.ClusterID, cluster.ServiceID)

	logger := telemetry.NewClueLogger()
	behaviors := behavior.NewRegistry()
	behaviors.Register("echo", func(_ behavior.AgentConfiguration, host behavior.Host) (behavior.Behavior, error) {
		return &echoBehavior{host: host}, nil
	})

	n, err := node.New(node.Options{
		Behaviors: behaviors,
		Stream:    streammem.New(streammem.Options{Logger: logger}),
		State:     statemem.New(),
		Logger:    logger,
		Metrics:   telemetry.NewClueMetrics(),
		Tracer:    telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(ctx); err != nil {
			log.Errorf(ctx, err, "node shutdown")
		}
	}()

	factory, err := clientctx.NewFactory(clientctx.NodeConnector(n), clientctx.Options{
		OnMessage: func(ctx context.Context, msg message.AgentMessage) {
			log.Infof(ctx, "async message from %s: %s", msg.FromHandle, msg.Message)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer factory.Close()

	cc, err := factory.GetOrCreate(ctx, clientID)
	if err != nil {
		return err
	}

	agentHandle, err := cc.CreateAgent(ctx, behavior.AgentConfiguration{
		AgentType: "echo",
		Handle:    "echo-1",
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "agent ready: %s", agentHandle)

	resp, err := cc.SendAndReceiveMessage(ctx, message.AgentMessage{
		ToHandle: agentHandle,
		Message:  text,
		Kind:     message.KindRequest,
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "reply: %s", resp.Message)

	status, err := cc.AgentHealth(ctx, agentHandle, behavior.HealthFull)
	if err != nil {
		return err
	}
	log.Infof(ctx, "health: state=%s type=%s streams=%s",
		status.State, status.AgentType, strings.Join(status.ActiveStreams, ","))
	return nil
}
