// Package pulse implements the mesh stream plane on goa.design/pulse streams
// backed by Redis. Each (namespace, key) stream maps to one Pulse stream and
// every subscription gets its own consumer group, so all subscribers see all
// events. Delivery is at-least-once; the sequence token is the Redis event ID.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	clientspulse "goa.design/mesh/features/stream/pulse/clients/pulse"
	"goa.design/mesh/message"
	"goa.design/mesh/stream"
	"goa.design/mesh/telemetry"
)

const defaultSinkPrefix = "mesh"

type (
	// Options configures the Pulse provider.
	Options struct {
		// Client is the Pulse client used for publishing and subscribing.
		// Required and typically built via clients/pulse.
		Client clientspulse.Client
		// SinkPrefix namespaces the consumer groups created per
		// subscription. Defaults to "mesh".
		SinkPrefix string
		// Logger records delivery failures. Noop when nil.
		Logger telemetry.Logger
	}

	// Provider implements stream.Provider on Pulse streams.
	Provider struct {
		client     clientspulse.Client
		sinkPrefix string
		logger     telemetry.Logger
	}

	// envelope wraps agent messages for transmission over Pulse streams.
	envelope struct {
		Timestamp time.Time            `json:"timestamp"`
		Message   message.AgentMessage `json:"message"`
	}

	subscription struct {
		cancel context.CancelFunc
		sink   clientspulse.Sink
	}
)

var _ stream.Provider = (*Provider)(nil)

// New constructs a Pulse-backed stream provider.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.SinkPrefix
	if prefix == "" {
		prefix = defaultSinkPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Provider{client: opts.Client, sinkPrefix: prefix, logger: logger}, nil
}

// Publish appends the message to the (ns, key) Pulse stream.
func (p *Provider) Publish(ctx context.Context, ns stream.Namespace, key string, msg message.AgentMessage) error {
	handle, err := p.client.Stream(stream.Name(ns, key))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Timestamp: time.Now().UTC(), Message: msg})
	if err != nil {
		return err
	}
	event := msg.MessageType
	if event == "" {
		event = "message"
	}
	_, err = handle.Add(ctx, event, payload)
	return err
}

// Subscribe opens a dedicated consumer group on the stream and pumps events
// into the handler until the subscription is closed. Handler and decode
// failures are logged and acked so the stream never stalls.
func (p *Provider) Subscribe(ctx context.Context, ns stream.Namespace, key string, h stream.Handler) (stream.Subscription, error) {
	handle, err := p.client.Stream(stream.Name(ns, key))
	if err != nil {
		return nil, err
	}
	sink, err := handle.NewSink(ctx, p.sinkPrefix+"-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	go p.consume(runCtx, stream.Name(ns, key), sink, h)
	return &subscription{cancel: cancel, sink: sink}, nil
}

// Close releases the provider's Pulse client.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

func (p *Provider) consume(ctx context.Context, name string, sink clientspulse.Sink, h stream.Handler) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				p.logger.Warn(ctx, "stream payload unreadable", "stream", name, "id", evt.ID, "err", err)
			} else if err := h(ctx, stream.Event{Seq: evt.ID, Message: env.Message}); err != nil {
				p.logger.Warn(ctx, "stream handler failed", "stream", name, "id", evt.ID, "err", err)
			}
			if err := sink.Ack(ctx, evt); err != nil {
				p.logger.Warn(ctx, "stream ack failed", "stream", name, "id", evt.ID, "err", err)
			}
		}
	}
}

// Close stops consumption and tears down the consumer group.
func (s *subscription) Close(ctx context.Context) error {
	s.cancel()
	s.sink.Close(ctx)
	return nil
}
