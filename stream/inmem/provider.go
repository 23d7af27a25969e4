// Package inmem provides an in-process stream.Provider for tests and
// localhost clustering. Each stream owns a delivery goroutine so publishing
// never re-enters subscriber activations synchronously; events are delivered
// to every subscriber in sequence order, one at a time. Production
// deployments use features/stream/pulse.
package inmem

import (
	"context"
	"strconv"
	"sync"

	"goa.design/mesh/message"
	"goa.design/mesh/stream"
	"goa.design/mesh/telemetry"
)

// Provider implements stream.Provider with in-process queues.
type Provider struct {
	logger telemetry.Logger
	buffer int

	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool
}

// Options configures the in-memory provider.
type Options struct {
	// Logger records per-handler delivery failures. Noop when nil.
	Logger telemetry.Logger
	// Buffer is the per-stream queue capacity. Defaults to 256.
	Buffer int
}

type memStream struct {
	name   string
	logger telemetry.Logger

	events chan stream.Event
	done   chan struct{}

	mu   sync.Mutex
	seq  uint64
	subs map[*subscription]struct{}
}

type subscription struct {
	stream  *memStream
	handler stream.Handler
}

// New constructs an in-memory provider.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Provider{
		logger:  logger,
		buffer:  buffer,
		streams: make(map[string]*memStream),
	}
}

// Publish appends the message to the (ns, key) stream. Delivery happens
// asynchronously in the stream's goroutine.
func (p *Provider) Publish(ctx context.Context, ns stream.Namespace, key string, msg message.AgentMessage) error {
	ms := p.stream(ns, key)
	ms.mu.Lock()
	ms.seq++
	ev := stream.Event{Seq: strconv.FormatUint(ms.seq, 10), Message: msg}
	ms.mu.Unlock()
	select {
	case ms.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for subsequent events on the stream.
func (p *Provider) Subscribe(_ context.Context, ns stream.Namespace, key string, h stream.Handler) (stream.Subscription, error) {
	ms := p.stream(ns, key)
	sub := &subscription{stream: ms, handler: h}
	ms.mu.Lock()
	ms.subs[sub] = struct{}{}
	ms.mu.Unlock()
	return sub, nil
}

// Close stops all stream goroutines. Pending events are dropped.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ms := range p.streams {
		close(ms.done)
	}
}

func (p *Provider) stream(ns stream.Namespace, key string) *memStream {
	name := stream.Name(ns, key)
	p.mu.Lock()
	defer p.mu.Unlock()
	ms, ok := p.streams[name]
	if !ok {
		ms = &memStream{
			name:   name,
			logger: p.logger,
			events: make(chan stream.Event, p.buffer),
			done:   make(chan struct{}),
			subs:   make(map[*subscription]struct{}),
		}
		p.streams[name] = ms
		go ms.deliver()
	}
	return ms
}

// deliver fans each event out to the current subscriber set in sequence
// order. Handler failures are logged and do not stall the stream.
func (ms *memStream) deliver() {
	for {
		select {
		case ev := <-ms.events:
			ms.mu.Lock()
			subs := make([]*subscription, 0, len(ms.subs))
			for sub := range ms.subs {
				subs = append(subs, sub)
			}
			ms.mu.Unlock()
			for _, sub := range subs {
				if err := sub.handler(context.Background(), ev); err != nil {
					ms.logger.Warn(context.Background(), "stream handler failed",
						"stream", ms.name, "seq", ev.Seq, "err", err)
				}
			}
		case <-ms.done:
			return
		}
	}
}

// Close removes the subscription from its stream.
func (s *subscription) Close(context.Context) error {
	s.stream.mu.Lock()
	delete(s.stream.subs, s)
	s.stream.mu.Unlock()
	return nil
}
