package clientctx

import (
	"context"
	"sync"

	"goa.design/mesh/faults"
	"goa.design/mesh/node"
)

type (
	// ConnectFunc obtains the cluster client for a handle. The node-backed
	// connector is NodeConnector; remote transports plug in their own.
	ConnectFunc func(ctx context.Context, handle string) (ClusterClient, error)

	// Factory hands out client contexts. Create builds a fresh context the
	// caller owns; GetOrCreate shares one cached context per handle.
	Factory struct {
		connect ConnectFunc
		opts    Options

		mu      sync.Mutex
		entries map[string]*futureContext
	}

	// futureContext is a one-shot lazy initialization: concurrent
	// GetOrCreate calls for the same handle share it, and exactly one of
	// them runs the connect.
	futureContext struct {
		once sync.Once
		done chan struct{}
		ctx  *Context
		err  error
	}
)

// NewFactory constructs a factory around a connector.
func NewFactory(connect ConnectFunc, opts Options) (*Factory, error) {
	if connect == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "client context factory requires a connector")
	}
	return &Factory{
		connect: connect,
		opts:    opts,
		entries: make(map[string]*futureContext),
	}, nil
}

// NodeConnector returns a ConnectFunc backed by an in-process node.
func NodeConnector(n *node.Node) ConnectFunc {
	return func(ctx context.Context, handle string) (ClusterClient, error) {
		return n.Client(ctx, handle)
	}
}

// Create builds a fresh context for the handle. The caller owns disposal.
func (f *Factory) Create(ctx context.Context, handle string) (*Context, error) {
	if handle == "" {
		return nil, faults.New(faults.KindInvalidHandle, "client handle is required")
	}
	client, err := f.connect(ctx, handle)
	if err != nil {
		return nil, err
	}
	return New(ctx, client, f.opts)
}

// GetOrCreate returns the shared context for the handle, creating it on first
// use. Concurrent calls for the same handle share one initialization. Failed
// or disposed entries are evicted so a later call retries.
func (f *Factory) GetOrCreate(ctx context.Context, handle string) (*Context, error) {
	if handle == "" {
		return nil, faults.New(faults.KindInvalidHandle, "client handle is required")
	}
	for {
		f.mu.Lock()
		fut, ok := f.entries[handle]
		if !ok {
			fut = &futureContext{done: make(chan struct{})}
			f.entries[handle] = fut
		}
		f.mu.Unlock()

		fut.once.Do(func() {
			defer close(fut.done)
			fut.ctx, fut.err = f.Create(ctx, handle)
		})
		select {
		case <-fut.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if fut.err != nil {
			f.evict(handle, fut)
			return nil, fut.err
		}
		if fut.ctx.Disposed() {
			f.evict(handle, fut)
			continue
		}
		return fut.ctx, nil
	}
}

// Release evicts the handle's cached context and disposes it.
func (f *Factory) Release(handle string) {
	f.mu.Lock()
	fut, ok := f.entries[handle]
	if ok {
		delete(f.entries, handle)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-fut.done:
		if fut.ctx != nil {
			fut.ctx.Dispose()
		}
	default:
	}
}

// Close disposes every cached context.
func (f *Factory) Close() {
	f.mu.Lock()
	entries := f.entries
	f.entries = make(map[string]*futureContext)
	f.mu.Unlock()

	for _, fut := range entries {
		select {
		case <-fut.done:
			if fut.ctx != nil {
				fut.ctx.Dispose()
			}
		default:
		}
	}
}

func (f *Factory) evict(handle string, fut *futureContext) {
	f.mu.Lock()
	if f.entries[handle] == fut {
		delete(f.entries, handle)
	}
	f.mu.Unlock()
}
