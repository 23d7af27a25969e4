// Package temporal implements durable reminders on Temporal workflows. Each
// registration runs as one workflow whose ID encodes (agent, name), so
// re-registering a name replaces the running workflow and Unregister cancels
// it. Registrations are additionally persisted in the state store so List
// works without querying Temporal. The workflow survives node restarts and
// reactivates the owning agent on delivery.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/mesh/faults"
	"goa.design/mesh/reminder"
	"goa.design/mesh/state"
	"goa.design/mesh/telemetry"
)

// DefaultTaskQueue is the task queue reminders run on unless overridden.
const DefaultTaskQueue = "mesh-reminders"

type (
	// Options configures the Temporal reminder service.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// service builds a lazy client from ClientOptions with OTEL
		// interceptors installed.
		Client client.Client
		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options
		// TaskQueue overrides the reminder task queue. Defaults to
		// DefaultTaskQueue.
		TaskQueue string
		// Target receives ticks. Required.
		Target reminder.Target
		// Store persists registrations for List. Required.
		Store state.Store
		// WorkerOptions are forwarded to worker.New.
		WorkerOptions worker.Options
		// DisableTracing and DisableMetrics opt out of the OTEL interceptors
		// installed on self-built clients and workers.
		DisableTracing bool
		DisableMetrics bool
		// Logger records delivery failures. Noop when nil.
		Logger telemetry.Logger
	}

	// Service implements reminder.Service on Temporal.
	Service struct {
		client      client.Client
		closeClient bool
		taskQueue   string
		store       state.Store
		logger      telemetry.Logger
		worker      worker.Worker
	}
)

var _ reminder.Service = (*Service)(nil)

// New constructs the service and its worker. Call Start to begin processing
// reminder workflows and Close on shutdown.
func New(opts Options) (*Service, error) {
	if opts.Target == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "temporal reminder service requires a delivery target")
	}
	if opts.Store == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "temporal reminder service requires a state store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}

	var tracer interceptor.Interceptor
	if !opts.DisableTracing {
		t, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal reminders: configure tracing interceptor: %w", err)
		}
		tracer = t
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, faults.New(faults.KindInvalidConfiguration, "temporal reminder service requires client options when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if tracer != nil {
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		if !opts.DisableMetrics && clientOpts.MetricsHandler == nil {
			clientOpts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal reminders: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	if tracer != nil {
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}
	w := worker.New(cli, taskQueue, workerOpts)
	w.RegisterWorkflowWithOptions(ReminderWorkflow, workflow.RegisterOptions{Name: workflowName})
	acts := &Activities{target: opts.Target, store: opts.Store, logger: logger}
	w.RegisterActivityWithOptions(acts.Deliver, activity.RegisterOptions{Name: deliverActivityName})
	w.RegisterActivityWithOptions(acts.Retire, activity.RegisterOptions{Name: retireActivityName})

	return &Service{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   taskQueue,
		store:       opts.Store,
		logger:      logger,
		worker:      w,
	}, nil
}

// Start launches the reminder worker.
func (s *Service) Start() error {
	return s.worker.Start()
}

// Close stops the worker and releases the client when the service owns it.
func (s *Service) Close() {
	s.worker.Stop()
	if s.closeClient {
		s.client.Close()
	}
}

// Register persists the registration and starts (or replaces) its workflow.
func (s *Service) Register(ctx context.Context, reg reminder.Registration) error {
	if reg.AgentHandle == "" || reg.Name == "" {
		return faults.New(faults.KindInvalidConfiguration, "reminder requires agent handle and name")
	}
	if err := saveRegistration(ctx, s.store, reg); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:                    workflowID(reg.AgentHandle, reg.Name),
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_TERMINATE_IF_RUNNING,
	}
	if _, err := s.client.ExecuteWorkflow(ctx, opts, workflowName, reg); err != nil {
		return faults.Wrap(faults.KindSubstrateTransient, err, "start reminder workflow %q", opts.ID)
	}
	return nil
}

// Unregister removes the registration and cancels its workflow. Unknown
// names are a no-op.
func (s *Service) Unregister(ctx context.Context, agentHandle, name string) error {
	if err := removeRegistration(ctx, s.store, agentHandle, name); err != nil {
		return err
	}
	err := s.client.CancelWorkflow(ctx, workflowID(agentHandle, name), "")
	var notFound *serviceerror.NotFound
	if err != nil && !errors.As(err, &notFound) {
		return faults.Wrap(faults.KindSubstrateTransient, err, "cancel reminder workflow for %q/%q", agentHandle, name)
	}
	return nil
}

// List returns the agent's persisted registrations.
func (s *Service) List(ctx context.Context, agentHandle string) ([]reminder.Registration, error) {
	return loadRegistrations(ctx, s.store, agentHandle)
}

func workflowID(agentHandle, name string) string {
	return fmt.Sprintf("reminder/%s/%s", agentHandle, name)
}

func loadRegistrations(ctx context.Context, store state.Store, agentHandle string) ([]reminder.Registration, error) {
	data, err := store.Read(ctx, state.KindReminder, agentHandle, state.SlotReminders)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.KindPersistence, err, "load reminders for %q", agentHandle)
	}
	var regs []reminder.Registration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, faults.Wrap(faults.KindPersistence, err, "decode reminders for %q", agentHandle)
	}
	return regs, nil
}

func saveRegistration(ctx context.Context, store state.Store, reg reminder.Registration) error {
	regs, err := loadRegistrations(ctx, store, reg.AgentHandle)
	if err != nil {
		return err
	}
	replaced := false
	for i := range regs {
		if regs[i].Name == reg.Name {
			regs[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		regs = append(regs, reg)
	}
	return writeRegistrations(ctx, store, reg.AgentHandle, regs)
}

func removeRegistration(ctx context.Context, store state.Store, agentHandle, name string) error {
	regs, err := loadRegistrations(ctx, store, agentHandle)
	if err != nil {
		return err
	}
	kept := regs[:0]
	for _, reg := range regs {
		if reg.Name != name {
			kept = append(kept, reg)
		}
	}
	if len(kept) == len(regs) {
		return nil
	}
	return writeRegistrations(ctx, store, agentHandle, kept)
}

func writeRegistrations(ctx context.Context, store state.Store, agentHandle string, regs []reminder.Registration) error {
	data, err := json.Marshal(regs)
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "encode reminders for %q", agentHandle)
	}
	if err := store.Write(ctx, state.KindReminder, agentHandle, state.SlotReminders, data); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "save reminders for %q", agentHandle)
	}
	return nil
}
