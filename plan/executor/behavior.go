package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"goa.design/mesh/behavior"
	"goa.design/mesh/config"
	"goa.design/mesh/faults"
	"goa.design/mesh/message"
	"goa.design/mesh/plan"
	"goa.design/mesh/plan/planner"
)

// PlanningThreadSuffix names the side thread that records planner LLM
// traffic, keeping it off the agent's user-facing thread.
const PlanningThreadSuffix = "-planning"

// NewBehaviorFactory returns a factory that hosts the plan-execute loop as a
// regular agent. Each chat request is treated as an objective: the planner
// turns it into a validated plan and the response acknowledges it. The
// executor then drives the plan off the activation serializer, so retry
// reminder ticks can re-enter OnMessage while work is in flight, and the
// final verdict goes back to the requester as a one-way chat message.
//
// base carries the loop tuning (retry and stall budgets, sleep and resolve
// overrides); its Host, Replanner, Client, Model, Agents, and Logger fields
// are filled in per activation and ignored when set.
//
// The configuration must list at least one model in Models; the first one is
// resolved through the host and used for planning, dispatch composition, and
// evaluation. Args may carry a PlannerEffort override.
func NewBehaviorFactory(agents []planner.AgentProfile, base Options) behavior.Factory {
	return func(cfg behavior.AgentConfiguration, host behavior.Host) (behavior.Behavior, error) {
		return newPlanBehavior(cfg, host, agents, base)
	}
}

// planBehavior adapts the planner and executor to the hosted-agent contract.
type planBehavior struct {
	host   behavior.Host
	cfg    behavior.AgentConfiguration
	agents []planner.AgentProfile
	base   Options

	planner *planner.Planner
	exec    *Executor
	effort  plan.EffortLevel
	running atomic.Bool
}

func newPlanBehavior(cfg behavior.AgentConfiguration, host behavior.Host, agents []planner.AgentProfile, base Options) (*planBehavior, error) {
	if len(cfg.Models) == 0 {
		return nil, faults.New(faults.KindInvalidConfiguration,
			"plan behavior for %q requires a model", cfg.Handle)
	}
	effort, err := config.EffortFromArgs(cfg.Args)
	if err != nil {
		return nil, err
	}
	return &planBehavior{host: host, cfg: cfg, agents: agents, base: base, effort: effort}, nil
}

func (b *planBehavior) OnInitialize(ctx context.Context) error {
	name := b.cfg.Models[0]
	client, ok := b.host.Model(name)
	if !ok {
		return faults.New(faults.KindInvalidConfiguration,
			"model %q is not registered with the host", name)
	}
	p, err := planner.New(planner.Options{
		Client: client,
		Model:  name,
		Logger: b.host.Logger(),
	})
	if err != nil {
		return err
	}
	opts := b.base
	opts.Host = b.host
	opts.Replanner = p
	opts.Client = client
	opts.Model = name
	opts.Agents = b.agents
	opts.Logger = b.host.Logger()
	e, err := New(opts)
	if err != nil {
		return err
	}
	b.planner = p
	b.exec = e
	return nil
}

// OnMessage plans the request's objective and hands the plan to the executor.
// Scheduler ticks for retry reminders are consumed without a response.
func (b *planBehavior) OnMessage(ctx context.Context, req message.AgentMessage) (*message.AgentMessage, error) {
	if name := req.Arg(message.ArgReminderName); name != "" {
		b.exec.OnReminder(ctx, name)
		return nil, nil
	}
	if !b.running.CompareAndSwap(false, true) {
		return &message.AgentMessage{
			Message:     "a plan is already executing",
			MessageType: message.TypeErrorTransient,
		}, nil
	}

	in := planner.Input{
		Objective: req.Message,
		Agents:    b.agents,
		Effort:    b.effort,
	}
	h := b.host.History(b.host.Handle())
	fork, err := h.Fork(ctx)
	if err != nil {
		b.host.Logger().Warn(ctx, "conversation fork failed, planning without context", "err", err)
	} else {
		in.Conversation = fork
	}

	t, err := b.planner.Plan(ctx, in)
	if err != nil {
		b.running.Store(false)
		return b.failure(err), nil
	}
	if len(t.AllWork) == 0 {
		b.running.Store(false)
		return &message.AgentMessage{
			Message:     "planning produced no actionable work items",
			MessageType: message.TypeErrorPermanent,
		}, nil
	}
	if fork != nil {
		if perr := fork.PersistNew(ctx, b.host.Handle()+PlanningThreadSuffix); perr != nil {
			b.host.Logger().Warn(ctx, "planning transcript persist failed", "err", perr)
		}
	}

	go b.execute(t, req.FromHandle)
	return &message.AgentMessage{
		Message: fmt.Sprintf("plan accepted: %d work items", len(t.AllWork)),
	}, nil
}

// execute runs the plan outside the activation serializer. Holding the
// serializer for the whole run would block the reminder ticks the retry loop
// depends on. Only serializer-free host surfaces are touched here: dispatch,
// reminders, and the verdict chat message.
func (b *planBehavior) execute(t *plan.TaskTracking, requester string) {
	defer b.running.Store(false)
	ctx := context.Background()
	v, err := b.exec.Run(ctx, t)
	if err != nil {
		f := b.failure(err)
		b.report(ctx, requester, f.Message, f.MessageType)
		return
	}
	b.report(ctx, requester, renderVerdict(b.exec.Plan(), v), "")
}

func (b *planBehavior) report(ctx context.Context, requester, text, msgType string) {
	if requester == "" {
		return
	}
	err := b.host.SendMessage(ctx, message.AgentMessage{
		ToHandle:    requester,
		Message:     text,
		MessageType: msgType,
	})
	if err != nil {
		b.host.Logger().Error(ctx, "plan verdict delivery failed", "to", requester, "err", err)
	}
}

func (b *planBehavior) OnEvent(ctx context.Context, req message.AgentMessage) error {
	b.host.Logger().Debug(ctx, "plan behavior ignoring event", "type", req.MessageType)
	return nil
}

func (b *planBehavior) GetHealth(_ context.Context, _ behavior.HealthDetail) behavior.HealthReport {
	rep := behavior.HealthReport{State: behavior.HealthHealthy, CheckedAt: time.Now()}
	if b.running.Load() {
		rep.Reason = "executing a plan"
	}
	return rep
}

func (b *planBehavior) Dispose(context.Context) error {
	if b.exec != nil {
		b.exec.Stop()
	}
	return nil
}

func (b *planBehavior) failure(err error) *message.AgentMessage {
	msgType := message.TypeErrorPermanent
	if faults.IsTransient(err) {
		msgType = message.TypeErrorTransient
	}
	return &message.AgentMessage{Message: err.Error(), MessageType: msgType}
}

// renderVerdict summarizes one execution for the requester.
func renderVerdict(t *plan.TaskTracking, v Verdict) string {
	completed, total := 0, 0
	if t != nil {
		total = len(t.AllWork)
		for _, w := range t.AllWork {
			if w.Status == plan.StatusCompleted {
				completed++
			}
		}
	}
	switch {
	case v.Success:
		return fmt.Sprintf("plan completed: %d/%d work items done", completed, total)
	case v.Stalled:
		return fmt.Sprintf("plan stalled after %d/%d work items", completed, total)
	default:
		return fmt.Sprintf("plan finished with failures (%d/%d done, failed: %v)",
			completed, total, v.FailedIds)
	}
}
