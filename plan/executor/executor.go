// Package executor drives a validated plan to completion. It walks the
// plan's execution order one item at a time, composes a dispatch message for
// the owning agent, classifies the agent's reply, and replans after every
// outcome. Transient failures retry through durable reminders so a
// deactivated planner agent still wakes up to finish its retries.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/mesh/faults"
	"goa.design/mesh/handle"
	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/plan"
	"goa.design/mesh/plan/planner"
	"goa.design/mesh/telemetry"
)

// Defaults for Options left zero.
// DefaultRetryDelay must fit inside DefaultMaxStallCycles poll cycles or the
// loop would stall out before the first retry reminder can fire.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 10 * time.Second
	DefaultPollDelay      = 2 * time.Second
	DefaultMaxStallCycles = 10
	DefaultMaxFollowUps   = 3
)

// RetryReminderPrefix names the durable reminders that re-arm a retried
// work item.
const RetryReminderPrefix = "retry-"

type (
	// Host is the slice of the agent host the executor needs. Any
	// behavior.Host satisfies it.
	Host interface {
		Handle() string
		SendAndReceiveMessage(ctx context.Context, msg message.AgentMessage) (message.AgentMessage, error)
		RegisterReminder(ctx context.Context, name, messageType, body string, due, period time.Duration) error
		UnregisterReminder(ctx context.Context, name string) error
	}

	// Replanner revises the plan after each outcome. *planner.Planner
	// satisfies it.
	Replanner interface {
		Replan(ctx context.Context, in planner.ReplanInput) (*plan.TaskTracking, error)
	}

	// Verdict is the final word on one plan execution.
	Verdict struct {
		// Success is true when every item completed.
		Success bool
		// Stalled is true when the loop gave up after MaxStallCycles of no
		// progress.
		Stalled bool
		// FailedIds lists permanently failed work items.
		FailedIds []string
	}

	// Options configures an Executor.
	Options struct {
		// Host dispatches work and schedules retry reminders. Required.
		Host Host
		// Replanner revises the plan after outcomes. Required.
		Replanner Replanner
		// Client composes dispatch messages and evaluates replies.
		// Required.
		Client model.Client
		// Model is the backend model identifier.
		Model string
		// Agents is forwarded to the replanner.
		Agents []planner.AgentProfile
		// Logger records progress and soft failures. Noop when nil.
		Logger telemetry.Logger
		// Metrics counts work item dispatches. Noop when nil.
		Metrics telemetry.Metrics

		// ResolveAgentHandle maps a work item owner to a target handle.
		// Defaults to prefixing with the host handle's owner.
		ResolveAgentHandle func(owner string) string
		// OnExecutionComplete fires once per Run with the final verdict.
		OnExecutionComplete func(ctx context.Context, v Verdict)

		MaxRetries     int
		RetryDelay     time.Duration
		PollDelay      time.Duration
		MaxStallCycles int
		MaxFollowUps   int

		// Sleep overrides the poll wait, for tests.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Executor runs one plan at a time.
	Executor struct {
		host      Host
		replanner Replanner
		client    model.Client
		model     string
		agents    []planner.AgentProfile
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		resolve   func(owner string) string
		onDone    func(ctx context.Context, v Verdict)
		sleep     func(ctx context.Context, d time.Duration) error

		maxRetries     int
		retryDelay     time.Duration
		pollDelay      time.Duration
		maxStallCycles int
		maxFollowUps   int

		mu             sync.Mutex
		plan           *plan.TaskTracking
		isExecuting    bool
		retryCounts    map[string]int
		pendingRetries map[string]bool
		retryBy        time.Time
		followUpCounts map[string]int
	}
)

// New constructs an executor.
func New(opts Options) (*Executor, error) {
	if opts.Host == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "executor requires a host")
	}
	if opts.Replanner == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "executor requires a replanner")
	}
	if opts.Client == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "executor requires a model client")
	}
	e := &Executor{
		host:           opts.Host,
		replanner:      opts.Replanner,
		client:         opts.Client,
		model:          opts.Model,
		agents:         opts.Agents,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		resolve:        opts.ResolveAgentHandle,
		onDone:         opts.OnExecutionComplete,
		sleep:          opts.Sleep,
		maxRetries:     opts.MaxRetries,
		retryDelay:     opts.RetryDelay,
		pollDelay:      opts.PollDelay,
		maxStallCycles: opts.MaxStallCycles,
		maxFollowUps:   opts.MaxFollowUps,
		retryCounts:    make(map[string]int),
		pendingRetries: make(map[string]bool),
		followUpCounts: make(map[string]int),
	}
	if e.logger == nil {
		e.logger = telemetry.NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = telemetry.NoopMetrics{}
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.retryDelay <= 0 {
		e.retryDelay = DefaultRetryDelay
	}
	if e.pollDelay <= 0 {
		e.pollDelay = DefaultPollDelay
	}
	if e.maxStallCycles <= 0 {
		e.maxStallCycles = DefaultMaxStallCycles
	}
	if e.maxFollowUps <= 0 {
		e.maxFollowUps = DefaultMaxFollowUps
	}
	if e.resolve == nil {
		owner, _ := handle.Owner(e.host.Handle())
		e.resolve = func(workOwner string) string {
			if owner == "" {
				return workOwner
			}
			return handle.EnsurePrefix(workOwner, handle.Prefix(owner))
		}
	}
	if e.sleep == nil {
		e.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return e, nil
}

// Plan returns the current plan.
func (e *Executor) Plan() *plan.TaskTracking {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// IsExecuting reports whether a Run is active.
func (e *Executor) IsExecuting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isExecuting
}

// Stop makes the current Run exit at its next loop iteration.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.isExecuting = false
	e.mu.Unlock()
}

// OnReminder handles a reminder tick. Retry reminders re-arm their work item
// and report true; other names report false.
func (e *Executor) OnReminder(ctx context.Context, name string) bool {
	if !strings.HasPrefix(name, RetryReminderPrefix) {
		return false
	}
	id := strings.TrimPrefix(name, RetryReminderPrefix)
	e.mu.Lock()
	delete(e.pendingRetries, id)
	e.mu.Unlock()
	if err := e.host.UnregisterReminder(ctx, name); err != nil {
		e.logger.Warn(ctx, "retry reminder cleanup failed", "reminder", name, "err", err)
	}
	return true
}

// Run executes the plan until completion, stall, or Stop. It blocks; the
// owning activation decides how to schedule it.
func (e *Executor) Run(ctx context.Context, t *plan.TaskTracking) (Verdict, error) {
	if t == nil {
		return Verdict{}, faults.New(faults.KindInvalidConfiguration, "no plan to execute")
	}
	e.mu.Lock()
	e.plan = t
	e.isExecuting = true
	e.mu.Unlock()

	stall := 0
	lastCompleted := -1
	for {
		if err := ctx.Err(); err != nil {
			e.Stop()
			return Verdict{}, err
		}
		e.mu.Lock()
		current := e.plan
		executing := e.isExecuting
		e.mu.Unlock()
		if current == nil || !executing {
			return e.finish(ctx, current)
		}

		next, actionable, completed := e.pick(current)
		if next == nil {
			pending, retryBy := e.pendingState()
			if !actionable && pending == 0 {
				return e.finish(ctx, current)
			}
			switch {
			case completed > lastCompleted:
				stall = 0
			case pending > 0 && time.Now().Before(retryBy):
				// A scheduled retry reminder has not come due yet; waiting
				// for it is not a stall.
				stall = 0
			default:
				stall++
			}
			lastCompleted = completed
			if stall >= e.maxStallCycles {
				v := e.verdict(current)
				v.Stalled = true
				e.complete(ctx, v)
				return v, nil
			}
			if err := e.sleep(ctx, e.pollDelay); err != nil {
				e.Stop()
				return Verdict{}, err
			}
			continue
		}

		stall = 0
		lastCompleted = completed
		e.dispatch(ctx, current, next)
	}
}

// pick finds the first dispatchable item in execution order. It also reports
// whether any actionable item exists at all and the completed count.
func (e *Executor) pick(t *plan.TaskTracking) (*plan.WorkItem, bool, int) {
	completedIds := t.CompletedIds()
	e.mu.Lock()
	pending := make(map[string]bool, len(e.pendingRetries))
	for id := range e.pendingRetries {
		pending[id] = true
	}
	e.mu.Unlock()

	actionable := false
	var next *plan.WorkItem
	for _, id := range t.ExecutionOrder {
		w := t.Item(id)
		if w == nil || (w.Status != plan.StatusPending && w.Status != plan.StatusInProgress) {
			continue
		}
		actionable = true
		if next != nil || pending[id] {
			continue
		}
		ready := true
		for _, dep := range w.DependencyIds {
			if !completedIds[dep] {
				ready = false
				break
			}
		}
		if ready {
			next = w
		}
	}
	return next, actionable, len(completedIds)
}

// pendingState returns the number of in-flight retries and the deadline by
// which the latest of them should have ticked.
func (e *Executor) pendingState() (int, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingRetries), e.retryBy
}

// finish emits the completion verdict and clears the executing flag.
func (e *Executor) finish(ctx context.Context, t *plan.TaskTracking) (Verdict, error) {
	v := e.verdict(t)
	e.complete(ctx, v)
	return v, nil
}

func (e *Executor) verdict(t *plan.TaskTracking) Verdict {
	v := Verdict{Success: true}
	if t == nil {
		return v
	}
	for _, w := range t.AllWork {
		if w.Status == plan.StatusFailed {
			v.Success = false
			v.FailedIds = append(v.FailedIds, w.Id)
		}
		if w.Status == plan.StatusPending || w.Status == plan.StatusInProgress {
			v.Success = false
		}
	}
	return v
}

func (e *Executor) complete(ctx context.Context, v Verdict) {
	e.Stop()
	e.logger.Info(ctx, "plan execution finished",
		"success", v.Success, "stalled", v.Stalled, "failed", len(v.FailedIds))
	if e.onDone != nil {
		e.onDone(ctx, v)
	}
}

// dispatch sends one work item to its owner and handles the classified
// outcome, following the NeedsInfo loop up to the follow-up budget.
func (e *Executor) dispatch(ctx context.Context, t *plan.TaskTracking, w *plan.WorkItem) {
	w.Status = plan.StatusInProgress
	w.Attempts++

	body := e.composeDispatch(ctx, t, w)
	target := e.resolve(w.Owner)
	msg := message.AgentMessage{
		FromHandle: e.host.Handle(),
		ToHandle:   target,
		Message:    body,
		Kind:       message.KindRequest,
		Channel:    "agent",
	}

	for {
		e.metrics.IncCounter("mesh.plan.dispatches", 1, "owner", w.Owner)
		resp, err := e.host.SendAndReceiveMessage(ctx, msg)
		if err != nil {
			e.logger.Warn(ctx, "work item dispatch failed", "id", w.Id, "target", target, "err", err)
			e.transientFailure(ctx, w, err.Error())
			return
		}
		switch resp.MessageType {
		case message.TypeErrorTransient:
			e.transientFailure(ctx, w, resp.Message)
			return
		case message.TypeErrorPermanent:
			e.permanentFailure(ctx, w, resp.Message)
			return
		}

		ev := e.evaluate(ctx, w, resp)
		switch ev.Outcome {
		case OutcomeCompleted:
			e.mu.Lock()
			delete(e.retryCounts, w.Id)
			delete(e.followUpCounts, w.Id)
			delete(e.pendingRetries, w.Id)
			e.mu.Unlock()
			result := ev.Summary
			if result == "" {
				result = resp.Message
			}
			e.replan(ctx, plan.StatusUpdate{WorkItemId: w.Id, NewStatus: plan.StatusCompleted, Result: result})
			return
		case OutcomeNeedsInfo:
			e.mu.Lock()
			e.followUpCounts[w.Id]++
			count := e.followUpCounts[w.Id]
			e.mu.Unlock()
			if count > e.maxFollowUps {
				e.permanentFailure(ctx, w, fmt.Sprintf("follow-up budget exhausted after %d attempts", count-1))
				return
			}
			msg.Message = ev.FollowUpMessage
			continue
		default:
			e.permanentFailure(ctx, w, ev.Summary)
			return
		}
	}
}

// transientFailure schedules a retry or escalates to permanent failure once
// the retry budget is spent.
func (e *Executor) transientFailure(ctx context.Context, w *plan.WorkItem, reason string) {
	e.mu.Lock()
	e.retryCounts[w.Id]++
	count := e.retryCounts[w.Id]
	withinBudget := count <= e.maxRetries
	if withinBudget {
		e.pendingRetries[w.Id] = true
		// Stall counting holds off until the reminder was due plus a full
		// stall budget of grace, so a slow reminder service cannot strand
		// the loop but an on-time one never trips it.
		e.retryBy = time.Now().Add(e.retryDelay + time.Duration(e.maxStallCycles)*e.pollDelay)
	}
	e.mu.Unlock()

	if !withinBudget {
		e.permanentFailure(ctx, w, fmt.Sprintf("retries exhausted: %s", reason))
		return
	}
	name := RetryReminderPrefix + w.Id
	if err := e.host.RegisterReminder(ctx, name, "retry", w.Id, e.retryDelay, 0); err != nil {
		// Without a reminder the retry would never fire; release the item
		// so the loop can pick it up again immediately.
		e.logger.Error(ctx, "retry reminder registration failed", "id", w.Id, "err", err)
		e.mu.Lock()
		delete(e.pendingRetries, w.Id)
		e.mu.Unlock()
		return
	}
	e.logger.Info(ctx, "work item retry scheduled",
		"id", w.Id, "attempt", count, "delay", e.retryDelay, "reason", reason)
}

// permanentFailure clears the item's loop state and replans it as failed.
func (e *Executor) permanentFailure(ctx context.Context, w *plan.WorkItem, reason string) {
	e.mu.Lock()
	delete(e.retryCounts, w.Id)
	delete(e.followUpCounts, w.Id)
	delete(e.pendingRetries, w.Id)
	e.mu.Unlock()
	e.logger.Warn(ctx, "work item failed permanently", "id", w.Id, "reason", reason)
	e.replan(ctx, plan.StatusUpdate{WorkItemId: w.Id, NewStatus: plan.StatusFailed, Result: reason})
}

// replan swaps in the revised plan. A replanner failure keeps the current
// plan but still applies the status update so the loop cannot spin on the
// same item.
func (e *Executor) replan(ctx context.Context, update plan.StatusUpdate) {
	e.mu.Lock()
	current := e.plan
	e.mu.Unlock()
	next, err := e.replanner.Replan(ctx, planner.ReplanInput{
		Previous:      current,
		StatusUpdates: []plan.StatusUpdate{update},
		Agents:        e.agents,
	})
	if err != nil {
		e.logger.Error(ctx, "replan failed", "id", update.WorkItemId, "err", err)
		if w := current.Item(update.WorkItemId); w != nil {
			w.Status = update.NewStatus
			w.Result = update.Result
		}
		return
	}
	e.mu.Lock()
	e.plan = next
	e.mu.Unlock()
}

// composeDispatch asks the model to write the dispatch message, seeding it
// with completed dependency results. Falls back to "Title: Description".
func (e *Executor) composeDispatch(ctx context.Context, t *plan.TaskTracking, w *plan.WorkItem) string {
	fallback := w.Title
	if w.Description != "" {
		fallback = w.Title + ": " + w.Description
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Work item: %s\nTitle: %s\nDescription: %s\nSuccess criteria: %s\n",
		w.Id, w.Title, w.Description, w.SuccessCriteria)
	deps := make(map[string]bool, len(w.DependencyIds))
	for _, dep := range w.DependencyIds {
		deps[dep] = true
	}
	b.WriteString("\nCompleted dependency results:\n")
	for _, other := range t.AllWork {
		if other.Status != plan.StatusCompleted {
			continue
		}
		if deps[other.Id] {
			fmt.Fprintf(&b, "- %s (%s): %s\n", other.Id, other.Title, other.Result)
		}
	}
	b.WriteString("\nOther completed work:\n")
	for _, other := range t.AllWork {
		if other.Status == plan.StatusCompleted && !deps[other.Id] {
			fmt.Fprintf(&b, "- %s (%s): %s\n", other.Id, other.Title, other.Result)
		}
	}

	resp, err := e.client.Complete(ctx, &model.Request{
		Model: e.model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Write a self-contained instruction message for the agent " +
				"assigned to the work item below. Include every piece of dependency data the agent needs; " +
				"it cannot see the plan. Respond with the message text only."},
			{Role: model.RoleUser, Content: b.String()},
		},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		e.logger.Warn(ctx, "dispatch composition failed, using fallback", "id", w.Id, "err", err)
		return fallback
	}
	return resp.Content
}
