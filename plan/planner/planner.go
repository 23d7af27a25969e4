// Package planner turns a conversation and an objective into a validated
// plan. It drives a chat model in two phases: parallel extractions
// (summary, work items, phase) under one deadline, then sequential agent
// assignment. All model output is schema-checked and passed through the
// deterministic plan validator, so the executor never sees an inconsistent
// plan. Planner LLM traffic is recorded on a conversation fork, keeping the
// user-facing thread clean.
package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/mesh/faults"
	"goa.design/mesh/history"
	"goa.design/mesh/model"
	"goa.design/mesh/plan"
	"goa.design/mesh/telemetry"
)

// DefaultPhase1Deadline bounds the parallel extraction phase.
const DefaultPhase1Deadline = 5 * time.Minute

type (
	// AgentProfile describes one agent the planner may delegate to.
	AgentProfile struct {
		Id           string
		Capabilities []string
		Description  string
	}

	// Conversation is the planner's view of a chat session. Both
	// *history.Provider and *history.Fork satisfy it; planners are given a
	// fork.
	Conversation interface {
		Invoking(ctx context.Context) ([]history.StoredChatMessage, error)
		Invoked(ctx context.Context, turn history.Turn)
	}

	// Input is one planning request.
	Input struct {
		// Objective states what the plan must achieve.
		Objective string
		// Conversation optionally supplies session context and records the
		// planner's own LLM traffic.
		Conversation Conversation
		// Agents lists the delegation targets.
		Agents []AgentProfile
		// Effort sizes the plan.
		Effort plan.EffortLevel
	}

	// Options configures a Planner.
	Options struct {
		// Client runs completions. Required.
		Client model.Client
		// Model is the backend model identifier.
		Model string
		// Logger records soft failures. Noop when nil.
		Logger telemetry.Logger
		// Phase1Deadline bounds the parallel extractions. Defaults to
		// DefaultPhase1Deadline.
		Phase1Deadline time.Duration
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Planner produces validated plans.
	Planner struct {
		client   model.Client
		model    string
		logger   telemetry.Logger
		deadline time.Duration
		now      func() time.Time
	}

	workItemsOut struct {
		WorkItems []planItem     `json:"workItems"`
		Blockers  []plan.Blocker `json:"blockers"`
	}

	planItem struct {
		Id                  string        `json:"id"`
		Title               string        `json:"title"`
		Description         string        `json:"description"`
		Status              plan.Status   `json:"status"`
		Owner               string        `json:"owner"`
		DependencyIds       []string      `json:"dependencyIds"`
		SuccessCriteria     string        `json:"successCriteria"`
		EstimatedComplexity string        `json:"estimatedComplexity"`
		Priority            plan.Priority `json:"priority"`
	}

	summaryOut struct {
		Summary string `json:"summary"`
	}

	phaseOut struct {
		Phase          plan.Phase `json:"phase"`
		StrategyPivots []string   `json:"strategyPivots"`
	}

	assignmentsOut struct {
		Assignments     []plan.AgentAssignment `json:"assignments"`
		UnassignableIds []string               `json:"unassignableIds"`
		PlanRationale   string                 `json:"planRationale"`
	}
)

// New constructs a planner.
func New(opts Options) (*Planner, error) {
	if opts.Client == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "planner requires a model client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	deadline := opts.Phase1Deadline
	if deadline <= 0 {
		deadline = DefaultPhase1Deadline
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Planner{
		client:   opts.Client,
		model:    opts.Model,
		logger:   logger,
		deadline: deadline,
		now:      now,
	}, nil
}

// Plan runs both phases and returns a validated plan. Extraction failures
// degrade the plan rather than failing it; only a total inability to talk to
// the model is an error.
func (p *Planner) Plan(ctx context.Context, in Input) (*plan.TaskTracking, error) {
	convo := p.renderConversation(ctx, in.Conversation)

	sum, items, phase := p.phase1(ctx, in, convo)

	t := &plan.TaskTracking{
		Summary:        sum.Summary,
		Blockers:       items.Blockers,
		Phase:          plan.PhaseExecution,
		StrategyPivots: phase.StrategyPivots,
		EffortLevel:    in.Effort,
		PlanVersion:    1,
		PlannedAt:      p.now(),
	}
	if phase.Phase != "" {
		t.Phase = phase.Phase
	}
	for _, it := range items.WorkItems {
		t.AllWork = append(t.AllWork, plan.WorkItem{
			Id:                  it.Id,
			Title:               it.Title,
			Description:         it.Description,
			Status:              plan.StatusPending,
			Priority:            it.Priority,
			Owner:               it.Owner,
			DependencyIds:       it.DependencyIds,
			SuccessCriteria:     it.SuccessCriteria,
			EstimatedComplexity: it.EstimatedComplexity,
		})
	}

	if err := p.assign(ctx, in, t); err != nil {
		return nil, err
	}
	plan.Validate(t)
	return t, nil
}

// phase1 runs the three extractions concurrently under the deadline and
// returns whatever completed in time.
func (p *Planner) phase1(ctx context.Context, in Input, convo string) (summaryOut, workItemsOut, phaseOut) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	var (
		mu    sync.Mutex
		sum   summaryOut
		items workItemsOut
		phase phaseOut
	)
	user := fmt.Sprintf("Objective: %s\n\nAgents:\n%s\nConversation:\n%s",
		in.Objective, renderAgents(in.Agents), convo)

	var wg sync.WaitGroup
	run := func(name, system string, out any) {
		defer wg.Done()
		content, err := p.complete(ctx, in.Conversation, system, user)
		if err != nil {
			p.logger.Warn(ctx, "plan extraction failed", "extraction", name, "err", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := decodeValidated(name, content, out); err != nil {
			p.logger.Warn(ctx, "plan extraction rejected", "extraction", name, "err", err)
		}
	}
	wg.Add(3)
	go run("summary", summaryPrompt, &sum)
	go run("workItems", workItemsPrompt, &items)
	go run("phase", phasePrompt, &phase)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return sum, items, phase
}

// assign runs the sequential assignment phase and removes items no agent can
// own.
func (p *Planner) assign(ctx context.Context, in Input, t *plan.TaskTracking) error {
	if len(t.AllWork) == 0 {
		return nil
	}
	user := fmt.Sprintf("Agents:\n%s\nWork items:\n%s", renderAgents(in.Agents), renderPlanItems(t))
	content, err := p.complete(ctx, in.Conversation, assignmentsPrompt, user)
	if err != nil {
		return faults.Wrap(faults.KindHandlerFault, err, "agent assignment")
	}
	var out assignmentsOut
	if err := decodeValidated("assignments", content, &out); err != nil {
		return err
	}

	capabilities := make(map[string]map[string]bool, len(in.Agents))
	for _, a := range in.Agents {
		caps := make(map[string]bool, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps[c] = true
		}
		capabilities[a.Id] = caps
	}
	bound := make(map[string]plan.AgentAssignment, len(out.Assignments))
	for _, a := range out.Assignments {
		if caps, ok := capabilities[a.AgentId]; ok && caps[a.Capability] {
			bound[a.WorkItemId] = a
		}
	}
	unassignable := make(map[string]bool, len(out.UnassignableIds))
	for _, id := range out.UnassignableIds {
		unassignable[id] = true
	}

	kept := t.AllWork[:0]
	for _, w := range t.AllWork {
		needsBinding := w.Status == plan.StatusPending || w.Status == plan.StatusInProgress
		a, ok := bound[w.Id]
		if needsBinding && (unassignable[w.Id] || !ok) {
			p.logger.Info(ctx, "dropping unassignable work item", "id", w.Id, "title", w.Title)
			continue
		}
		if ok {
			w.Owner = a.AgentId
			t.AgentAssignments = append(t.AgentAssignments, a)
		}
		kept = append(kept, w)
	}
	t.AllWork = kept
	t.PlanRationale = out.PlanRationale
	return nil
}

// complete runs one completion and records it on the conversation.
func (p *Planner) complete(ctx context.Context, convo Conversation, system, user string) (string, error) {
	req := &model.Request{
		Model: p.model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: system},
			{Role: model.RoleUser, Content: user},
		},
	}
	resp, err := p.client.Complete(ctx, req)
	if convo != nil {
		turn := history.Turn{
			RequestMessages: []history.ChatMessage{{
				Role: model.RoleUser, AuthorName: "planner",
				Contents: []history.Content{history.Text(user)},
			}},
			Err: err,
		}
		if err == nil {
			turn.ResponseMessages = []history.ChatMessage{{
				Role: model.RoleAssistant, AuthorName: "planner",
				Contents: []history.Content{history.Text(resp.Content)},
			}}
		}
		convo.Invoked(ctx, turn)
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// renderConversation flattens the session snapshot for prompt context.
func (p *Planner) renderConversation(ctx context.Context, convo Conversation) string {
	if convo == nil {
		return "(none)"
	}
	msgs, err := convo.Invoking(ctx)
	if err != nil {
		p.logger.Warn(ctx, "conversation snapshot failed", "err", err)
		return "(unavailable)"
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.ContentsJson)
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return b.String()
}
