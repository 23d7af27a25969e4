package planner

import (
	"context"
	"fmt"

	"goa.design/mesh/faults"
	"goa.design/mesh/plan"
)

type (
	// ReplanInput is one replanning request.
	ReplanInput struct {
		// Previous is the plan being revised. Never mutated.
		Previous *plan.TaskTracking
		// StatusUpdates are externally observed outcomes, applied in code
		// before the model sees the plan.
		StatusUpdates []plan.StatusUpdate
		// Context optionally carries new information for the model.
		Context string
		// Conversation records the replanner's LLM traffic.
		Conversation Conversation
		// Agents lists the delegation targets.
		Agents []AgentProfile
	}

	replanOut struct {
		Summary        string         `json:"summary"`
		WorkItems      []planItem     `json:"workItems"`
		Blockers       []plan.Blocker `json:"blockers"`
		Phase          plan.Phase     `json:"phase"`
		StrategyPivots []string       `json:"strategyPivots"`
	}
)

// Replan applies status updates to a copy of the plan, asks the model for a
// revision, re-assigns and re-validates, and records the diff. With no
// updates and no new context the model is skipped and only the version
// advances.
func (p *Planner) Replan(ctx context.Context, in ReplanInput) (*plan.TaskTracking, error) {
	if in.Previous == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "replan requires a previous plan")
	}
	next := in.Previous.Clone()
	applyStatusUpdates(next, in.StatusUpdates)

	if len(in.StatusUpdates) == 0 && in.Context == "" {
		next.PlanVersion++
		next.LastReplanDiff = &plan.PlanDiff{}
		return next, nil
	}

	user := fmt.Sprintf(
		"Current plan summary: %s\nPhase: %s\n\nWork items (statuses already current):\n%s\nAgents:\n%s\nNew context:\n%s",
		next.Summary, next.Phase, renderPlanItems(next), renderAgents(in.Agents), in.Context)
	content, err := p.complete(ctx, in.Conversation, replanPrompt, user)
	if err != nil {
		return nil, faults.Wrap(faults.KindHandlerFault, err, "replan")
	}
	var out replanOut
	if err := decodeValidated("replan", content, &out); err != nil {
		return nil, err
	}

	revised := &plan.TaskTracking{
		Summary:        out.Summary,
		Blockers:       out.Blockers,
		Phase:          next.Phase,
		StrategyPivots: out.StrategyPivots,
		EffortLevel:    next.EffortLevel,
		PlannedAt:      p.now(),
	}
	if out.Phase != "" {
		revised.Phase = out.Phase
	}
	prevItems := itemIndex(next)
	for _, it := range out.WorkItems {
		w := plan.WorkItem{
			Id:                  it.Id,
			Title:               it.Title,
			Description:         it.Description,
			Status:              it.Status,
			Priority:            it.Priority,
			Owner:               it.Owner,
			DependencyIds:       it.DependencyIds,
			SuccessCriteria:     it.SuccessCriteria,
			EstimatedComplexity: it.EstimatedComplexity,
		}
		// Model output never overrides code-applied statuses or results for
		// items that already existed.
		if prev, ok := prevItems[w.Id]; ok {
			w.Status = prev.Status
			w.Result = prev.Result
			w.Attempts = prev.Attempts
			if w.Owner == "" {
				w.Owner = prev.Owner
			}
		} else if w.Status == "" {
			w.Status = plan.StatusPending
		}
		revised.AllWork = append(revised.AllWork, w)
	}

	if err := p.assign(ctx, Input{Agents: in.Agents, Conversation: in.Conversation}, revised); err != nil {
		return nil, err
	}
	plan.Validate(revised)

	diff := Diff(in.Previous, revised)
	revised.PlanVersion = in.Previous.PlanVersion + 1
	revised.LastReplanDiff = &diff
	return revised, nil
}

// applyStatusUpdates mutates status and result only. Unknown ids are
// ignored.
func applyStatusUpdates(t *plan.TaskTracking, updates []plan.StatusUpdate) {
	for _, u := range updates {
		if w := t.Item(u.WorkItemId); w != nil {
			w.Status = u.NewStatus
			if u.Result != "" {
				w.Result = u.Result
			}
		}
	}
}
