package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/mesh/message"
	"goa.design/mesh/model"
	"goa.design/mesh/plan"
)

type (
	// Outcome classifies an agent's reply to a dispatched work item.
	Outcome string

	// Evaluation is the evaluator's judgment of one reply.
	Evaluation struct {
		Outcome Outcome `json:"outcome"`
		Summary string  `json:"summary"`
		// FollowUpMessage is set for NeedsInfo: the next message to send so
		// the agent produces the missing deliverable.
		FollowUpMessage string `json:"followUpMessage,omitempty"`
	}
)

const (
	OutcomeCompleted Outcome = "Completed"
	OutcomeNeedsInfo Outcome = "NeedsInfo"
	OutcomeFailed    Outcome = "Failed"
)

const evaluatorPrompt = `You judge whether an agent's reply completes a work
item. Apply data completeness strictly: a reply that merely claims the work
was done without including the deliverable data is NeedsInfo, not Completed.
For NeedsInfo, write a followUpMessage that tells the agent exactly what
concrete data to produce, using context from the completed work below.
Respond with JSON only:
{"outcome": "Completed" | "NeedsInfo" | "Failed", "summary": "...", "followUpMessage": "..."}`

// evaluate classifies the reply. Evaluator failures default to Completed so
// a broken judge never blocks progress.
func (e *Executor) evaluate(ctx context.Context, w *plan.WorkItem, resp message.AgentMessage) Evaluation {
	var b strings.Builder
	fmt.Fprintf(&b, "Work item: %s\nTitle: %s\nSuccess criteria: %s\n\nAgent reply:\n%s\n",
		w.Id, w.Title, w.SuccessCriteria, resp.Message)

	completed, err := e.client.Complete(ctx, &model.Request{
		Model: e.model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: evaluatorPrompt},
			{Role: model.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		e.logger.Warn(ctx, "evaluator failed, assuming completed", "id", w.Id, "err", err)
		return Evaluation{Outcome: OutcomeCompleted, Summary: resp.Message}
	}

	var ev Evaluation
	raw := strings.TrimSpace(completed.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		e.logger.Warn(ctx, "evaluator output unreadable, assuming completed", "id", w.Id, "err", err)
		return Evaluation{Outcome: OutcomeCompleted, Summary: resp.Message}
	}
	switch ev.Outcome {
	case OutcomeCompleted, OutcomeFailed:
	case OutcomeNeedsInfo:
		if ev.FollowUpMessage == "" {
			ev.FollowUpMessage = "Please include the concrete deliverable data for: " + w.Title
		}
	default:
		e.logger.Warn(ctx, "evaluator returned unknown outcome, assuming completed",
			"id", w.Id, "outcome", string(ev.Outcome))
		ev.Outcome = OutcomeCompleted
	}
	if ev.Summary == "" {
		ev.Summary = resp.Message
	}
	return ev
}
