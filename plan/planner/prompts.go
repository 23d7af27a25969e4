package planner

import (
	"fmt"
	"strings"

	"goa.design/mesh/plan"
)

const summaryPrompt = `You are assisting a multi-agent planner.
Summarize the conversation below: current status, the objective, and the
rationale behind it. One sentence to one paragraph.
Respond with JSON only: {"summary": "..."}`

const workItemsPrompt = `You are decomposing an objective into work items for
a team of agents. Every item must be something one of the listed agents can
do with its stated capabilities; never plan work only a human could do.
Rules:
- "id" must follow the pattern wi-NNN (wi-001, wi-002, ...).
- "owner" must be one of the listed agent ids whose capabilities fit.
- "dependencyIds" may only reference ids in this same response.
- Include "successCriteria" and "estimatedComplexity" per item.
Respond with JSON only:
{"workItems": [...], "blockers": [{"id": "...", "description": "...", "blocksWorkItemIds": [...]}]}`

const phasePrompt = `Given the conversation below, identify the plan phase
(planning, execution, recovery, or complete) and any strategy pivots the
conversation implies.
Respond with JSON only: {"phase": "...", "strategyPivots": ["..."]}`

const assignmentsPrompt = `Bind each pending or in-progress work item to an
agent capability. The capability must exactly match one of the agent's
listed capabilities. List items no agent can perform (or that describe
human-only work) in "unassignableIds" instead of guessing.
Respond with JSON only:
{"assignments": [{"workItemId": "...", "agentId": "...", "capability": "...", "rationale": "..."}],
 "unassignableIds": ["..."],
 "planRationale": "..."}`

const replanPrompt = `You are updating an existing plan. Work item status
updates have ALREADY been applied to the plan you are given; do not infer
further status changes from the conversation. Return the full updated plan
including unchanged completed items. Keep existing ids stable; new items use
the next free wi-NNN id.
Respond with JSON only:
{"summary": "...", "workItems": [...], "blockers": [...], "phase": "...", "strategyPivots": ["..."]}`

// renderAgents lists agent profiles for prompt context.
func renderAgents(agents []AgentProfile) string {
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: capabilities [%s]", a.Id, strings.Join(a.Capabilities, ", "))
		if a.Description != "" {
			fmt.Fprintf(&b, " - %s", a.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// renderPlanItems lists current work items for the replanner prompt.
func renderPlanItems(t *plan.TaskTracking) string {
	var b strings.Builder
	for _, w := range t.AllWork {
		fmt.Fprintf(&b, "- %s [%s] owner=%s deps=[%s] %s",
			w.Id, w.Status, w.Owner, strings.Join(w.DependencyIds, ","), w.Title)
		if w.Result != "" {
			fmt.Fprintf(&b, " result=%s", w.Result)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
