// Package plan holds the task-plan data model and the deterministic
// validator that makes LLM-produced plans safe to execute. The validator is
// the oracle: whatever ordering or references a model emits, the plan that
// comes out of Validate has unique ids, no dangling references, no cycles,
// and a deterministic execution order.
package plan

import "time"

type (
	// Status is a work item's lifecycle state.
	Status string

	// Priority orders ready work items.
	Priority string

	// Phase is the plan's overall stage.
	Phase string

	// EffortLevel sizes how much planning work is warranted.
	EffortLevel string

	// WorkItem is one unit of delegable work.
	WorkItem struct {
		Id              string   `json:"id"`
		Title           string   `json:"title"`
		Description     string   `json:"description,omitempty"`
		Status          Status   `json:"status"`
		Priority        Priority `json:"priority,omitempty"`
		Owner           string   `json:"owner,omitempty"`
		Result          string   `json:"result,omitempty"`
		BlockedReason   string   `json:"blockedReason,omitempty"`
		ParentId        string   `json:"parentId,omitempty"`
		SubTasks        []string `json:"subTasks,omitempty"`
		DependencyIds   []string `json:"dependencyIds,omitempty"`
		SuccessCriteria string   `json:"successCriteria,omitempty"`
		Attempts        int      `json:"attempts,omitempty"`
		// EstimatedComplexity is the planner's sizing label, such as
		// "small" or "large".
		EstimatedComplexity string `json:"estimatedComplexity,omitempty"`
		// ExecutionOrder is the item's 1-based position after validation.
		ExecutionOrder int `json:"executionOrder,omitempty"`
	}

	// Blocker describes an obstacle affecting one or more work items.
	Blocker struct {
		Id                string   `json:"id"`
		Description       string   `json:"description"`
		BlocksWorkItemIds []string `json:"blocksWorkItemIds,omitempty"`
	}

	// AgentAssignment binds a work item to an agent capability.
	AgentAssignment struct {
		WorkItemId string `json:"workItemId"`
		AgentId    string `json:"agentId"`
		Capability string `json:"capability"`
		Rationale  string `json:"rationale,omitempty"`
	}

	// PlanDiff summarizes what changed between two plan versions.
	PlanDiff struct {
		AddedWorkItemIds      []string `json:"addedWorkItemIds,omitempty"`
		RemovedWorkItemIds    []string `json:"removedWorkItemIds,omitempty"`
		StatusChangedIds      []string `json:"statusChangedIds,omitempty"`
		DependencyChangedIds  []string `json:"dependencyChangedIds,omitempty"`
		ReassignedWorkItemIds []string `json:"reassignedWorkItemIds,omitempty"`
	}

	// TaskTracking is a complete plan.
	TaskTracking struct {
		Summary          string            `json:"summary,omitempty"`
		AllWork          []WorkItem        `json:"allWork"`
		Blockers         []Blocker         `json:"blockers,omitempty"`
		AgentAssignments []AgentAssignment `json:"agentAssignments,omitempty"`
		Phase            Phase             `json:"phase,omitempty"`
		StrategyPivots   []string          `json:"strategyPivots,omitempty"`
		ExecutionOrder   []string          `json:"executionOrder,omitempty"`
		CriticalPath     []string          `json:"criticalPath,omitempty"`
		PlanRationale    string            `json:"planRationale,omitempty"`
		EffortLevel      EffortLevel       `json:"effortLevel,omitempty"`
		PlanVersion      int               `json:"planVersion"`
		PlannedAt        time.Time         `json:"plannedAt,omitzero"`
		HasCycles        bool              `json:"hasCycles"`
		LastReplanDiff   *PlanDiff         `json:"lastReplanDiff,omitempty"`
	}

	// StatusUpdate records an externally observed work item outcome applied
	// before replanning.
	StatusUpdate struct {
		WorkItemId string `json:"workItemId"`
		NewStatus  Status `json:"newStatus"`
		Result     string `json:"result,omitempty"`
	}
)

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseRecovery  Phase = "recovery"
	PhaseComplete  Phase = "complete"
)

const (
	EffortQuick    EffortLevel = "Quick"
	EffortStandard EffortLevel = "Standard"
	EffortThorough EffortLevel = "Thorough"
)

// Item returns a pointer to the work item with the given id, or nil.
func (t *TaskTracking) Item(id string) *WorkItem {
	for i := range t.AllWork {
		if t.AllWork[i].Id == id {
			return &t.AllWork[i]
		}
	}
	return nil
}

// CompletedIds returns the set of completed work item ids.
func (t *TaskTracking) CompletedIds() map[string]bool {
	out := make(map[string]bool)
	for _, w := range t.AllWork {
		if w.Status == StatusCompleted {
			out[w.Id] = true
		}
	}
	return out
}

// Clone deep-copies the plan.
func (t *TaskTracking) Clone() *TaskTracking {
	out := *t
	out.AllWork = make([]WorkItem, len(t.AllWork))
	for i, w := range t.AllWork {
		w.SubTasks = append([]string(nil), w.SubTasks...)
		w.DependencyIds = append([]string(nil), w.DependencyIds...)
		out.AllWork[i] = w
	}
	out.Blockers = make([]Blocker, len(t.Blockers))
	for i, b := range t.Blockers {
		b.BlocksWorkItemIds = append([]string(nil), b.BlocksWorkItemIds...)
		out.Blockers[i] = b
	}
	out.AgentAssignments = append([]AgentAssignment(nil), t.AgentAssignments...)
	out.StrategyPivots = append([]string(nil), t.StrategyPivots...)
	out.ExecutionOrder = append([]string(nil), t.ExecutionOrder...)
	out.CriticalPath = append([]string(nil), t.CriticalPath...)
	if t.LastReplanDiff != nil {
		diff := *t.LastReplanDiff
		out.LastReplanDiff = &diff
	}
	return &out
}

// statusRank orders statuses for the validator's ready-set tie break.
// Completed work sorts first so finished prerequisites surface early.
var statusRank = map[Status]int{
	StatusCompleted:  0,
	StatusInProgress: 1,
	StatusPending:    2,
	StatusBlocked:    3,
	StatusFailed:     4,
	StatusCancelled:  5,
}

// priorityRank orders priorities for the validator's ready-set tie break.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

func rankStatus(s Status) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

func rankPriority(p Priority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}
