package plan

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func item(id string, priority Priority, deps ...string) WorkItem {
	return WorkItem{Id: id, Title: id, Status: StatusPending, Priority: priority, DependencyIds: deps}
}

func TestValidatePriorityAwareTopologicalOrder(t *testing.T) {
	p := &TaskTracking{AllWork: []WorkItem{
		item("A", PriorityHigh),
		item("B", "", "A"),
		item("C", PriorityCritical),
		item("D", "", "C", "A"),
	}}
	Validate(p)

	require.Equal(t, []string{"C", "A", "B", "D"}, p.ExecutionOrder)
	require.Equal(t, []string{"A", "B"}, p.CriticalPath)
	require.False(t, p.HasCycles)

	require.Equal(t, 2, p.Item("A").ExecutionOrder)
	require.Equal(t, 1, p.Item("C").ExecutionOrder)
}

func TestValidateCriticalPathIsLongestDependencyChain(t *testing.T) {
	// Diamond: B and C both depend on A, D depends on both. The widest
	// closure is all four items, but the critical path is a three item
	// chain with a direct edge between every consecutive pair.
	p := &TaskTracking{AllWork: []WorkItem{
		item("A", ""),
		item("B", "", "A"),
		item("C", "", "A"),
		item("D", "", "B", "C"),
	}}
	Validate(p)

	require.Equal(t, []string{"A", "B", "D"}, p.CriticalPath)
	for i := 1; i < len(p.CriticalPath); i++ {
		require.Contains(t, p.Item(p.CriticalPath[i]).DependencyIds, p.CriticalPath[i-1],
			"consecutive path items must be linked by a dependency edge")
	}
}

func TestValidateBreaksCycleByRemovingOneEdge(t *testing.T) {
	p := &TaskTracking{AllWork: []WorkItem{
		item("A", "", "B"),
		item("B", "", "C"),
		item("C", "", "A"),
	}}
	rep := Validate(p)

	require.Len(t, rep.EdgesRemoved, 1)
	require.Len(t, p.ExecutionOrder, 3)
	require.ElementsMatch(t, []string{"A", "B", "C"}, p.ExecutionOrder)
	require.False(t, p.HasCycles)

	edges := 0
	for _, w := range p.AllWork {
		edges += len(w.DependencyIds)
	}
	require.Equal(t, 2, edges)
}

func TestValidateDeduplicatesKeepingLast(t *testing.T) {
	p := &TaskTracking{AllWork: []WorkItem{
		{Id: "wi-001", Title: "first", Status: StatusPending},
		{Id: "wi-002", Title: "other", Status: StatusPending},
		{Id: "wi-001", Title: "second", Status: StatusInProgress},
	}}
	rep := Validate(p)

	require.Equal(t, 1, rep.DuplicatesRemoved)
	require.Len(t, p.AllWork, 2)
	require.Equal(t, "second", p.Item("wi-001").Title)
	require.Equal(t, StatusInProgress, p.Item("wi-001").Status)
}

func TestValidateRemovesOrphanReferences(t *testing.T) {
	p := &TaskTracking{
		AllWork: []WorkItem{
			{Id: "a", Status: StatusPending, DependencyIds: []string{"ghost", "b"}, ParentId: "ghost"},
			{Id: "b", Status: StatusPending},
		},
		Blockers:         []Blocker{{Id: "bl-1", BlocksWorkItemIds: []string{"a", "ghost"}}},
		AgentAssignments: []AgentAssignment{{WorkItemId: "a", AgentId: "x"}, {WorkItemId: "ghost", AgentId: "y"}},
	}
	rep := Validate(p)

	require.Equal(t, 4, rep.OrphanRefsRemoved)
	require.Equal(t, []string{"b"}, p.Item("a").DependencyIds)
	require.Empty(t, p.Item("a").ParentId)
	require.Equal(t, []string{"a"}, p.Blockers[0].BlocksWorkItemIds)
	require.Len(t, p.AgentAssignments, 1)
}

func TestValidateDropsEmptyIds(t *testing.T) {
	p := &TaskTracking{AllWork: []WorkItem{
		{Id: "", Title: "nameless", Status: StatusPending},
		{Id: "a", Status: StatusPending},
	}}
	Validate(p)
	require.Len(t, p.AllWork, 1)
	require.Equal(t, "a", p.AllWork[0].Id)
}

func TestValidateCompletedWorkOrdersFirstAmongReady(t *testing.T) {
	p := &TaskTracking{AllWork: []WorkItem{
		{Id: "a", Status: StatusPending, Priority: PriorityCritical},
		{Id: "b", Status: StatusCompleted, Priority: PriorityLow},
	}}
	Validate(p)
	require.Equal(t, []string{"b", "a"}, p.ExecutionOrder)
}

func TestTaskTrackingRoundTrip(t *testing.T) {
	p := &TaskTracking{
		Summary: "build the thing",
		AllWork: []WorkItem{
			item("wi-001", PriorityHigh),
			item("wi-002", PriorityMedium, "wi-001"),
		},
		Blockers:         []Blocker{{Id: "bl-1", Description: "waiting on creds", BlocksWorkItemIds: []string{"wi-002"}}},
		AgentAssignments: []AgentAssignment{{WorkItemId: "wi-001", AgentId: "researcher", Capability: "research"}},
		Phase:            PhaseExecution,
		EffortLevel:      EffortStandard,
		PlanVersion:      3,
		PlannedAt:        time.Now().UTC().Truncate(time.Second),
		LastReplanDiff:   &PlanDiff{AddedWorkItemIds: []string{"wi-002"}},
	}
	Validate(p)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var got TaskTracking
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, *p, got)
}

func genPlan() gopter.Gen {
	ids := []string{"wi-0", "wi-1", "wi-2", "wi-3", "wi-4", "wi-5"}
	genItem := gopter.CombineGens(
		gen.IntRange(0, len(ids)-1),
		gen.SliceOf(gen.IntRange(-1, len(ids)-1)),
		gen.IntRange(0, 5),
	).Map(func(vs []interface{}) WorkItem {
		id := ids[vs[0].(int)]
		statuses := []Status{StatusPending, StatusInProgress, StatusCompleted,
			StatusBlocked, StatusCancelled, StatusFailed}
		deps := make([]string, 0)
		for _, d := range vs[1].([]int) {
			if d < 0 {
				deps = append(deps, "orphan-ref")
				continue
			}
			deps = append(deps, ids[d])
		}
		return WorkItem{Id: id, Status: statuses[vs[2].(int)], DependencyIds: deps}
	})
	return gen.SliceOf(genItem).Map(func(items []WorkItem) *TaskTracking {
		return &TaskTracking{AllWork: items}
	})
}

func TestValidateTotalityProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	props.Property("order covers every item and respects dependencies", prop.ForAll(
		func(p *TaskTracking) bool {
			Validate(p)
			if len(p.ExecutionOrder) != len(p.AllWork) {
				return false
			}
			pos := make(map[string]int, len(p.ExecutionOrder))
			for i, id := range p.ExecutionOrder {
				pos[id] = i
			}
			for _, w := range p.AllWork {
				at, ok := pos[w.Id]
				if !ok {
					return false
				}
				for _, dep := range w.DependencyIds {
					depAt, ok := pos[dep]
					if !ok || depAt >= at {
						return false
					}
				}
			}
			return true
		},
		genPlan(),
	))

	props.Property("critical path is a dependency chain", prop.ForAll(
		func(p *TaskTracking) bool {
			Validate(p)
			if len(p.CriticalPath) == 0 {
				return len(p.AllWork) == 0
			}
			pos := make(map[string]int, len(p.ExecutionOrder))
			for i, id := range p.ExecutionOrder {
				pos[id] = i
			}
			prev := -1
			for i, id := range p.CriticalPath {
				at, ok := pos[id]
				if !ok || at <= prev {
					return false
				}
				prev = at
				if i == 0 {
					continue
				}
				linked := false
				for _, dep := range p.Item(id).DependencyIds {
					if dep == p.CriticalPath[i-1] {
						linked = true
						break
					}
				}
				if !linked {
					return false
				}
			}
			return true
		},
		genPlan(),
	))

	props.Property("validation is idempotent", prop.ForAll(
		func(p *TaskTracking) bool {
			Validate(p)
			first := p.Clone()
			Validate(p)
			if len(first.ExecutionOrder) != len(p.ExecutionOrder) {
				return false
			}
			for i := range first.ExecutionOrder {
				if first.ExecutionOrder[i] != p.ExecutionOrder[i] {
					return false
				}
			}
			return true
		},
		genPlan(),
	))

	props.TestingRun(t)
}
