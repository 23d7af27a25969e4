package planner

import (
	"sort"

	"goa.design/mesh/plan"
)

// Diff compares two plan versions. Ids are deduplicated on both sides so
// duplicate-id model output never double-counts.
func Diff(prev, next *plan.TaskTracking) plan.PlanDiff {
	prevItems := itemIndex(prev)
	nextItems := itemIndex(next)

	var d plan.PlanDiff
	for id := range nextItems {
		if _, ok := prevItems[id]; !ok {
			d.AddedWorkItemIds = append(d.AddedWorkItemIds, id)
		}
	}
	for id, pw := range prevItems {
		nw, ok := nextItems[id]
		if !ok {
			d.RemovedWorkItemIds = append(d.RemovedWorkItemIds, id)
			continue
		}
		if pw.Status != nw.Status {
			d.StatusChangedIds = append(d.StatusChangedIds, id)
		}
		if !sameSet(pw.DependencyIds, nw.DependencyIds) {
			d.DependencyChangedIds = append(d.DependencyChangedIds, id)
		}
		if pw.Owner != nw.Owner {
			d.ReassignedWorkItemIds = append(d.ReassignedWorkItemIds, id)
		}
	}
	sort.Strings(d.AddedWorkItemIds)
	sort.Strings(d.RemovedWorkItemIds)
	sort.Strings(d.StatusChangedIds)
	sort.Strings(d.DependencyChangedIds)
	sort.Strings(d.ReassignedWorkItemIds)
	return d
}

// itemIndex maps id to work item, keeping the last occurrence of duplicate
// ids.
func itemIndex(t *plan.TaskTracking) map[string]plan.WorkItem {
	out := make(map[string]plan.WorkItem, len(t.AllWork))
	for _, w := range t.AllWork {
		out[w.Id] = w
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
