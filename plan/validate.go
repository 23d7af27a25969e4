package plan

import "sort"

// Report describes what Validate had to repair.
type Report struct {
	// DuplicatesRemoved counts work items dropped by id deduplication.
	DuplicatesRemoved int
	// OrphanRefsRemoved counts references to unknown ids that were
	// filtered out.
	OrphanRefsRemoved int
	// EdgesRemoved lists dependency edges removed to break cycles, as
	// [item, dependency] pairs.
	EdgesRemoved [][2]string
}

// Validate repairs the plan in place: deduplicates work items, removes
// dangling references, breaks dependency cycles, and recomputes
// ExecutionOrder and CriticalPath deterministically. Ids emitted by a model
// are never trusted until they pass through here.
func Validate(t *TaskTracking) Report {
	var rep Report
	rep.DuplicatesRemoved = dedupe(t)
	rep.OrphanRefsRemoved = removeOrphans(t)
	rep.EdgesRemoved = breakCycles(t)
	t.ExecutionOrder = executionOrder(t)
	t.CriticalPath = criticalPath(t)
	for i := range t.AllWork {
		t.AllWork[i].ExecutionOrder = position(t.ExecutionOrder, t.AllWork[i].Id)
	}
	t.HasCycles = false
	return rep
}

// dedupe keeps the last occurrence of each id at the position of its first
// occurrence. Items with empty ids are dropped.
func dedupe(t *TaskTracking) int {
	last := make(map[string]WorkItem, len(t.AllWork))
	for _, w := range t.AllWork {
		if w.Id != "" {
			last[w.Id] = w
		}
	}
	kept := t.AllWork[:0]
	seen := make(map[string]bool, len(last))
	for _, w := range t.AllWork {
		if w.Id == "" || seen[w.Id] {
			continue
		}
		seen[w.Id] = true
		kept = append(kept, last[w.Id])
	}
	removed := len(t.AllWork) - len(kept)
	t.AllWork = kept
	return removed
}

// removeOrphans filters every reference against the set of valid ids.
func removeOrphans(t *TaskTracking) int {
	valid := make(map[string]bool, len(t.AllWork))
	for _, w := range t.AllWork {
		valid[w.Id] = true
	}
	removed := 0
	filter := func(ids []string) []string {
		kept := ids[:0]
		for _, id := range ids {
			if valid[id] {
				kept = append(kept, id)
			} else {
				removed++
			}
		}
		return kept
	}
	for i := range t.AllWork {
		t.AllWork[i].DependencyIds = filter(t.AllWork[i].DependencyIds)
		if p := t.AllWork[i].ParentId; p != "" && !valid[p] {
			t.AllWork[i].ParentId = ""
			removed++
		}
	}
	for i := range t.Blockers {
		t.Blockers[i].BlocksWorkItemIds = filter(t.Blockers[i].BlocksWorkItemIds)
	}
	kept := t.AgentAssignments[:0]
	for _, a := range t.AgentAssignments {
		if valid[a.WorkItemId] {
			kept = append(kept, a)
		} else {
			removed++
		}
	}
	t.AgentAssignments = kept
	return removed
}

// breakCycles removes back-edges found by DFS until the dependency graph is
// acyclic. Traversal follows AllWork order so the removed edge is
// deterministic.
func breakCycles(t *TaskTracking) [][2]string {
	items := make(map[string]*WorkItem, len(t.AllWork))
	for i := range t.AllWork {
		items[t.AllWork[i].Id] = &t.AllWork[i]
	}
	var removed [][2]string
	for {
		const (
			unvisited = 0
			inStack   = 1
			done      = 2
		)
		state := make(map[string]int, len(t.AllWork))
		brokeEdge := false
		var dfs func(u *WorkItem) bool
		dfs = func(u *WorkItem) bool {
			state[u.Id] = inStack
			for i := 0; i < len(u.DependencyIds); i++ {
				v := u.DependencyIds[i]
				switch state[v] {
				case inStack:
					removed = append(removed, [2]string{u.Id, v})
					u.DependencyIds = append(u.DependencyIds[:i], u.DependencyIds[i+1:]...)
					return true
				case unvisited:
					if dfs(items[v]) {
						return true
					}
				}
			}
			state[u.Id] = done
			return false
		}
		for i := range t.AllWork {
			if state[t.AllWork[i].Id] == unvisited && dfs(&t.AllWork[i]) {
				brokeEdge = true
				break
			}
		}
		if !brokeEdge {
			return removed
		}
	}
}

// executionOrder runs Kahn's algorithm with a priority-aware ready set:
// among ready items, completed work sorts before in-progress and pending,
// then priority, then id.
func executionOrder(t *TaskTracking) []string {
	indegree := make(map[string]int, len(t.AllWork))
	dependents := make(map[string][]string, len(t.AllWork))
	byID := make(map[string]*WorkItem, len(t.AllWork))
	for i := range t.AllWork {
		w := &t.AllWork[i]
		byID[w.Id] = w
		indegree[w.Id] = len(w.DependencyIds)
		for _, dep := range w.DependencyIds {
			dependents[dep] = append(dependents[dep], w.Id)
		}
	}
	ready := make([]string, 0, len(t.AllWork))
	for _, w := range t.AllWork {
		if indegree[w.Id] == 0 {
			ready = append(ready, w.Id)
		}
	}
	less := func(a, b string) bool {
		wa, wb := byID[a], byID[b]
		if ra, rb := rankStatus(wa.Status), rankStatus(wb.Status); ra != rb {
			return ra < rb
		}
		if ra, rb := rankPriority(wa.Priority), rankPriority(wb.Priority); ra != rb {
			return ra < rb
		}
		return a < b
	}
	order := make([]string, 0, len(t.AllWork))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// criticalPath returns the longest dependency chain in the plan: the deepest
// work item together with one dependency per level down to a root, ordered
// root first. Every consecutive pair is linked by a direct dependency edge.
// Depths are memoized across the DFS from every node; ties break on the
// smaller id so the result is deterministic.
func criticalPath(t *TaskTracking) []string {
	byID := make(map[string]*WorkItem, len(t.AllWork))
	for i := range t.AllWork {
		byID[t.AllWork[i].Id] = &t.AllWork[i]
	}
	depth := make(map[string]int, len(t.AllWork))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 1
		for _, dep := range byID[id].DependencyIds {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}
	end := ""
	for _, w := range t.AllWork {
		d := depthOf(w.Id)
		if end == "" || d > depth[end] || (d == depth[end] && w.Id < end) {
			end = w.Id
		}
	}
	if end == "" {
		return nil
	}
	path := make([]string, depth[end])
	for at := end; ; {
		path[depth[at]-1] = at
		if depth[at] == 1 {
			return path
		}
		next := ""
		for _, dep := range byID[at].DependencyIds {
			if depth[dep] != depth[at]-1 {
				continue
			}
			if next == "" || dep < next {
				next = dep
			}
		}
		at = next
	}
}

func position(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i + 1
		}
	}
	return 0
}
