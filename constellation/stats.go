package constellation

// Statistics summarizes a constellation's shape for get_statistics
// (spec.md §4.1) and the persisted round summary's
// final_constellation_stats (spec.md §6).
type Statistics struct {
	ConstellationID   string
	State             State
	TaskCount         int
	DependencyCount   int
	StatusCounts      map[Status]int
	ExecutionLevels   int
	LongestPathLength int
	LongestPathTasks  []string

	// MaxWidth is the widest execution level: the largest number of
	// tasks that could ever be RUNNING simultaneously (spec.md §8
	// property: "t2 and t3 enter RUNNING simultaneously... max_width = 2").
	MaxWidth int

	// CriticalPathLength/CriticalPathTasks are the longest dependency
	// chain by task count. In the absence of a per-task duration model
	// this coincides with LongestPathLength/LongestPathTasks; both
	// names are kept because the persisted summary schema (spec.md §6)
	// names them separately.
	CriticalPathLength int
	CriticalPathTasks  []string

	// TotalWork approximates total execution effort as the task count,
	// since TaskStar carries no estimated-cost field to weight by.
	TotalWork int

	ParallelismRatio           float64
	ParallelismCalculationMode string

	CreatedAt float64
	UpdatedAt float64
}

// topologicalOrder returns tasks ordered so every task appears after
// all tasks it depends on (Kahn's algorithm), tie-broken by the same
// (priority, creation_time, task_id) order as ReadyTasks. Callers must
// hold at least an RLock. Returns fewer entries than len(g.tasks) only
// if the graph has a cycle, which Validate is expected to have already
// ruled out.
func (g *Graph) topologicalOrder() []string {
	inDegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = len(g.parents[id])
	}

	var frontier []*TaskStar
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, g.tasks[id])
		}
	}
	sortByReadyOrder(frontier)

	order := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next.TaskID)

		var unlocked []*TaskStar
		for depID := range g.children[next.TaskID] {
			child := g.edges[depID].ToTaskID
			inDegree[child]--
			if inDegree[child] == 0 {
				unlocked = append(unlocked, g.tasks[child])
			}
		}
		if len(unlocked) == 0 {
			continue
		}
		sortByReadyOrder(unlocked)
		frontier = append(frontier, unlocked...)
		sortByReadyOrder(frontier)
	}
	return order
}

// executionLevels groups tasks into waves: level 0 has no
// dependencies, level N depends only on tasks in levels < N. This is
// the basis for longest_path/critical_path/parallelism_ratio/max_width.
func (g *Graph) executionLevels() [][]string {
	level := make(map[string]int, len(g.tasks))
	order := g.topologicalOrder()

	for _, id := range order {
		maxParent := -1
		for depID := range g.parents[id] {
			from := g.edges[depID].FromTaskID
			if l := level[from]; l > maxParent {
				maxParent = l
			}
		}
		level[id] = maxParent + 1
	}

	maxLevel := -1
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		l := level[id]
		levels[l] = append(levels[l], id)
	}
	return levels
}

// LongestPath returns the number of tasks on the DAG's longest
// dependency chain (spec.md §4.1).
func (g *Graph) LongestPath() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.executionLevels())
}

// criticalPathLocked computes the longest root-to-leaf task chain.
// Callers must already hold at least an RLock.
func (g *Graph) criticalPathLocked() []string {
	order := g.topologicalOrder()
	longestLen := make(map[string]int, len(order))
	predecessor := make(map[string]string, len(order))

	for _, id := range order {
		best, bestParent := -1, ""
		for depID := range g.parents[id] {
			from := g.edges[depID].FromTaskID
			if longestLen[from] > best {
				best = longestLen[from]
				bestParent = from
			}
		}
		longestLen[id] = best + 1
		if bestParent != "" {
			predecessor[id] = bestParent
		}
	}

	tail, max := "", -1
	for id, l := range longestLen {
		if l > max {
			max, tail = l, id
		}
	}
	if tail == "" {
		return nil
	}

	var path []string
	for cur := tail; cur != ""; {
		path = append([]string{cur}, path...)
		cur = predecessor[cur]
	}
	return path
}

// CriticalPath returns the task_ids along one longest dependency
// chain, root to leaf.
func (g *Graph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.criticalPathLocked()
}

// ParallelismRatio is task_count / longest_path_length, i.e. the
// average width of the DAG's execution levels (spec.md §4.1).
func (g *Graph) ParallelismRatio() float64 {
	g.mu.RLock()
	taskCount := len(g.tasks)
	g.mu.RUnlock()

	longest := g.LongestPath()
	if longest == 0 {
		return 0
	}
	return float64(taskCount) / float64(longest)
}

// GetStatistics computes the full statistics bundle in one pass.
func (g *Graph) GetStatistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	taskCount := len(g.tasks)
	depCount := len(g.edges)
	counts := map[Status]int{}
	updatedAt := g.createdAt
	for _, t := range g.tasks {
		counts[t.Status]++
		if t.UpdatedAt > updatedAt {
			updatedAt = t.UpdatedAt
		}
	}

	levels := g.executionLevels()
	longest := len(levels)
	ratio := 0.0
	if longest > 0 {
		ratio = float64(taskCount) / float64(longest)
	}

	maxWidth := 0
	for _, level := range levels {
		if len(level) > maxWidth {
			maxWidth = len(level)
		}
	}

	path := g.criticalPathLocked()

	return Statistics{
		ConstellationID:            g.constellationID,
		State:                      g.state,
		TaskCount:                  taskCount,
		DependencyCount:            depCount,
		StatusCounts:               counts,
		ExecutionLevels:            longest,
		LongestPathLength:          longest,
		LongestPathTasks:           path,
		MaxWidth:                   maxWidth,
		CriticalPathLength:         longest,
		CriticalPathTasks:          path,
		TotalWork:                  taskCount,
		ParallelismRatio:           ratio,
		ParallelismCalculationMode: "task_count / critical_path_length",
		CreatedAt:                  g.createdAt,
		UpdatedAt:                  updatedAt,
	}
}
