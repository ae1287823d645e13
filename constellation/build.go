package constellation

import "github.com/novaforge/constellation/core"

// ConfigDependency is the wire shape of one dependency inside a
// build_from_config batch (spec.md §4.1).
type ConfigDependency struct {
	DependencyID         string
	FromTaskID           string
	ToTaskID             string
	DependencyType       DependencyType
	ConditionDescription string
}

// BuildConfig is the input to build_from_config: a full batch of tasks
// and dependencies applied as a single atomic unit.
type BuildConfig struct {
	Tasks        []TaskStarSpec
	Dependencies []ConfigDependency
}

// BuildFromConfig implements the build_from_config editor tool
// (spec.md §4.1/§4.7). It replays the batch against a scratch copy of
// the graph (starting empty when clear is true, or from the current
// state otherwise) and only swaps the scratch state in if every task
// and dependency in the batch applies cleanly — on any rejection the
// constellation is left byte-identical to how it was before the call
// (spec.md §8 property 5).
func (g *Graph) BuildFromConfig(cfg BuildConfig, clear bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	scratch := New(g.constellationID, g.name)
	scratch.deviceValidator = g.deviceValidator
	scratch.logger = g.logger

	if !clear {
		for id, t := range g.tasks {
			scratch.tasks[id] = t.Clone()
			scratch.children[id] = map[string]bool{}
			scratch.parents[id] = map[string]bool{}
		}
		for id, e := range g.edges {
			scratch.edges[id] = e.Clone()
			scratch.children[e.FromTaskID][id] = true
			scratch.parents[e.ToTaskID][id] = true
		}
	}

	for _, spec := range cfg.Tasks {
		if _, err := scratch.AddTask(spec); err != nil {
			return core.NewError("build_from_config", "task_rejected", spec.TaskID, err)
		}
	}
	for _, dep := range cfg.Dependencies {
		if _, err := scratch.AddDependency(dep.DependencyID, dep.FromTaskID, dep.ToTaskID, dep.DependencyType, dep.ConditionDescription); err != nil {
			return core.NewError("build_from_config", "dependency_rejected", dep.DependencyID, err)
		}
	}
	if err := scratch.Validate(); err != nil {
		return core.NewError("build_from_config", "invalid", "", err)
	}

	g.tasks = scratch.tasks
	g.edges = scratch.edges
	g.children = scratch.children
	g.parents = scratch.parents
	g.topoDirty = true

	g.logger.Info("constellation rebuilt", map[string]interface{}{
		"task_count":       len(g.tasks),
		"dependency_count": len(g.edges),
		"clear":            clear,
	})
	return nil
}
