package editor

import "github.com/novaforge/constellation/constellation"

// Snapshot is the full constellation JSON every editor tool call
// returns on success (spec.md §4.7 "returns a serialized snapshot of
// the entire constellation after the edit").
type Snapshot struct {
	ConstellationID string                 `json:"constellation_id"`
	Name            string                 `json:"name"`
	State           constellation.State    `json:"state"`
	Metadata        map[string]string      `json:"metadata"`
	Tasks           []TaskSnapshot         `json:"tasks"`
	Dependencies    []DependencySnapshot   `json:"dependencies"`
}

// TaskSnapshot is one task's full wire representation.
type TaskSnapshot struct {
	TaskID         string                  `json:"task_id"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	Tips           []string                `json:"tips,omitempty"`
	TargetDeviceID string                  `json:"target_device_id,omitempty"`
	Status         constellation.Status    `json:"status"`
	Priority       constellation.Priority  `json:"priority"`
	Result         string                  `json:"result,omitempty"`
	Error          string                  `json:"error,omitempty"`
	RetryCount     int                     `json:"retry_count"`
	MaxRetries     int                     `json:"max_retries"`
	CreatedAt      float64                 `json:"created_at"`
	UpdatedAt      float64                 `json:"updated_at"`
}

// DependencySnapshot is one dependency edge's full wire representation,
// including the derived `satisfied` flag spec.md §8 property 4 names.
type DependencySnapshot struct {
	DependencyID         string                        `json:"dependency_id"`
	FromTaskID           string                        `json:"from_task_id"`
	ToTaskID             string                        `json:"to_task_id"`
	DependencyType       constellation.DependencyType  `json:"dependency_type"`
	ConditionDescription string                        `json:"condition_description,omitempty"`
	Satisfied            bool                          `json:"satisfied"`
}

// Snapshot serializes the current graph state.
func (e *Editor) Snapshot() Snapshot {
	tasks := e.graph.Tasks()
	taskSnaps := make([]TaskSnapshot, 0, len(tasks))
	statusByID := make(map[string]constellation.Status, len(tasks))
	for _, t := range tasks {
		statusByID[t.TaskID] = t.Status
		taskSnaps = append(taskSnaps, TaskSnapshot{
			TaskID:         t.TaskID,
			Name:           t.Name,
			Description:    t.Description,
			Tips:           t.Tips,
			TargetDeviceID: t.TargetDeviceID,
			Status:         t.Status,
			Priority:       t.Priority,
			Result:         t.Result,
			Error:          t.Error,
			RetryCount:     t.RetryCount,
			MaxRetries:     t.MaxRetries,
			CreatedAt:      t.CreatedAt,
			UpdatedAt:      t.UpdatedAt,
		})
	}

	deps := e.graph.Dependencies()
	depSnaps := make([]DependencySnapshot, 0, len(deps))
	for _, d := range deps {
		depSnaps = append(depSnaps, DependencySnapshot{
			DependencyID:         d.DependencyID,
			FromTaskID:           d.FromTaskID,
			ToTaskID:             d.ToTaskID,
			DependencyType:       d.DependencyType,
			ConditionDescription: d.ConditionDescription,
			Satisfied:            constellation.Satisfied(d.DependencyType, statusByID[d.FromTaskID]),
		})
	}

	return Snapshot{
		ConstellationID: e.graph.ID(),
		Name:            e.graph.Name(),
		State:           e.graph.State(),
		Metadata:        e.graph.Metadata(),
		Tasks:           taskSnaps,
		Dependencies:    depSnaps,
	}
}
