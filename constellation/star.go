// Package constellation implements the TaskConstellation DAG model:
// TaskStar nodes, TaskStarLine dependency edges, and the mutation
// primitives/queries of spec.md §3-§4.1. It is grounded on the
// teacher's orchestration.WorkflowDAG (dependency/dependents indices,
// cycle-by-DFS, execution levels), generalized from a flat "node
// dependency list" model to the richer task/edge/status vocabulary
// the spec requires.
package constellation

import "github.com/novaforge/constellation/core"

// Status is a TaskStar's lifecycle state (spec.md §3).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// IsTerminal reports whether s is one of the terminal states named by
// invariant I4.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Priority breaks ties in the ready set; 1 is HIGH, 4 is LOW.
type Priority int

const (
	PriorityHigh     Priority = 1
	PriorityElevated Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// TaskStar is one atomic unit of work (spec.md §3).
type TaskStar struct {
	TaskID          string
	Name            string
	Description     string
	Tips            []string
	TargetDeviceID  string
	Status          Status
	Priority        Priority
	Result          string
	Error           string
	StartedAt       float64
	EndedAt         float64
	CreatedAt       float64
	UpdatedAt       float64
	RetryCount      int
	MaxRetries      int
}

// Clone returns a deep copy of the TaskStar, used for snapshotting the
// constellation before an editor turn or a build_from_config call.
func (t *TaskStar) Clone() *TaskStar {
	clone := *t
	if t.Tips != nil {
		clone.Tips = append([]string(nil), t.Tips...)
	}
	return &clone
}

// TaskStarSpec is the input shape for add_task (spec.md §4.1/§4.7).
type TaskStarSpec struct {
	TaskID         string
	Name           string
	Description    string
	Tips           []string
	TargetDeviceID string
	Priority       Priority
	MaxRetries     int
}

// TaskPatch is a partial update for update_task. Nil fields are left
// untouched; an all-nil patch is rejected with ErrEmptyPatch (spec.md
// §8 property 7).
type TaskPatch struct {
	Name           *string
	Description    *string
	Tips           []string
	TipsSet        bool
	TargetDeviceID *string
	Status         *Status
	Priority       *Priority
	Result         *string
	Error          *string
	MaxRetries     *int
}

// IsEmpty reports whether the patch carries no changes.
func (p TaskPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && !p.TipsSet &&
		p.TargetDeviceID == nil && p.Status == nil && p.Priority == nil &&
		p.Result == nil && p.Error == nil && p.MaxRetries == nil
}

func nowSeconds() float64 {
	return core.NowSeconds()
}
