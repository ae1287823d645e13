package session

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/novaforge/constellation/eventbus"
)

// ExecutionLogWriter persists one JSON line per bus event, in emission
// order, to a JSONL execution log (spec.md §6 "Persisted artifacts").
// It subscribes to the bus directly rather than sitting on the
// orchestrator/planner's own code paths, so it captures every
// published event uniformly regardless of which package raised it.
type ExecutionLogWriter struct {
	bus *eventbus.Bus
	id  string

	mu sync.Mutex
	w  *bufio.Writer

	done chan struct{}
}

// NewExecutionLogWriter subscribes to bus and begins draining events to
// out as they arrive. Call Close to flush and unsubscribe.
func NewExecutionLogWriter(bus *eventbus.Bus, out io.Writer) *ExecutionLogWriter {
	id := "execution-log-" + time.Now().UTC().Format("150405.000000000")
	l := &ExecutionLogWriter{
		bus:  bus,
		id:   id,
		w:    bufio.NewWriter(out),
		done: make(chan struct{}),
	}
	events := bus.Subscribe(id)
	go l.drain(events)
	return l
}

func (l *ExecutionLogWriter) drain(events <-chan eventbus.Event) {
	defer close(l.done)
	for event := range events {
		line, err := json.Marshal(logLine{
			Sequence:  event.Sequence,
			Type:      event.Type,
			ObjectID:  event.ObjectID,
			Timestamp: event.Timestamp,
			Payload:   event.Payload,
		})
		if err != nil {
			continue
		}
		l.mu.Lock()
		l.w.Write(line)
		l.w.WriteByte('\n')
		l.mu.Unlock()
	}
}

// logLine is one JSONL record.
type logLine struct {
	Sequence  uint64                 `json:"sequence"`
	Type      string                 `json:"event_type"`
	ObjectID  string                 `json:"object_id,omitempty"`
	Timestamp float64                `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Close unsubscribes from the bus, waits for the drain goroutine to
// finish, and flushes buffered output.
func (l *ExecutionLogWriter) Close() error {
	l.bus.Unsubscribe(l.id)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

// SummaryConstellationStats is final_constellation_stats in the
// persisted summary (spec.md §6).
type SummaryConstellationStats struct {
	ConstellationID            string         `json:"constellation_id"`
	State                      string         `json:"state"`
	TotalTasks                 int            `json:"total_tasks"`
	TotalDependencies          int            `json:"total_dependencies"`
	TaskStatusCounts           map[string]int `json:"task_status_counts"`
	LongestPathLength          int            `json:"longest_path_length"`
	LongestPathTasks           []string       `json:"longest_path_tasks"`
	MaxWidth                   int            `json:"max_width"`
	CriticalPathLength         int            `json:"critical_path_length"`
	TotalWork                  int            `json:"total_work"`
	ParallelismRatio           float64        `json:"parallelism_ratio"`
	ParallelismCalculationMode string         `json:"parallelism_calculation_mode"`
	CriticalPathTasks          []string       `json:"critical_path_tasks"`
	CreatedAt                  string         `json:"created_at"`
	UpdatedAt                  string         `json:"updated_at"`
}

// Metrics is the persisted summary's metrics block.
type Metrics struct {
	TaskTimings map[string]TaskTiming `json:"task_timings"`
}

// SessionResults is the persisted summary's session_results block.
type SessionResults struct {
	TotalExecutionTime      float64                   `json:"total_execution_time"`
	FinalConstellationStats SummaryConstellationStats `json:"final_constellation_stats"`
	Status                  string                    `json:"status"`
	FinalResults            []ResultPair              `json:"final_results"`
	Metrics                 Metrics                   `json:"metrics"`
}

// ConstellationSummary is the persisted summary's top-level
// constellation block.
type ConstellationSummary struct {
	ID              string `json:"id"`
	TaskCount       int    `json:"task_count"`
	DependencyCount int    `json:"dependency_count"`
	State           string `json:"state"`
}

// Summary is the full persisted session summary (spec.md §6).
type Summary struct {
	SessionName    string               `json:"session_name"`
	Request        string               `json:"request"`
	Status         string               `json:"status"`
	ExecutionTime  float64              `json:"execution_time"`
	Rounds         int                  `json:"rounds"`
	SessionResults SessionResults       `json:"session_results"`
	Constellation  ConstellationSummary `json:"constellation"`
}

// epochToISO8601 converts seconds-since-epoch to an ISO 8601 UTC
// timestamp, the unit spec.md §6 requires for created_at/updated_at in
// persisted artifacts (task_timings stay in raw epoch seconds).
func epochToISO8601(seconds float64) string {
	return time.Unix(0, int64(seconds*1e9)).UTC().Format(time.RFC3339Nano)
}

// BuildSummary assembles the persisted summary JSON for sess's most
// recently completed round (spec.md §6 "a summary JSON containing
// per-task timings, per-constellation statistics, and the final
// constellation").
func BuildSummary(sess *Session, result *RoundResult) Summary {
	stats := result.Stats

	statusCounts := make(map[string]int, len(stats.StatusCounts))
	for status, count := range stats.StatusCounts {
		statusCounts[string(status)] = count
	}

	return Summary{
		SessionName:   sess.name,
		Request:       result.Request,
		Status:        string(result.Status),
		ExecutionTime: result.ExecutionTime(),
		Rounds:        len(sess.Rounds()),
		SessionResults: SessionResults{
			TotalExecutionTime: result.ExecutionTime(),
			FinalConstellationStats: SummaryConstellationStats{
				ConstellationID:            stats.ConstellationID,
				State:                      string(stats.State),
				TotalTasks:                 stats.TaskCount,
				TotalDependencies:          stats.DependencyCount,
				TaskStatusCounts:           statusCounts,
				LongestPathLength:          stats.LongestPathLength,
				LongestPathTasks:           stats.LongestPathTasks,
				MaxWidth:                   stats.MaxWidth,
				CriticalPathLength:         stats.CriticalPathLength,
				TotalWork:                  stats.TotalWork,
				ParallelismRatio:           stats.ParallelismRatio,
				ParallelismCalculationMode: stats.ParallelismCalculationMode,
				CriticalPathTasks:          stats.CriticalPathTasks,
				CreatedAt:                  epochToISO8601(stats.CreatedAt),
				UpdatedAt:                  epochToISO8601(stats.UpdatedAt),
			},
			Status:       string(result.Status),
			FinalResults: result.FinalResults,
			Metrics:      Metrics{TaskTimings: result.TaskTimings},
		},
		Constellation: ConstellationSummary{
			ID:              stats.ConstellationID,
			TaskCount:       stats.TaskCount,
			DependencyCount: stats.DependencyCount,
			State:           string(stats.State),
		},
	}
}

// WriteSummary serializes summary as indented JSON to out.
func WriteSummary(out io.Writer, summary Summary) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
