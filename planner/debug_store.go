package planner

import (
	"context"
	"sync"
	"time"
)

// Interaction records one LLM call in full (prompt, response, timing,
// outcome), without truncation, following the teacher's
// orchestration.LLMInteraction.
type Interaction struct {
	Mode         string // "create" or "edit"
	Timestamp    time.Time
	DurationMs   int64
	Prompt       string
	SystemPrompt string
	Model        string
	Response     string
	PromptTokens int
	TotalTokens  int
	Success      bool
	Error        string
	Attempt      int
}

// DebugStore records every LLM interaction for a round, following the
// teacher's orchestration.LLMDebugStore. Implementations must be safe
// for concurrent use; a Planner records into NoOpDebugStore unless
// another store is set.
type DebugStore interface {
	RecordInteraction(ctx context.Context, roundID string, interaction Interaction) error
	ListInteractions(ctx context.Context, roundID string) ([]Interaction, error)
}

// InMemoryDebugStore is an opt-in DebugStore: unbounded,
// process-lifetime, never persisted. Suitable for the reference
// session driver; a production deployment swapping in Redis/Postgres
// only needs to satisfy DebugStore.
type InMemoryDebugStore struct {
	mu   sync.Mutex
	byID map[string][]Interaction
}

func NewInMemoryDebugStore() *InMemoryDebugStore {
	return &InMemoryDebugStore{byID: map[string][]Interaction{}}
}

func (s *InMemoryDebugStore) RecordInteraction(_ context.Context, roundID string, interaction Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[roundID] = append(s.byID[roundID], interaction)
	return nil
}

func (s *InMemoryDebugStore) ListInteractions(_ context.Context, roundID string) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interaction, len(s.byID[roundID]))
	copy(out, s.byID[roundID])
	return out, nil
}

// NoOpDebugStore discards every interaction; the safe zero value when
// debugging is disabled (teacher's "disabled by default" design).
type NoOpDebugStore struct{}

func (NoOpDebugStore) RecordInteraction(context.Context, string, Interaction) error { return nil }
func (NoOpDebugStore) ListInteractions(context.Context, string) ([]Interaction, error) {
	return nil, nil
}
