package session

import (
	"context"
	"sync"

	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/eventbus"
	"github.com/novaforge/constellation/planner"
)

// Session is the top-level lifecycle object of spec.md §4.6: a unique
// id, the device registry, the event bus, and the history of rounds
// processed against them.
type Session struct {
	id        string
	name      string
	registry  *device.Registry
	transport device.Transport
	bus       *eventbus.Bus
	llm       planner.LLMClient
	cfg       RoundConfig
	logger    core.Logger
	telemetry core.Telemetry

	mu     sync.Mutex
	rounds []*Round
}

// New creates a Session bound to registry/transport/bus, driving every
// round's planner through llm.
func New(name string, registry *device.Registry, transport device.Transport, bus *eventbus.Bus, llm planner.LLMClient, cfg RoundConfig) *Session {
	return &Session{
		id:        core.NewID("session"),
		name:      name,
		registry:  registry,
		transport: transport,
		bus:       bus,
		llm:       llm,
		cfg:       cfg,
		logger:    core.NoOpLogger{},
		telemetry: core.NoOpTelemetry{},
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// SetLogger injects a structured logger, propagated to every round
// created afterward.
func (s *Session) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("constellation/session")
	}
	s.logger = logger
}

// SetTelemetry injects a telemetry provider, propagated to every round
// created afterward.
func (s *Session) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = core.NoOpTelemetry{}
	}
	s.telemetry = t
}

// Rounds returns every round processed by this session so far, in
// order.
func (s *Session) Rounds() []*Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Round, len(s.rounds))
	copy(out, s.rounds)
	return out
}

// ProcessRequest runs one round for request to a terminal RoundResult
// (spec.md §4.6). Safe to call repeatedly on the same Session for an
// interactive multi-round conversation.
func (s *Session) ProcessRequest(ctx context.Context, request string) *RoundResult {
	s.bus.Publish(eventbus.EventSessionStarted, s.id, map[string]interface{}{"request": request})

	round := newRound(s.id, request, s.registry, s.transport, s.bus, s.llm, s.cfg)
	round.SetLogger(s.logger)
	round.SetTelemetry(s.telemetry)

	s.mu.Lock()
	s.rounds = append(s.rounds, round)
	s.mu.Unlock()

	result := round.Run(ctx)

	s.bus.Publish(eventbus.EventSessionEnded, s.id, map[string]interface{}{
		"request": request, "status": string(result.Status),
	})
	return result
}

// CurrentRound returns the most recently started round, or nil if none
// has run yet. Used by a caller (e.g. the CLI's interactive loop) that
// needs to Cancel() an in-progress round.
func (s *Session) CurrentRound() *Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rounds) == 0 {
		return nil
	}
	return s.rounds[len(s.rounds)-1]
}
