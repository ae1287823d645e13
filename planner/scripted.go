package planner

import (
	"context"
	"fmt"
)

// ScriptedLLM is a deterministic LLMClient driven by a fixed sequence
// of TurnOutputs, one per call, used to reproduce a session's S1-S6
// scenarios without a real LLM. It never inspects the prompt it is
// given; a caller wanting conditional behavior should instead supply a
// ScriptedLLM.Func hook.
type ScriptedLLM struct {
	turns []TurnOutput
	next  int

	// Func, if set, overrides the scripted sequence and is called
	// instead; useful for tests that need to react to the prompt.
	Func func(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error)
}

// NewScriptedLLM returns an LLMClient that replays turns in order, one
// per GenerateResponse call.
func NewScriptedLLM(turns ...TurnOutput) *ScriptedLLM {
	return &ScriptedLLM{turns: turns}
}

func (s *ScriptedLLM) GenerateResponse(ctx context.Context, prompt string, options *LLMOptions) (*LLMResponse, error) {
	if s.Func != nil {
		return s.Func(ctx, prompt, options)
	}
	if s.next >= len(s.turns) {
		return nil, fmt.Errorf("scripted llm: no turn scripted for call %d", s.next+1)
	}
	turn := s.turns[s.next]
	s.next++
	return &LLMResponse{Content: encodeTurn(turn)}, nil
}
