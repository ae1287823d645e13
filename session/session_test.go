package session

import (
	"context"
	"testing"
	"time"

	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/eventbus"
	"github.com/novaforge/constellation/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, llm planner.LLMClient, transport *scriptedTransport, deviceID string) *Session {
	t.Helper()
	registry := device.NewRegistry(time.Minute, transport)
	_, err := registry.Register(deviceID, "linux", []string{"camera"}, nil)
	require.NoError(t, err)

	bus := eventbus.New(64)
	cfg := DefaultRoundConfig()
	cfg.WallClock = 2 * time.Second
	cfg.DispatchTimeout = time.Second
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond

	return New("robot-fleet", registry, transport, bus, llm, cfg)
}

func TestSessionProcessRequestRecordsRound(t *testing.T) {
	transport := autoCompleteTransport()
	llm := planner.NewScriptedLLM(
		buildOneTaskTurn("t1", "dev-1"),
		planner.TurnOutput{Status: planner.StatusFinish},
	)

	sess := newTestSession(t, llm, transport, "dev-1")
	result := sess.ProcessRequest(context.Background(), "patrol the yard")

	require.Equal(t, RoundCompleted, result.Status)
	require.Len(t, sess.Rounds(), 1)
	assert.Same(t, sess.CurrentRound(), sess.Rounds()[0])
	assert.Equal(t, result.RoundID, sess.CurrentRound().id)
}

func TestSessionProcessRequestMultipleRounds(t *testing.T) {
	transport := autoCompleteTransport()
	llm := planner.NewScriptedLLM(
		buildOneTaskTurn("t1", "dev-1"),
		planner.TurnOutput{Status: planner.StatusFinish},
		buildOneTaskTurn("t2", "dev-1"),
		planner.TurnOutput{Status: planner.StatusFinish},
	)

	sess := newTestSession(t, llm, transport, "dev-1")
	first := sess.ProcessRequest(context.Background(), "patrol the yard")
	second := sess.ProcessRequest(context.Background(), "patrol the shed")

	require.Equal(t, RoundCompleted, first.Status)
	require.Equal(t, RoundCompleted, second.Status)
	assert.Len(t, sess.Rounds(), 2)
	assert.NotEqual(t, first.RoundID, second.RoundID)
}

func TestBuildSummaryMatchesPersistedSchema(t *testing.T) {
	transport := autoCompleteTransport()
	llm := planner.NewScriptedLLM(
		buildOneTaskTurn("t1", "dev-1"),
		planner.TurnOutput{Status: planner.StatusFinish},
	)

	sess := newTestSession(t, llm, transport, "dev-1")
	result := sess.ProcessRequest(context.Background(), "patrol the yard")

	summary := BuildSummary(sess, result)
	assert.Equal(t, "robot-fleet", summary.SessionName)
	assert.Equal(t, "patrol the yard", summary.Request)
	assert.Equal(t, string(RoundCompleted), summary.Status)
	assert.Equal(t, 1, summary.Rounds)
	assert.Equal(t, 1, summary.SessionResults.FinalConstellationStats.TotalTasks)
	assert.NotEmpty(t, summary.SessionResults.FinalConstellationStats.CreatedAt)
	assert.NotEmpty(t, summary.SessionResults.FinalConstellationStats.UpdatedAt)
	require.Len(t, summary.SessionResults.FinalResults, 1)
	assert.Equal(t, "ok-t1", summary.SessionResults.FinalResults[0].Result)
	assert.Equal(t, summary.Constellation.ID, summary.SessionResults.FinalConstellationStats.ConstellationID)
}

func TestExecutionLogWriterCapturesEvents(t *testing.T) {
	bus := eventbus.New(64)

	var buf memWriter
	logWriter := NewExecutionLogWriter(bus, &buf)

	bus.Publish(eventbus.EventSessionStarted, "s1", map[string]interface{}{"request": "hello"})
	bus.Publish(eventbus.EventRoundStarted, "r1", nil)

	require.NoError(t, logWriter.Close())
	assert.Contains(t, buf.String(), eventbus.EventSessionStarted)
	assert.Contains(t, buf.String(), eventbus.EventRoundStarted)
}

// memWriter is a minimal io.Writer collecting everything written to it,
// used only to assert on the execution log's serialized content.
type memWriter struct {
	data []byte
}

func (m *memWriter) Write(p []byte) (int, error) {
	m.data = append(m.data, p...)
	return len(p), nil
}

func (m *memWriter) String() string { return string(m.data) }
