package telemetry

import (
	"context"
	"testing"

	"github.com/novaforge/constellation/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderStartsSpanAndRecordsMetric(t *testing.T) {
	provider, err := New(context.Background(), config.TelemetryConfig{ServiceName: "constellation-test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ctx, span := provider.StartSpan(context.Background(), "unit-test-span")
	span.SetAttribute("task_id", "t1")
	span.SetAttribute("retry_count", 2)
	span.End()
	assert.NotNil(t, ctx)

	provider.RecordMetric("tasks_dispatched_total", 1, map[string]string{"device_id": "dev-1"})
}

func TestNewProviderRejectsEmptyServiceName(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{})
	assert.Error(t, err)
}
