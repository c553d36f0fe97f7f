package metrics

import (
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Records(t *testing.T) {
	registry := prometheus.NewRegistry()

	m, err := New(registry)
	require.NoError(t, err)

	m.TriggerMatched(models.TriggerScoreChange)
	m.TriggerMatched(models.TriggerScoreChange)
	m.ExecutionStatus(models.ExecutionCompleted)
	m.ActionRecorded(models.ActionAddTag, models.ActionSucceeded, 20*time.Millisecond)
	m.ExecutionLeased()
	m.ExecutionLeased()
	m.ExecutionReleased()
	m.QueueDepth(7)

	assert.InDelta(t, 2, testutil.ToFloat64(m.triggerMatches.WithLabelValues("score_change")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.executionsTotal.WithLabelValues("completed")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.actionsTotal.WithLabelValues("add_tag", "succeeded")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.activeExecutions), 0.001)
	assert.InDelta(t, 7, testutil.ToFloat64(m.queueDepth), 0.001)
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	require.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.TriggerMatched(models.TriggerManual)
		m.ActionRecorded(models.ActionWaitDelay, models.ActionWaiting, time.Second)
		m.QueueDepth(1)
	})
}
