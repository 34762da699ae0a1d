package scheduler

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/metrics"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

func TestMetricsCollector(t *testing.T) {
	ctx := farmcontext.Background()
	s, fakeClock := newTestScheduler(t, testConfig)
	manager := registerManager(t, s, "m1", 1, "p")
	submitSleepJob(t, s)
	_, err := s.Poll(ctx, manager.Manager.Id, nil)
	require.NoError(t, err)

	collector := NewMetricsCollector(s.TaskDb(), fakeClock, testConfig.Heartbeat.SweepPeriod)
	assert.Equal(t, 0, testutil.CollectAndCount(collector))

	require.NoError(t, collector.Refresh())
	expectedCount := len(model.AllJobStatuses) + len(model.AllTaskStatuses) + 3
	assert.Equal(t, expectedCount, testutil.CollectAndCount(collector))

	expected := `
# HELP taskfarm_tasks Number of tasks, by status
# TYPE taskfarm_tasks gauge
taskfarm_tasks{status="active"} 0
taskfarm_tasks{status="canceled"} 0
taskfarm_tasks{status="cancel-requested"} 0
taskfarm_tasks{status="claimed-by-manager"} 1
taskfarm_tasks{status="completed"} 0
taskfarm_tasks{status="failed"} 0
taskfarm_tasks{status="queued"} 1
# HELP taskfarm_manager_held_tasks Tasks held by a manager
# TYPE taskfarm_manager_held_tasks gauge
taskfarm_manager_held_tasks{manager="` + manager.Manager.Id + `"} 1
`
	err = testutil.CollectAndCompare(collector, strings.NewReader(expected), metrics.MetricPrefix+"tasks", metrics.MetricPrefix+"manager_held_tasks")
	assert.NoError(t, err)
}

func TestMetricsCollector_RunStopsOnCancel(t *testing.T) {
	s, fakeClock := newTestScheduler(t, testConfig)
	collector := NewMetricsCollector(s.TaskDb(), fakeClock, testConfig.Heartbeat.SweepPeriod)
	ctx, cancel := farmcontext.WithCancel(farmcontext.Background())
	cancel()
	assert.NoError(t, collector.Run(ctx))
}
