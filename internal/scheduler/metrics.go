package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/metrics"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

var (
	submittedJobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.MetricPrefix + "submitted_jobs_total",
			Help: "Jobs submitted, by job type",
		},
		[]string{"job_type"},
	)
	claimedTasksCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.MetricPrefix + "claimed_tasks_total",
			Help: "Tasks claimed by managers, by whether they were pulled on poll or pushed",
		},
		[]string{"mode"},
	)
	pollsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.MetricPrefix + "depsgraph_polls_total",
			Help: "Depsgraph polls, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(submittedJobsCounter, claimedTasksCounter, pollsCounter)
}

// MetricsCollector is a Prometheus Collector summarising the task database.
// The metrics themselves are calculated asynchronously every refreshPeriod
type MetricsCollector struct {
	db            *taskdb.TaskDb
	refreshPeriod time.Duration
	clock         clock.WithTicker
	state         atomic.Value
}

func NewMetricsCollector(db *taskdb.TaskDb, clock clock.WithTicker, refreshPeriod time.Duration) *MetricsCollector {
	return &MetricsCollector{
		db:            db,
		refreshPeriod: refreshPeriod,
		clock:         clock,
	}
}

// Run updates the metrics every refreshPeriod until the supplied context is cancelled
func (c *MetricsCollector) Run(ctx *farmcontext.Context) error {
	ticker := c.clock.NewTicker(c.refreshPeriod)
	defer ticker.Stop()
	ctx.Log.Infof("Will update metrics every %s", c.refreshPeriod)
	for {
		select {
		case <-ctx.Done():
			ctx.Log.Debugf("Context cancelled, returning..")
			return nil
		case <-ticker.C():
			if err := c.Refresh(); err != nil {
				ctx.Log.WithError(err).Warnf("error refreshing metrics state")
			}
		}
	}
}

func (c *MetricsCollector) Describe(out chan<- *prometheus.Desc) {
	for _, desc := range metrics.AllDescs {
		out <- desc
	}
}

// Collect returns the metrics computed by the last refresh.
func (c *MetricsCollector) Collect(out chan<- prometheus.Metric) {
	state, ok := c.state.Load().([]prometheus.Metric)
	if ok {
		for _, m := range state {
			out <- m
		}
	}
}

func (c *MetricsCollector) Refresh() error {
	txn := c.db.ReadTxn()
	now := c.clock.Now()

	jobs, err := c.db.Jobs(txn)
	if err != nil {
		return err
	}
	jobCounts := make(map[model.JobStatus]int, len(model.AllJobStatuses))
	for _, job := range jobs {
		jobCounts[job.Status]++
	}

	result := make([]prometheus.Metric, 0)
	for _, status := range model.AllJobStatuses {
		result = append(result, metrics.NewJobCount(float64(jobCounts[status]), string(status)))
	}
	for _, status := range model.AllTaskStatuses {
		tasks, err := c.db.TasksWithStatus(txn, status)
		if err != nil {
			return err
		}
		result = append(result, metrics.NewTaskCount(float64(len(tasks)), string(status)))
	}

	managers, err := c.db.Managers(txn)
	if err != nil {
		return err
	}
	for _, manager := range managers {
		tasks, err := c.db.TasksForManager(txn, manager.Id)
		if err != nil {
			return err
		}
		held := 0
		for _, task := range tasks {
			if task.Status.Held() {
				held++
			}
		}
		result = append(result,
			metrics.NewManagerHeldTasks(float64(held), manager.Id),
			metrics.NewManagerWorkers(float64(manager.NumWorkers), manager.Id),
			metrics.NewManagerLastSeen(now.Sub(manager.LastSeen).Seconds(), manager.Id),
		)
	}
	c.state.Store(result)
	return nil
}
