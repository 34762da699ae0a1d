package heartbeat

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/logging"
	"github.com/rendercloud/taskfarm/internal/common/metrics"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/statemachine"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

var releasedTasksCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "stalled_tasks_released_total",
		Help: "Tasks taken back from managers that stopped reporting on them, by resulting status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(releasedTasksCounter)
}

type Config struct {
	// A held task with no reported activity for this long is released.
	ExpiryThreshold time.Duration
	// Tasks held by a manager not seen for this long are released regardless of their own activity.
	// Zero disables the check.
	ManagerTimeout time.Duration
	// How often Run sweeps for stalled tasks.
	SweepPeriod time.Duration
}

// Monitor records worker liveness and releases tasks whose manager went quiet.
type Monitor struct {
	db       *taskdb.TaskDb
	sm       *statemachine.StateMachine
	policies model.PolicyProvider
	workers  WorkerRepository
	clock    clock.WithTicker
	config   Config
}

func NewMonitor(
	db *taskdb.TaskDb,
	sm *statemachine.StateMachine,
	policies model.PolicyProvider,
	workers WorkerRepository,
	clock clock.WithTicker,
	config Config,
) *Monitor {
	return &Monitor{
		db:       db,
		sm:       sm,
		policies: policies,
		workers:  workers,
		clock:    clock,
		config:   config,
	}
}

// Report refreshes the activity of the tasks a manager's workers run, then stores the worker report.
// Only tasks held by the reporting manager are touched. Failing to store the report is logged and does
// not undo the liveness update. Liveness does not advance a task's Updated
// time, so heartbeats alone never show up as depsgraph changes.
func (m *Monitor) Report(ctx *farmcontext.Context, managerId string, workers []WorkerStatus) error {
	txn := m.db.WriteTxn()
	defer txn.Abort()

	manager, err := m.db.GetManager(txn, managerId)
	if err != nil {
		return err
	}
	if manager == nil {
		return errors.WithStack(&farmerrors.ErrNotFound{Type: "manager", Value: managerId})
	}

	now := txn.Now()
	for i := range workers {
		if workers[i].LastSeen.IsZero() {
			workers[i].LastSeen = now
		}
		if workers[i].CurrentTask == "" {
			continue
		}
		task, err := m.db.GetTask(txn, workers[i].CurrentTask)
		if err != nil {
			return err
		}
		if task == nil || task.Manager != managerId || !task.Status.Held() {
			continue
		}
		touched := task.DeepCopy()
		touched.LastActivity = now
		touched.Worker = workers[i].Id
		if workers[i].Activity != "" {
			touched.Activity = workers[i].Activity
		}
		if err := m.db.UpsertTasks(txn, touched); err != nil {
			return err
		}
	}

	seen := manager.DeepCopy()
	seen.NumWorkers = len(workers)
	seen.LastSeen = now
	seen.Updated = now
	if err := m.db.UpsertManager(txn, seen); err != nil {
		return err
	}
	txn.Commit()

	// The report itself is informational; liveness is already recorded.
	if err := m.workers.StoreWorkers(ctx, managerId, workers); err != nil {
		logging.WithStacktrace(ctx.Log.WithField("manager", managerId), err).Warn("Failed to store worker report")
	}
	return nil
}

// Workers returns the last worker report of a manager.
func (m *Monitor) Workers(ctx *farmcontext.Context, managerId string) ([]WorkerStatus, error) {
	return m.workers.GetWorkers(ctx, managerId)
}

// Expire releases every held task that has been quiet for longer than the expiry threshold, or whose
// manager has not been seen within the manager timeout. It returns the released tasks.
func (m *Monitor) Expire(ctx *farmcontext.Context) ([]*model.Task, error) {
	txn := m.db.WriteTxn()
	defer txn.Abort()
	now := txn.Now()

	managers, err := m.db.Managers(txn)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(managers))
	for _, manager := range managers {
		alive[manager.Id] = manager.Alive(now, m.config.ManagerTimeout)
	}

	released := make([]*model.Task, 0)
	for _, status := range []model.TaskStatus{model.TaskClaimed, model.TaskActive, model.TaskCancelRequested} {
		tasks, err := m.db.TasksWithStatus(txn, status)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			quiet := now.Sub(task.LastActivity)
			if quiet <= m.config.ExpiryThreshold && alive[task.Manager] {
				continue
			}
			job, err := m.db.GetJob(txn, task.JobId)
			if err != nil {
				return nil, err
			}
			stall := model.DefaultJobTypePolicy.Stall
			if job != nil {
				stall = m.policies.PolicyFor(job.JobType).Stall
			}
			updated, err := m.sm.ReleaseStalled(txn, task.Id, stall)
			if err != nil {
				return nil, err
			}
			ctx.Log.WithFields(logrus.Fields{
				"task":    task.Id,
				"job":     task.JobId,
				"manager": task.Manager,
			}).Warnf("Released %s task after %s without activity; now %s", task.Status, quiet.Round(time.Second), updated.Status)
			releasedTasksCounter.WithLabelValues(string(updated.Status)).Inc()
			released = append(released, updated)
		}
	}
	txn.Commit()
	return released, nil
}

// Run sweeps for stalled tasks until ctx is cancelled. Sweep failures are logged and retried on the
// next tick.
func (m *Monitor) Run(ctx *farmcontext.Context) error {
	ctx.Log.Infof("Starting heartbeat monitor: expiry threshold %s, sweep period %s", m.config.ExpiryThreshold, m.config.SweepPeriod)
	ticker := m.clock.NewTicker(m.config.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ctx.Log.Info("Heartbeat monitor stopped")
			return nil
		case <-ticker.C():
			released, err := m.Expire(ctx)
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("Heartbeat sweep failed")
				continue
			}
			if len(released) > 0 {
				ctx.Log.Infof("Heartbeat sweep released %d tasks", len(released))
			}
		}
	}
}
