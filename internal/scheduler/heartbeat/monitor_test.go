package heartbeat

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/statemachine"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

var startTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testPolicies map[string]model.JobTypePolicy

func (p testPolicies) PolicyFor(jobType string) model.JobTypePolicy {
	if policy, ok := p[jobType]; ok {
		return policy
	}
	return model.DefaultJobTypePolicy
}

var policies = testPolicies{
	"video": {Failure: model.FailOnTaskFailure, Stall: model.FailStalledIfStarted},
}

var testConfig = Config{
	ExpiryThreshold: 10 * time.Minute,
	ManagerTimeout:  30 * time.Minute,
	SweepPeriod:     time.Minute,
}

type fixture struct {
	db      *taskdb.TaskDb
	monitor *Monitor
	clock   *clock.FakeClock
}

func newFixture(t *testing.T, jobType string, tasks ...*model.Task) *fixture {
	fakeClock := clock.NewFakeClock(startTime)
	db, err := taskdb.NewTaskDb(fakeClock)
	require.NoError(t, err)
	sm := statemachine.New(db, policies)
	repo, err := NewInMemoryWorkerRepository(10)
	require.NoError(t, err)

	txn := db.WriteTxn()
	require.NoError(t, db.UpsertJob(txn, &model.Job{Id: "j", JobType: jobType, Status: model.JobActive, Priority: 50}))
	require.NoError(t, db.UpsertManager(txn, &model.Manager{Id: "m1", LastSeen: startTime}))
	require.NoError(t, db.UpsertManager(txn, &model.Manager{Id: "m2", LastSeen: startTime}))
	for _, task := range tasks {
		task.JobId = "j"
		task.LastActivity = startTime
		task.Updated = startTime
		require.NoError(t, db.UpsertTasks(txn, task))
	}
	txn.Commit()
	return &fixture{
		db:      db,
		monitor: NewMonitor(db, sm, policies, repo, fakeClock, testConfig),
		clock:   fakeClock,
	}
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	task, err := f.db.GetTask(f.db.ReadTxn(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestReport(t *testing.T) {
	f := newFixture(t, "",
		&model.Task{Id: "t1", Status: model.TaskActive, Manager: "m1"},
		&model.Task{Id: "t2", Status: model.TaskActive, Manager: "m2"},
	)
	f.clock.Step(5 * time.Minute)
	ctx := farmcontext.Background()

	err := f.monitor.Report(ctx, "m1", []WorkerStatus{
		{Id: "w1", Status: "awake", CurrentTask: "t1", Activity: "frame 4"},
		{Id: "w2", Status: "awake", CurrentTask: "t2", Activity: "frame 9"},
		{Id: "w3", Status: "asleep"},
	})
	require.NoError(t, err)

	t1 := f.task(t, "t1")
	assert.Equal(t, "frame 4", t1.Activity)
	assert.Equal(t, "w1", t1.Worker)
	assert.True(t, t1.LastActivity.After(startTime))
	assert.Equal(t, startTime, t1.Updated)

	// Held by another manager.
	t2 := f.task(t, "t2")
	assert.Equal(t, "", t2.Activity)
	assert.Equal(t, startTime, t2.LastActivity)

	manager, err := f.db.GetManager(f.db.ReadTxn(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, manager.NumWorkers)
	assert.True(t, manager.LastSeen.After(startTime))

	workers, err := f.monitor.Workers(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.False(t, workers[0].LastSeen.IsZero())
}

func TestReport_UnknownManager(t *testing.T) {
	f := newFixture(t, "")
	err := f.monitor.Report(farmcontext.Background(), "nope", nil)
	var notFound *farmerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

type unavailableWorkerRepository struct{}

func (unavailableWorkerRepository) StoreWorkers(*farmcontext.Context, string, []WorkerStatus) error {
	return errors.New("connection refused")
}

func (unavailableWorkerRepository) GetWorkers(*farmcontext.Context, string) ([]WorkerStatus, error) {
	return nil, errors.New("connection refused")
}

func TestReport_WorkerStoreUnavailable(t *testing.T) {
	f := newFixture(t, "", &model.Task{Id: "t1", Status: model.TaskActive, Manager: "m1"})
	f.monitor.workers = unavailableWorkerRepository{}
	ctx := farmcontext.Background()

	f.clock.Step(8 * time.Minute)
	require.NoError(t, f.monitor.Report(ctx, "m1", []WorkerStatus{{Id: "w1", CurrentTask: "t1"}}))
	assert.Equal(t, startTime.Add(8*time.Minute), f.task(t, "t1").LastActivity)

	// Quiet for longer than the threshold since the start, but not since the report.
	f.clock.Step(4 * time.Minute)
	released, err := f.monitor.Expire(ctx)
	require.NoError(t, err)
	assert.Empty(t, released)
	t1 := f.task(t, "t1")
	assert.Equal(t, model.TaskActive, t1.Status)
	assert.Equal(t, "m1", t1.Manager)
}

func TestExpire(t *testing.T) {
	tests := map[string]struct {
		jobType        string
		task           *model.Task
		advance        time.Duration
		reportActivity bool
		expectedStatus model.TaskStatus
	}{
		"quiet claimed task is requeued": {
			task:           &model.Task{Id: "t", Status: model.TaskClaimed, Manager: "m1"},
			advance:        11 * time.Minute,
			expectedStatus: model.TaskQueued,
		},
		"quiet active task is requeued": {
			task:           &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1"},
			advance:        11 * time.Minute,
			expectedStatus: model.TaskQueued,
		},
		"quiet cancel-requested task is canceled": {
			task:           &model.Task{Id: "t", Status: model.TaskCancelRequested, Manager: "m1"},
			advance:        11 * time.Minute,
			expectedStatus: model.TaskCanceled,
		},
		"started task fails under fail-if-started policy": {
			jobType:        "video",
			task:           &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1", Frames: model.FrameProgress{Completed: "1-3"}},
			advance:        11 * time.Minute,
			expectedStatus: model.TaskFailed,
		},
		"unstarted task is requeued under fail-if-started policy": {
			jobType:        "video",
			task:           &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1"},
			advance:        11 * time.Minute,
			expectedStatus: model.TaskQueued,
		},
		"recent activity keeps the task": {
			task:           &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1"},
			advance:        5 * time.Minute,
			expectedStatus: model.TaskActive,
		},
		"reported activity keeps the task": {
			task:           &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1"},
			advance:        11 * time.Minute,
			reportActivity: true,
			expectedStatus: model.TaskActive,
		},
		"finished tasks are ignored": {
			task:           &model.Task{Id: "t", Status: model.TaskCompleted},
			advance:        time.Hour,
			expectedStatus: model.TaskCompleted,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.jobType, tc.task)
			ctx := farmcontext.Background()
			f.clock.Step(tc.advance)
			if tc.reportActivity {
				require.NoError(t, f.monitor.Report(ctx, "m1", []WorkerStatus{{Id: "w1", CurrentTask: "t"}}))
			}

			released, err := f.monitor.Expire(ctx)
			require.NoError(t, err)

			task := f.task(t, "t")
			assert.Equal(t, tc.expectedStatus, task.Status)
			if tc.expectedStatus != tc.task.Status {
				require.Len(t, released, 1)
				assert.Equal(t, "", task.Manager)
				assert.Equal(t, "m1", task.PreviousManager)
				assert.True(t, task.Updated.After(startTime))
			} else {
				assert.Empty(t, released)
			}
		})
	}
}

func TestExpire_DeadManager(t *testing.T) {
	f := newFixture(t, "", &model.Task{Id: "t", Status: model.TaskActive, Manager: "m1"})
	ctx := farmcontext.Background()

	// The task keeps reporting activity through a direct write but the manager itself is never seen.
	f.clock.Step(31 * time.Minute)
	txn := f.db.WriteTxn()
	task := f.task(t, "t").DeepCopy()
	task.LastActivity = txn.Now()
	require.NoError(t, f.db.UpsertTasks(txn, task))
	txn.Commit()

	released, err := f.monitor.Expire(ctx)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, model.TaskQueued, f.task(t, "t").Status)
}

func TestExpire_RefreshesJob(t *testing.T) {
	f := newFixture(t, "", &model.Task{Id: "t", Status: model.TaskCancelRequested, Manager: "m1"})
	f.clock.Step(time.Hour)

	_, err := f.monitor.Expire(farmcontext.Background())
	require.NoError(t, err)

	job, err := f.db.GetJob(f.db.ReadTxn(), "j")
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, job.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := farmcontext.WithCancel(farmcontext.Background())
	done := make(chan error)
	go func() {
		done <- f.monitor.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
