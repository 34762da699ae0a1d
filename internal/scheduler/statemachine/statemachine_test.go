package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

type testPolicies map[string]model.JobTypePolicy

func (p testPolicies) PolicyFor(jobType string) model.JobTypePolicy {
	if policy, ok := p[jobType]; ok {
		return policy
	}
	return model.DefaultJobTypePolicy
}

var testPolicy = testPolicies{
	"lenient": {Failure: model.IgnoreTaskFailure, Stall: model.RequeueStalled},
	"strict":  {Failure: model.FailOnTaskFailure, Stall: model.FailStalledIfStarted},
}

type fixture struct {
	db    *taskdb.TaskDb
	sm    *StateMachine
	clock *clock.FakeClock
}

func newFixture(t *testing.T, job *model.Job, tasks ...*model.Task) *fixture {
	fakeClock := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	db, err := taskdb.NewTaskDb(fakeClock)
	require.NoError(t, err)
	txn := db.WriteTxn()
	require.NoError(t, db.UpsertJob(txn, job))
	require.NoError(t, db.UpsertTasks(txn, tasks...))
	txn.Commit()
	return &fixture{db: db, sm: New(db, testPolicy), clock: fakeClock}
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	task, err := f.db.GetTask(f.db.ReadTxn(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (f *fixture) job(t *testing.T, id string) *model.Job {
	job, err := f.db.GetJob(f.db.ReadTxn(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// chain builds a -> b -> c, where b depends on a and c on b.
func chain(status model.TaskStatus) []*model.Task {
	return []*model.Task{
		{Id: "a", JobId: "j", Status: status, Priority: 50, Manager: "m1"},
		{Id: "b", JobId: "j", Status: status, Priority: 50, Manager: "m1", Parents: []string{"a"}},
		{Id: "c", JobId: "j", Status: status, Priority: 50, Manager: "m1", Parents: []string{"b"}},
	}
}

func TestValidTransition(t *testing.T) {
	tests := map[string]struct {
		from, to model.TaskStatus
		valid    bool
	}{
		"claim":                        {from: model.TaskQueued, to: model.TaskClaimed, valid: true},
		"start":                        {from: model.TaskClaimed, to: model.TaskActive, valid: true},
		"complete":                     {from: model.TaskActive, to: model.TaskCompleted, valid: true},
		"fail":                         {from: model.TaskActive, to: model.TaskFailed, valid: true},
		"cancel request":               {from: model.TaskActive, to: model.TaskCancelRequested, valid: true},
		"ack cancel":                   {from: model.TaskCancelRequested, to: model.TaskCanceled, valid: true},
		"finished before cancel":       {from: model.TaskCancelRequested, to: model.TaskCompleted, valid: true},
		"requeue from completed":       {from: model.TaskCompleted, to: model.TaskQueued, valid: true},
		"same status":                  {from: model.TaskActive, to: model.TaskActive, valid: true},
		"queued to completed":          {from: model.TaskQueued, to: model.TaskCompleted},
		"queued to active":             {from: model.TaskQueued, to: model.TaskActive},
		"completed to failed":          {from: model.TaskCompleted, to: model.TaskFailed},
		"canceled to active":           {from: model.TaskCanceled, to: model.TaskActive},
		"cancel requested to active":   {from: model.TaskCancelRequested, to: model.TaskActive},
		"claimed straight to complete": {from: model.TaskClaimed, to: model.TaskCompleted},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidTransition(tc.from, tc.to))
		})
	}
}

func TestDeriveJobStatus(t *testing.T) {
	counts := func(statuses ...model.TaskStatus) model.TaskCounts {
		var c model.TaskCounts
		for _, s := range statuses {
			c.Add(s)
		}
		return c
	}
	tests := map[string]struct {
		current  model.JobStatus
		counts   model.TaskCounts
		failure  model.FailurePolicy
		expected model.JobStatus
	}{
		"no tasks keeps status": {current: model.JobActive, counts: counts(), expected: model.JobActive},
		"all completed":         {current: model.JobActive, counts: counts(model.TaskCompleted, model.TaskCompleted), expected: model.JobCompleted},
		"failure fails job": {
			current: model.JobActive, counts: counts(model.TaskFailed, model.TaskActive), failure: model.FailOnTaskFailure,
			expected: model.JobFailed,
		},
		"ignored failure keeps running": {
			current: model.JobActive, counts: counts(model.TaskFailed, model.TaskActive), failure: model.IgnoreTaskFailure,
			expected: model.JobActive,
		},
		"ignored failure never completes": {
			current: model.JobActive, counts: counts(model.TaskFailed, model.TaskCompleted), failure: model.IgnoreTaskFailure,
			expected: model.JobFailed,
		},
		"ignored failure with cancel": {
			current: model.JobActive, counts: counts(model.TaskFailed, model.TaskCanceled), failure: model.IgnoreTaskFailure,
			expected: model.JobFailed,
		},
		"ignored failure waits for queued": {
			current: model.JobActive, counts: counts(model.TaskFailed, model.TaskQueued), failure: model.IgnoreTaskFailure,
			expected: model.JobQueued,
		},
		"claimed is active":          {current: model.JobQueued, counts: counts(model.TaskClaimed, model.TaskQueued), expected: model.JobActive},
		"cancel requested is active": {current: model.JobQueued, counts: counts(model.TaskCancelRequested), expected: model.JobActive},
		"terminal with cancel":       {current: model.JobActive, counts: counts(model.TaskCanceled, model.TaskCompleted), expected: model.JobCanceled},
		"all queued":                 {current: model.JobCompleted, counts: counts(model.TaskQueued, model.TaskQueued), expected: model.JobQueued},
		"partially done":             {current: model.JobActive, counts: counts(model.TaskCompleted, model.TaskQueued), expected: model.JobQueued},
		"canceled override":          {current: model.JobCanceled, counts: counts(model.TaskCompleted), expected: model.JobCanceled},
		"archived override":          {current: model.JobArchived, counts: counts(model.TaskQueued), expected: model.JobArchived},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			failure := tc.failure
			if failure == "" {
				failure = model.FailOnTaskFailure
			}
			assert.Equal(t, tc.expected, DeriveJobStatus(tc.current, tc.counts, failure))
		})
	}
}

func TestSetTaskStatus(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobActive},
		&model.Task{Id: "a", JobId: "j", Status: model.TaskActive, Manager: "m1"},
		&model.Task{Id: "b", JobId: "j", Status: model.TaskQueued},
	)

	txn := f.db.WriteTxn()
	updated, err := f.sm.SetTaskStatus(txn, "a", model.TaskActive, model.TaskCompleted)
	require.NoError(t, err)
	txn.Commit()
	assert.Equal(t, model.TaskCompleted, updated.Status)
	assert.Equal(t, "m1", updated.Manager)
	assert.Equal(t, txn.Now(), f.task(t, "a").Updated)
	assert.Equal(t, model.JobQueued, f.job(t, "j").Status)
	assert.Equal(t, 1, f.job(t, "j").TasksStatus.Completed)

	txn = f.db.WriteTxn()
	_, err = f.sm.SetTaskStatus(txn, "b", "", model.TaskCompleted)
	txn.Abort()
	var invalid *farmerrors.ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)

	txn = f.db.WriteTxn()
	_, err = f.sm.SetTaskStatus(txn, "b", model.TaskActive, model.TaskCompleted)
	txn.Abort()
	var conflict *farmerrors.ErrConflict
	assert.ErrorAs(t, err, &conflict)

	txn = f.db.WriteTxn()
	_, err = f.sm.SetTaskStatus(txn, "b", "", model.TaskClaimed)
	txn.Abort()
	assert.ErrorAs(t, err, &invalid, "claims only go through Claim")

	txn = f.db.WriteTxn()
	_, err = f.sm.SetTaskStatus(txn, "missing", "", model.TaskActive)
	txn.Abort()
	var notFound *farmerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestSetTaskStatus_FailurePolicy(t *testing.T) {
	for jobType, expected := range map[string]model.JobStatus{"strict": model.JobFailed, "lenient": model.JobActive} {
		t.Run(jobType, func(t *testing.T) {
			f := newFixture(t, &model.Job{Id: "j", JobType: jobType, Status: model.JobActive},
				&model.Task{Id: "a", JobId: "j", Status: model.TaskActive, Manager: "m1"},
				&model.Task{Id: "b", JobId: "j", Status: model.TaskActive, Manager: "m1"},
			)
			txn := f.db.WriteTxn()
			_, err := f.sm.SetTaskStatus(txn, "a", "", model.TaskFailed)
			require.NoError(t, err)
			txn.Commit()
			assert.Equal(t, expected, f.job(t, "j").Status)
		})
	}
}

func TestRequeue_Cascade(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobCompleted}, chain(model.TaskCompleted)...)

	txn := f.db.WriteTxn()
	requeued, err := f.sm.Requeue(txn, "a")
	require.NoError(t, err)
	txn.Commit()

	require.Len(t, requeued, 3)
	for _, id := range []string{"a", "b", "c"} {
		task := f.task(t, id)
		assert.Equal(t, model.TaskQueued, task.Status, id)
		assert.Empty(t, task.Manager)
		assert.Equal(t, "m1", task.PreviousManager)
	}
	assert.Equal(t, model.JobQueued, f.job(t, "j").Status)

	// Running it again changes nothing.
	txn = f.db.WriteTxn()
	requeued, err = f.sm.Requeue(txn, "a")
	require.NoError(t, err)
	txn.Commit()
	assert.Empty(t, requeued)
}

func TestRequeue_TraversesUnfinishedDescendants(t *testing.T) {
	tasks := chain(model.TaskCompleted)
	tasks[0].Status = model.TaskFailed
	tasks[1].Status = model.TaskCanceled
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobFailed}, tasks...)

	txn := f.db.WriteTxn()
	requeued, err := f.sm.Requeue(txn, "a")
	require.NoError(t, err)
	txn.Commit()

	assert.Len(t, requeued, 2)
	assert.Equal(t, model.TaskQueued, f.task(t, "a").Status)
	assert.Equal(t, model.TaskCanceled, f.task(t, "b").Status)
	assert.Equal(t, model.TaskQueued, f.task(t, "c").Status)
}

func TestRequeue_AbortLeavesNothingApplied(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobCompleted}, chain(model.TaskCompleted)...)

	txn := f.db.WriteTxn()
	_, err := f.sm.Requeue(txn, "a")
	require.NoError(t, err)
	txn.Abort()

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, model.TaskCompleted, f.task(t, id).Status)
	}
	assert.Equal(t, model.JobCompleted, f.job(t, "j").Status)
}

func TestSetTaskStatus_QueuedCascades(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobCompleted}, chain(model.TaskCompleted)...)

	txn := f.db.WriteTxn()
	updated, err := f.sm.SetTaskStatus(txn, "b", "", model.TaskQueued)
	require.NoError(t, err)
	txn.Commit()

	assert.Equal(t, "b", updated.Id)
	assert.Equal(t, model.TaskQueued, updated.Status)
	assert.Equal(t, model.TaskCompleted, f.task(t, "a").Status)
	assert.Equal(t, model.TaskQueued, f.task(t, "b").Status)
	assert.Equal(t, model.TaskQueued, f.task(t, "c").Status)
	assert.Equal(t, model.JobQueued, f.job(t, "j").Status)
}

func TestClaim(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobQueued},
		&model.Task{Id: "a", JobId: "j", Status: model.TaskQueued, PreviousManager: "m0"},
	)

	txn := f.db.WriteTxn()
	claimed, ok, err := f.sm.Claim(txn, "a", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.TaskClaimed, claimed.Status)
	assert.Equal(t, "m1", claimed.Manager)
	assert.Equal(t, txn.Now(), claimed.LastActivity)

	_, ok, err = f.sm.Claim(txn, "a", "m2")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.sm.RefreshJobs(txn, []string{"j", "j"}))
	txn.Commit()

	assert.Equal(t, model.JobActive, f.job(t, "j").Status)
	assert.Equal(t, "m1", f.task(t, "a").Manager)
}

func TestReleaseStalled(t *testing.T) {
	tests := map[string]struct {
		jobType  string
		task     *model.Task
		expected model.TaskStatus
	}{
		"claimed requeued": {
			task:     &model.Task{Id: "a", JobId: "j", Status: model.TaskClaimed, Manager: "m1"},
			expected: model.TaskQueued,
		},
		"active requeued by default": {
			task:     &model.Task{Id: "a", JobId: "j", Status: model.TaskActive, Manager: "m1", Frames: model.FrameProgress{Completed: "1-3"}},
			expected: model.TaskQueued,
		},
		"active without frames requeued under strict policy": {
			jobType:  "strict",
			task:     &model.Task{Id: "a", JobId: "j", Status: model.TaskActive, Manager: "m1"},
			expected: model.TaskQueued,
		},
		"active with frames failed under strict policy": {
			jobType:  "strict",
			task:     &model.Task{Id: "a", JobId: "j", Status: model.TaskActive, Manager: "m1", Frames: model.FrameProgress{Completed: "1-3"}},
			expected: model.TaskFailed,
		},
		"cancel requested canceled": {
			task:     &model.Task{Id: "a", JobId: "j", Status: model.TaskCancelRequested, Manager: "m1"},
			expected: model.TaskCanceled,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, &model.Job{Id: "j", JobType: tc.jobType, Status: model.JobActive}, tc.task)
			txn := f.db.WriteTxn()
			_, err := f.sm.ReleaseStalled(txn, "a", testPolicy.PolicyFor(tc.jobType).Stall)
			require.NoError(t, err)
			txn.Commit()

			task := f.task(t, "a")
			assert.Equal(t, tc.expected, task.Status)
			assert.Empty(t, task.Manager)
			assert.Equal(t, "m1", task.PreviousManager)
		})
	}
}

func TestReleaseStalled_IgnoresFinishedTasks(t *testing.T) {
	f := newFixture(t, &model.Job{Id: "j", Status: model.JobCompleted},
		&model.Task{Id: "a", JobId: "j", Status: model.TaskCompleted, Manager: "m1"})
	txn := f.db.WriteTxn()
	task, err := f.sm.ReleaseStalled(txn, "a", model.RequeueStalled)
	require.NoError(t, err)
	txn.Commit()
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, "m1", f.task(t, "a").Manager)
}
