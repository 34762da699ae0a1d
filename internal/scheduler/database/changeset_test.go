package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

func newTestDb(t *testing.T) *taskdb.TaskDb {
	db, err := taskdb.NewTaskDb(clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	return db
}

func TestChangeset_KeepsLatestState(t *testing.T) {
	db := newTestDb(t)
	changes := NewChangeset()
	db.SetChangeListener(changes.Add)

	txn := db.WriteTxn()
	require.NoError(t, db.UpsertJob(txn, &model.Job{Id: "j1", Status: model.JobQueued}))
	require.NoError(t, db.UpsertJob(txn, &model.Job{Id: "j2", Status: model.JobQueued}))
	require.NoError(t, db.UpsertTasks(txn,
		&model.Task{Id: "t1", JobId: "j1", Status: model.TaskQueued},
		&model.Task{Id: "t2", JobId: "j2", Status: model.TaskQueued},
	))
	require.NoError(t, db.UpsertManager(txn, &model.Manager{Id: "m1"}))
	txn.Commit()

	txn = db.WriteTxn()
	require.NoError(t, db.UpsertTasks(txn, &model.Task{Id: "t1", JobId: "j1", Status: model.TaskClaimed, Manager: "m1"}))
	require.NoError(t, db.DeleteJob(txn, "j2"))
	txn.Commit()

	// Aborted transactions are never reported.
	txn = db.WriteTxn()
	require.NoError(t, db.UpsertManager(txn, &model.Manager{Id: "m2"}))
	txn.Abort()

	require.Len(t, changes.Jobs, 2)
	assert.Equal(t, model.JobQueued, changes.Jobs["j1"].Status)
	assert.Nil(t, changes.Jobs["j2"])
	require.Len(t, changes.Tasks, 2)
	assert.Equal(t, model.TaskClaimed, changes.Tasks["t1"].Status)
	assert.Nil(t, changes.Tasks["t2"])
	assert.Len(t, changes.Managers, 1)
	assert.Equal(t, 5, changes.Size())
}

func TestChangeset_Merge(t *testing.T) {
	older := NewChangeset()
	older.Jobs["j1"] = &model.Job{Id: "j1", Status: model.JobQueued}
	older.Jobs["j2"] = &model.Job{Id: "j2", Status: model.JobQueued}
	older.Tasks["t1"] = nil

	newer := NewChangeset()
	newer.Jobs["j1"] = nil
	newer.Tasks["t1"] = &model.Task{Id: "t1"}
	newer.Managers["m1"] = &model.Manager{Id: "m1"}

	older.Merge(newer)
	assert.Nil(t, older.Jobs["j1"])
	assert.Equal(t, model.JobQueued, older.Jobs["j2"].Status)
	assert.NotNil(t, older.Tasks["t1"])
	assert.Contains(t, older.Managers, "m1")
	assert.False(t, older.Empty())
	assert.True(t, NewChangeset().Empty())
}

func TestBatches(t *testing.T) {
	items := make([]int, 2*maxRowsPerStatement+1)
	result := batches(items)
	require.Len(t, result, 3)
	assert.Len(t, result[0], maxRowsPerStatement)
	assert.Len(t, result[2], 1)
	assert.Empty(t, batches([]int{}))
}
