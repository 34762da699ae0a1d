package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

type fakeRepository struct {
	mu       sync.Mutex
	failures int
	applied  []*Changeset
}

func (r *fakeRepository) Load(context.Context) (*Snapshot, error) {
	return &Snapshot{}, nil
}

func (r *fakeRepository) Apply(_ context.Context, changes *Changeset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	r.applied = append(r.applied, changes)
	return nil
}

func newTestPersister(t *testing.T, repo Repository, attempts uint) *Persister {
	return NewPersister(repo, clock.NewFakeClock(time.Now()), PersisterConfig{
		FlushPeriod:     time.Second,
		RetryAttempts:   attempts,
		ShutdownTimeout: time.Second,
	})
}

func TestPersister_FlushesCommittedChanges(t *testing.T) {
	db := newTestDb(t)
	repo := &fakeRepository{}
	persister := newTestPersister(t, repo, 1)
	db.SetChangeListener(persister.Listen)

	txn := db.WriteTxn()
	require.NoError(t, db.UpsertJob(txn, &model.Job{Id: "j1", Status: model.JobQueued}))
	txn.Commit()
	assert.Equal(t, 1, persister.Pending())

	require.NoError(t, persister.Flush(farmcontext.Background()))
	assert.Equal(t, 0, persister.Pending())
	require.Len(t, repo.applied, 1)
	assert.Contains(t, repo.applied[0].Jobs, "j1")

	// Nothing to do.
	require.NoError(t, persister.Flush(farmcontext.Background()))
	assert.Len(t, repo.applied, 1)
}

func TestPersister_RetriesWithinFlush(t *testing.T) {
	repo := &fakeRepository{failures: 2}
	persister := newTestPersister(t, repo, 3)
	persister.pending.Jobs["j1"] = &model.Job{Id: "j1"}

	require.NoError(t, persister.Flush(farmcontext.Background()))
	assert.Len(t, repo.applied, 1)
}

func TestPersister_KeepsFailedBatch(t *testing.T) {
	repo := &fakeRepository{failures: 1}
	persister := newTestPersister(t, repo, 1)
	persister.pending.Jobs["j1"] = &model.Job{Id: "j1", Status: model.JobQueued}
	persister.pending.Tasks["t1"] = &model.Task{Id: "t1"}

	assert.Error(t, persister.Flush(farmcontext.Background()))
	assert.Equal(t, 2, persister.Pending())

	// Changes recorded after the failure win over the failed batch.
	persister.pending.Jobs["j1"] = &model.Job{Id: "j1", Status: model.JobActive}
	require.NoError(t, persister.Flush(farmcontext.Background()))
	require.Len(t, repo.applied, 1)
	assert.Equal(t, model.JobActive, repo.applied[0].Jobs["j1"].Status)
	assert.Contains(t, repo.applied[0].Tasks, "t1")
}

func TestPersister_RunFlushesOnShutdown(t *testing.T) {
	repo := &fakeRepository{}
	persister := newTestPersister(t, repo, 1)
	persister.pending.Managers["m1"] = &model.Manager{Id: "m1"}

	ctx, cancel := farmcontext.WithCancel(farmcontext.Background())
	cancel()
	require.NoError(t, persister.Run(ctx))
	require.Len(t, repo.applied, 1)
	assert.Contains(t, repo.applied[0].Managers, "m1")
}
