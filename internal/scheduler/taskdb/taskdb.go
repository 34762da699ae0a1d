package taskdb

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

const (
	JobsTable     = "jobs"
	TasksTable    = "tasks"
	ManagersTable = "managers"

	idIndex              = "id"              // primary key
	statusIndex          = "status"          // jobs and tasks by status
	jobIndex             = "job"             // tasks of a job, in id order
	managerIndex         = "manager"         // tasks claimed by a manager
	previousManagerIndex = "previousManager" // tasks whose claim was cleared from a manager
	parentIndex          = "parent"          // tasks depending on a given task
)

// ChangeListener receives the changes of every committed write transaction, in commit order. It is
// called while the write lock is still held so it must not block or start transactions.
type ChangeListener func(changes memdb.Changes)

// TaskDb is the authoritative in-memory store of jobs, tasks and managers. It is implemented on top of
// https://github.com/hashicorp/go-memdb: readers never block, and a single write transaction is open at
// any time, which is what makes every read-check-write inside one transaction a compare-and-set.
type TaskDb struct {
	db       *memdb.MemDB
	clock    clock.PassiveClock
	listener ChangeListener
	// Last stamp handed to a write transaction. Guarded by the memdb writer lock.
	lastStamp time.Time
	// Only used to make SetChangeListener safe against concurrent transactions.
	listenerMu sync.Mutex
}

func NewTaskDb(clock clock.PassiveClock) (*TaskDb, error) {
	db, err := memdb.NewMemDB(taskDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TaskDb{
		db:    db,
		clock: clock,
	}, nil
}

// SetChangeListener registers the listener notified on commit. Pass nil to remove it.
func (taskDb *TaskDb) SetChangeListener(listener ChangeListener) {
	taskDb.listenerMu.Lock()
	defer taskDb.listenerMu.Unlock()
	taskDb.listener = listener
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently
func (taskDb *TaskDb) ReadTxn() *Txn {
	return &Txn{
		txn:   taskDb.db.Txn(false),
		db:    taskDb,
		stamp: taskDb.clock.Now().UTC(),
	}
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time. Every write transaction gets a
// stamp strictly greater than that of any earlier write transaction, so stamps order commits.
func (taskDb *TaskDb) WriteTxn() *Txn {
	txn := taskDb.db.Txn(true)
	txn.TrackChanges()
	stamp := taskDb.clock.Now().UTC().Truncate(time.Microsecond)
	if !stamp.After(taskDb.lastStamp) {
		stamp = taskDb.lastStamp.Add(time.Microsecond)
	}
	taskDb.lastStamp = stamp
	return &Txn{
		txn:   txn,
		db:    taskDb,
		stamp: stamp,
		write: true,
	}
}

// Txn wraps a memdb transaction together with its stamp.
type Txn struct {
	txn   *memdb.Txn
	db    *TaskDb
	stamp time.Time
	write bool
}

// Now is the stamp of the transaction. Every row written by a write transaction uses it as its
// Updated time.
func (txn *Txn) Now() time.Time {
	return txn.stamp
}

func (txn *Txn) Commit() {
	if txn.write {
		txn.db.listenerMu.Lock()
		listener := txn.db.listener
		txn.db.listenerMu.Unlock()
		if changes := txn.txn.Changes(); listener != nil && len(changes) > 0 {
			listener(changes)
		}
	}
	txn.txn.Commit()
}

// Abort discards the transaction. It is a no-op after Commit, so it is safe to defer.
func (txn *Txn) Abort() {
	txn.txn.Abort()
}

// Restore bulk loads previously persisted state into an empty db. Restored rows are not reported to
// the change listener and the stamp is advanced past every restored Updated time.
func (taskDb *TaskDb) Restore(jobs []*model.Job, tasks []*model.Task, managers []*model.Manager) error {
	txn := taskDb.db.Txn(true)
	defer txn.Abort()
	latest := taskDb.lastStamp
	for _, job := range jobs {
		if err := txn.Insert(JobsTable, job); err != nil {
			return errors.WithStack(err)
		}
		if job.Updated.After(latest) {
			latest = job.Updated
		}
	}
	for _, task := range tasks {
		if err := txn.Insert(TasksTable, task); err != nil {
			return errors.WithStack(err)
		}
		if task.Updated.After(latest) {
			latest = task.Updated
		}
	}
	for _, manager := range managers {
		if err := txn.Insert(ManagersTable, manager); err != nil {
			return errors.WithStack(err)
		}
		if manager.Updated.After(latest) {
			latest = manager.Updated
		}
	}
	taskDb.lastStamp = latest
	txn.Commit()
	return nil
}

// taskDbSchema creates the database schema: one table per entity with indexes for the lookups the
// scheduler makes.
func taskDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			JobsTable: {
				Name: JobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			TasksTable: {
				Name: TasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					jobIndex: {
						Name:    jobIndex,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					managerIndex: {
						Name:         managerIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Manager"},
					},
					previousManagerIndex: {
						Name:         previousManagerIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "PreviousManager"},
					},
					parentIndex: {
						Name:         parentIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringSliceFieldIndex{Field: "Parents"},
					},
				},
			},
			ManagersTable: {
				Name: ManagersTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
		},
	}
}
