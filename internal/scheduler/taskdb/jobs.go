package taskdb

import (
	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

// UpsertJob inserts or replaces a job.
// The job passed to this function *must not* be subsequently modified
func (taskDb *TaskDb) UpsertJob(txn *Txn, job *model.Job) error {
	return errors.WithStack(txn.txn.Insert(JobsTable, job))
}

// GetJob returns the job with the given id or nil if no such job exists.
// The job returned by this function *must not* be subsequently modified
func (taskDb *TaskDb) GetJob(txn *Txn, id string) (*model.Job, error) {
	obj, err := txn.txn.First(JobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Job), nil
}

// Jobs returns all jobs in id order.
func (taskDb *TaskDb) Jobs(txn *Txn) ([]*model.Job, error) {
	iter, err := txn.txn.Get(JobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*model.Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*model.Job))
	}
	return result, nil
}

// JobsWithStatus returns the jobs in any of the given statuses.
func (taskDb *TaskDb) JobsWithStatus(txn *Txn, statuses ...model.JobStatus) ([]*model.Job, error) {
	result := make([]*model.Job, 0)
	for _, status := range statuses {
		iter, err := txn.txn.Get(JobsTable, statusIndex, string(status))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := iter.Next(); obj != nil; obj = iter.Next() {
			result = append(result, obj.(*model.Job))
		}
	}
	return result, nil
}

// DeleteJob removes a job and all of its tasks. Unknown ids are ignored.
func (taskDb *TaskDb) DeleteJob(txn *Txn, id string) error {
	if err := taskDb.DeleteTasksForJob(txn, id); err != nil {
		return err
	}
	if _, err := txn.txn.DeleteAll(JobsTable, idIndex, id); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
