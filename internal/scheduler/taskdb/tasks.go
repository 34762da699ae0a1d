package taskdb

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

// UpsertTasks inserts or replaces tasks.
// Any tasks passed to this function *must not* be subsequently modified
func (taskDb *TaskDb) UpsertTasks(txn *Txn, tasks ...*model.Task) error {
	for _, task := range tasks {
		if err := txn.txn.Insert(TasksTable, task); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetTask returns the task with the given id or nil if no such task exists.
// The task returned by this function *must not* be subsequently modified
func (taskDb *TaskDb) GetTask(txn *Txn, id string) (*model.Task, error) {
	obj, err := txn.txn.First(TasksTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Task), nil
}

// TasksForJob returns the tasks of a job in id order, which is compile order.
func (taskDb *TaskDb) TasksForJob(txn *Txn, jobId string) ([]*model.Task, error) {
	return collectTasks(txn.txn.Get(TasksTable, jobIndex, jobId))
}

// TasksWithStatus returns tasks in the given status.
func (taskDb *TaskDb) TasksWithStatus(txn *Txn, status model.TaskStatus) ([]*model.Task, error) {
	return collectTasks(txn.txn.Get(TasksTable, statusIndex, string(status)))
}

// TasksForManager returns the tasks whose current claim holder is managerId, whatever their status.
func (taskDb *TaskDb) TasksForManager(txn *Txn, managerId string) ([]*model.Task, error) {
	return collectTasks(txn.txn.Get(TasksTable, managerIndex, managerId))
}

// TasksForPreviousManager returns the tasks whose claim was most recently cleared from managerId.
func (taskDb *TaskDb) TasksForPreviousManager(txn *Txn, managerId string) ([]*model.Task, error) {
	return collectTasks(txn.txn.Get(TasksTable, previousManagerIndex, managerId))
}

// Children returns the tasks listing id among their parents.
func (taskDb *TaskDb) Children(txn *Txn, id string) ([]*model.Task, error) {
	return collectTasks(txn.txn.Get(TasksTable, parentIndex, id))
}

// DeleteTasksForJob removes every task of a job.
func (taskDb *TaskDb) DeleteTasksForJob(txn *Txn, jobId string) error {
	if _, err := txn.txn.DeleteAll(TasksTable, jobIndex, jobId); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func collectTasks(iter memdb.ResultIterator, err error) ([]*model.Task, error) {
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*model.Task, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*model.Task))
	}
	return result, nil
}
