package taskdb

import (
	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

// UpsertManager inserts or replaces a manager.
// The manager passed to this function *must not* be subsequently modified
func (taskDb *TaskDb) UpsertManager(txn *Txn, manager *model.Manager) error {
	return errors.WithStack(txn.txn.Insert(ManagersTable, manager))
}

// GetManager returns the manager with the given id or nil if no such manager exists.
func (taskDb *TaskDb) GetManager(txn *Txn, id string) (*model.Manager, error) {
	obj, err := txn.txn.First(ManagersTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Manager), nil
}

// Managers returns all managers in id order.
func (taskDb *TaskDb) Managers(txn *Txn) ([]*model.Manager, error) {
	iter, err := txn.txn.Get(ManagersTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*model.Manager, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*model.Manager))
	}
	return result, nil
}
