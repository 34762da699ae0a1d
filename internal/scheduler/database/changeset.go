package database

import (
	"github.com/hashicorp/go-memdb"
	log "github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

// Changeset is the net effect of a sequence of committed transactions, keyed by id. A nil value means
// the row was deleted. Only the latest state of each row is kept.
type Changeset struct {
	Jobs     map[string]*model.Job
	Tasks    map[string]*model.Task
	Managers map[string]*model.Manager
}

func NewChangeset() *Changeset {
	return &Changeset{
		Jobs:     map[string]*model.Job{},
		Tasks:    map[string]*model.Task{},
		Managers: map[string]*model.Manager{},
	}
}

// Add folds the changes of one transaction into the changeset.
func (c *Changeset) Add(changes memdb.Changes) {
	for _, change := range changes {
		obj := change.After
		if change.Deleted() {
			obj = change.Before
		}
		switch change.Table {
		case taskdb.JobsTable:
			job := obj.(*model.Job)
			if change.Deleted() {
				c.Jobs[job.Id] = nil
			} else {
				c.Jobs[job.Id] = job
			}
		case taskdb.TasksTable:
			task := obj.(*model.Task)
			if change.Deleted() {
				c.Tasks[task.Id] = nil
			} else {
				c.Tasks[task.Id] = task
			}
		case taskdb.ManagersTable:
			manager := obj.(*model.Manager)
			if change.Deleted() {
				c.Managers[manager.Id] = nil
			} else {
				c.Managers[manager.Id] = manager
			}
		default:
			log.Warnf("Ignoring change to unknown table %s", change.Table)
		}
	}
}

// Merge applies newer on top of c.
func (c *Changeset) Merge(newer *Changeset) {
	for id, job := range newer.Jobs {
		c.Jobs[id] = job
	}
	for id, task := range newer.Tasks {
		c.Tasks[id] = task
	}
	for id, manager := range newer.Managers {
		c.Managers[id] = manager
	}
}

func (c *Changeset) Size() int {
	return len(c.Jobs) + len(c.Tasks) + len(c.Managers)
}

func (c *Changeset) Empty() bool {
	return c.Size() == 0
}
