// Package depsgraph serves the manager poll: each poll claims new work for the manager and returns
// every task the manager needs to know about since its previous poll.
package depsgraph

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/assignment"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

type PollResult struct {
	Tasks []*model.Task
	// Watermark is the greatest Updated time among Tasks; the manager sends it back on its next poll.
	// It is the zero time when Tasks is empty.
	Watermark time.Time
	// NotModified is set when the manager supplied a watermark and nothing changed since.
	NotModified bool
	// Number of tasks newly claimed by this poll.
	Claimed int
}

type Syncer struct {
	db              *taskdb.TaskDb
	policy          *assignment.Policy
	maxTasksPerPoll int
}

func NewSyncer(db *taskdb.TaskDb, policy *assignment.Policy, maxTasksPerPoll int) *Syncer {
	return &Syncer{
		db:              db,
		policy:          policy,
		maxTasksPerPoll: maxTasksPerPoll,
	}
}

// Poll claims runnable work for the manager and returns its view of the task graph.
//
// Without a watermark the manager gets a clean slate: the newly claimed tasks plus every task it still
// holds. With a watermark it gets the newly claimed tasks plus every task, held now or released from
// it, changed after the watermark.
func (s *Syncer) Poll(ctx *farmcontext.Context, managerId string, watermark *time.Time) (*PollResult, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()

	manager, err := s.db.GetManager(txn, managerId)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "manager", Value: managerId})
	}
	seen := manager.DeepCopy()
	seen.LastSeen = txn.Now()
	seen.Updated = txn.Now()
	if err := s.db.UpsertManager(txn, seen); err != nil {
		return nil, err
	}

	claimed, err := s.policy.Claim(txn, managerId, s.maxTasksPerPoll)
	if err != nil {
		return nil, err
	}

	result := map[string]*model.Task{}
	for _, task := range claimed {
		result[task.Id] = task
	}

	held, err := s.db.TasksForManager(txn, managerId)
	if err != nil {
		return nil, err
	}
	for _, task := range held {
		if watermark == nil && task.Status.Held() || watermark != nil && task.Updated.After(*watermark) {
			result[task.Id] = task
		}
	}
	if watermark != nil {
		released, err := s.db.TasksForPreviousManager(txn, managerId)
		if err != nil {
			return nil, err
		}
		for _, task := range released {
			if task.Updated.After(*watermark) {
				result[task.Id] = task
			}
		}
	}
	txn.Commit()

	if len(claimed) > 0 {
		ctx.Log.Infof("Manager %s claimed %d tasks", managerId, len(claimed))
	}
	if watermark != nil && len(result) == 0 {
		return &PollResult{Tasks: []*model.Task{}, Watermark: *watermark, NotModified: true}, nil
	}

	tasks := make([]*model.Task, 0, len(result))
	var latest time.Time
	for _, task := range result {
		tasks = append(tasks, task)
		if task.Updated.After(latest) {
			latest = task.Updated
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Id < tasks[j].Id
	})
	return &PollResult{Tasks: tasks, Watermark: latest, Claimed: len(claimed)}, nil
}
