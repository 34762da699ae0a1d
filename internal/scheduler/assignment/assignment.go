// Package assignment decides which manager runs which task. Pull (a manager asks for work) and push
// (the scheduler offers work) share one runnability check and one claim primitive.
package assignment

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/statemachine"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

type Policy struct {
	db *taskdb.TaskDb
	sm *statemachine.StateMachine
}

func NewPolicy(db *taskdb.TaskDb, sm *statemachine.StateMachine) *Policy {
	return &Policy{
		db: db,
		sm: sm,
	}
}

// Candidate is a runnable task together with its job.
type Candidate struct {
	Task *model.Task
	Job  *model.Job
}

// RunnableTasks returns every runnable task, highest priority first and then by id. A task is
// runnable when it is queued, its job accepts work and all of its parents are completed.
func (p *Policy) RunnableTasks(txn *taskdb.Txn) ([]Candidate, error) {
	queued, err := p.db.TasksWithStatus(txn, model.TaskQueued)
	if err != nil {
		return nil, err
	}
	jobs := map[string]*model.Job{}
	candidates := make([]Candidate, 0)
	for _, task := range queued {
		job, ok := jobs[task.JobId]
		if !ok {
			job, err = p.db.GetJob(txn, task.JobId)
			if err != nil {
				return nil, err
			}
			jobs[task.JobId] = job
		}
		if job == nil || !job.Status.Runnable() {
			continue
		}
		ready, err := p.parentsCompleted(txn, task)
		if err != nil {
			return nil, err
		}
		if ready {
			candidates = append(candidates, Candidate{Task: task, Job: job})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Task, candidates[j].Task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Id < b.Id
	})
	return candidates, nil
}

func (p *Policy) parentsCompleted(txn *taskdb.Txn, task *model.Task) (bool, error) {
	for _, parentId := range task.Parents {
		parent, err := p.db.GetTask(txn, parentId)
		if err != nil {
			return false, err
		}
		if parent == nil || parent.Status != model.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Outstanding counts the tasks each manager currently holds.
func (p *Policy) Outstanding(txn *taskdb.Txn, managerId string) (int, error) {
	tasks, err := p.db.TasksForManager(txn, managerId)
	if err != nil {
		return 0, err
	}
	held := 0
	for _, task := range tasks {
		if task.Status.Held() {
			held++
		}
	}
	return held, nil
}

// Claim is the pull side: it claims up to limit runnable tasks in the manager's scope, never taking
// the manager over its worker limit. A limit of zero or less means no per-call limit.
func (p *Policy) Claim(txn *taskdb.Txn, managerId string, limit int) ([]*model.Task, error) {
	manager, err := p.db.GetManager(txn, managerId)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "manager", Value: managerId})
	}
	if !manager.Unlimited() {
		outstanding, err := p.Outstanding(txn, managerId)
		if err != nil {
			return nil, err
		}
		capacity := manager.WorkerLimit - outstanding
		if capacity <= 0 {
			return []*model.Task{}, nil
		}
		if limit <= 0 || capacity < limit {
			limit = capacity
		}
	}

	candidates, err := p.RunnableTasks(txn)
	if err != nil {
		return nil, err
	}
	claimed := make([]*model.Task, 0)
	jobIds := make([]string, 0)
	for _, candidate := range candidates {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if !manager.InScope(candidate.Job) {
			continue
		}
		task, ok, err := p.sm.Claim(txn, candidate.Task.Id, managerId)
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = append(claimed, task)
			jobIds = append(jobIds, task.JobId)
		}
	}
	if err := p.sm.RefreshJobs(txn, jobIds); err != nil {
		return nil, err
	}
	return claimed, nil
}

type managerLoad struct {
	manager     *model.Manager
	outstanding int
}

// lessLoaded orders capacity-limited managers by utilisation, then outstanding claims, then id.
func (l *managerLoad) lessLoaded(other *managerLoad) bool {
	// a/b < c/d  <=>  a*d < c*b for positive b, d
	left := l.outstanding * other.manager.WorkerLimit
	right := other.outstanding * l.manager.WorkerLimit
	if left != right {
		return left < right
	}
	if l.outstanding != other.outstanding {
		return l.outstanding < other.outstanding
	}
	return l.manager.Id < other.manager.Id
}

// Dispatch is the push side: every runnable task goes to the least loaded eligible manager that has
// spare capacity, falling back to the least busy eligible unlimited manager. Tasks no manager can
// take stay queued.
func (p *Policy) Dispatch(txn *taskdb.Txn, managers []*model.Manager) ([]*model.Task, error) {
	loads := make([]*managerLoad, 0, len(managers))
	for _, manager := range managers {
		outstanding, err := p.Outstanding(txn, manager.Id)
		if err != nil {
			return nil, err
		}
		loads = append(loads, &managerLoad{manager: manager, outstanding: outstanding})
	}

	candidates, err := p.RunnableTasks(txn)
	if err != nil {
		return nil, err
	}
	dispatched := make([]*model.Task, 0)
	jobIds := make([]string, 0)
	for _, candidate := range candidates {
		target := pickManager(loads, candidate.Job)
		if target == nil {
			continue
		}
		task, ok, err := p.sm.Claim(txn, candidate.Task.Id, target.manager.Id)
		if err != nil {
			return nil, err
		}
		if ok {
			target.outstanding++
			dispatched = append(dispatched, task)
			jobIds = append(jobIds, task.JobId)
		}
	}
	if err := p.sm.RefreshJobs(txn, jobIds); err != nil {
		return nil, err
	}
	return dispatched, nil
}

func pickManager(loads []*managerLoad, job *model.Job) *managerLoad {
	var limited, unlimited *managerLoad
	for _, load := range loads {
		if !load.manager.InScope(job) {
			continue
		}
		if load.manager.Unlimited() {
			if unlimited == nil || load.outstanding < unlimited.outstanding ||
				(load.outstanding == unlimited.outstanding && load.manager.Id < unlimited.manager.Id) {
				unlimited = load
			}
			continue
		}
		if load.outstanding >= load.manager.WorkerLimit {
			continue
		}
		if limited == nil || load.lessLoaded(limited) {
			limited = load
		}
	}
	if limited != nil {
		return limited
	}
	return unlimited
}
