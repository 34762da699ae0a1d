package statemachine

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

// StateMachine applies task and job status changes. Every method works inside the caller's write
// transaction: reads and the conditional write happen under the same transaction, so a concurrent
// writer can never interleave, and aborting the transaction discards every change made so far.
type StateMachine struct {
	db       *taskdb.TaskDb
	policies model.PolicyProvider
}

func New(db *taskdb.TaskDb, policies model.PolicyProvider) *StateMachine {
	return &StateMachine{
		db:       db,
		policies: policies,
	}
}

func (sm *StateMachine) getTask(txn *taskdb.Txn, id string) (*model.Task, error) {
	task, err := sm.db.GetTask(txn, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "task", Value: id})
	}
	return task, nil
}

func (sm *StateMachine) getJob(txn *taskdb.Txn, id string) (*model.Job, error) {
	job, err := sm.db.GetJob(txn, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "job", Value: id})
	}
	return job, nil
}

// SetTaskStatus moves a task to a new status and re-derives its job. If expected is not empty the
// change only happens when the task is still in that status, otherwise ErrConflict is returned.
// Moving a task back to queued is a Requeue, so its finished descendants are requeued too.
func (sm *StateMachine) SetTaskStatus(txn *taskdb.Txn, taskId string, expected, to model.TaskStatus) (*model.Task, error) {
	task, err := sm.getTask(txn, taskId)
	if err != nil {
		return nil, err
	}
	if expected != "" && task.Status != expected {
		return nil, errors.WithStack(&farmerrors.ErrConflict{
			Type:    "task",
			Value:   taskId,
			Message: "expected status " + string(expected) + " but found " + string(task.Status),
		})
	}
	if task.Status == to {
		return task, nil
	}
	if !ValidTransition(task.Status, to) || to == model.TaskClaimed {
		return nil, errors.WithStack(&farmerrors.ErrInvalidTransition{
			Type:  "task",
			Value: taskId,
			From:  string(task.Status),
			To:    string(to),
		})
	}
	if to == model.TaskQueued {
		requeued, err := sm.Requeue(txn, taskId)
		if err != nil {
			return nil, err
		}
		return requeued[0], nil
	}
	updated, err := sm.transition(txn, task, to)
	if err != nil {
		return nil, err
	}
	if _, err := sm.RefreshJob(txn, task.JobId); err != nil {
		return nil, err
	}
	return updated, nil
}

// transition writes a copy of task in the new status. It does not check legality.
func (sm *StateMachine) transition(txn *taskdb.Txn, task *model.Task, to model.TaskStatus) (*model.Task, error) {
	updated := task.DeepCopy()
	updated.Status = to
	updated.Updated = txn.Now()
	if to == model.TaskQueued {
		clearClaim(updated)
		updated.Frames = model.FrameProgress{}
		updated.LogRequested = false
		updated.TaskProgress = 0
		updated.CurrentCommandIndex = 0
		updated.CommandProgress = 0
	}
	if err := sm.db.UpsertTasks(txn, updated); err != nil {
		return nil, err
	}
	log.WithField("task", task.Id).Debugf("Task %s -> %s", task.Status, to)
	return updated, nil
}

func clearClaim(task *model.Task) {
	if task.Manager != "" {
		task.PreviousManager = task.Manager
	}
	task.Manager = ""
	task.Worker = ""
}

// Claim hands a queued task to a manager. It returns false, without error, when the task is no longer
// queued. The caller checks runnability and must call RefreshJobs once it has finished claiming.
func (sm *StateMachine) Claim(txn *taskdb.Txn, taskId string, managerId string) (*model.Task, bool, error) {
	task, err := sm.getTask(txn, taskId)
	if err != nil {
		return nil, false, err
	}
	if task.Status != model.TaskQueued {
		return nil, false, nil
	}
	claimed := task.DeepCopy()
	claimed.Status = model.TaskClaimed
	claimed.Manager = managerId
	claimed.Worker = ""
	claimed.LastActivity = txn.Now()
	claimed.Updated = txn.Now()
	if err := sm.db.UpsertTasks(txn, claimed); err != nil {
		return nil, false, err
	}
	return claimed, true, nil
}

// Requeue resets a task to queued and, transitively, every completed or failed task that depends on
// it. Descendants in any other status are left alone but still traversed. Requeueing an already
// requeued graph changes nothing.
func (sm *StateMachine) Requeue(txn *taskdb.Txn, taskId string) ([]*model.Task, error) {
	root, err := sm.getTask(txn, taskId)
	if err != nil {
		return nil, err
	}
	requeued := make([]*model.Task, 0)
	visited := map[string]bool{root.Id: true}
	queue := []*model.Task{root}
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		isRoot := task.Id == root.Id
		if task.Status != model.TaskQueued && (isRoot || task.Status == model.TaskCompleted || task.Status == model.TaskFailed) {
			updated, err := sm.transition(txn, task, model.TaskQueued)
			if err != nil {
				return nil, err
			}
			requeued = append(requeued, updated)
		}
		children, err := sm.db.Children(txn, task.Id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if !visited[child.Id] {
				visited[child.Id] = true
				queue = append(queue, child)
			}
		}
	}
	if len(requeued) > 0 {
		if _, err := sm.RefreshJob(txn, root.JobId); err != nil {
			return nil, err
		}
	}
	return requeued, nil
}

// ReleaseStalled takes back a task from a manager that stopped reporting on it. Claimed tasks are
// requeued, cancel-requested tasks are considered canceled and active tasks are requeued unless the
// stall policy fails tasks that already produced frames. The claim is cleared in every case.
func (sm *StateMachine) ReleaseStalled(txn *taskdb.Txn, taskId string, stall model.StallPolicy) (*model.Task, error) {
	task, err := sm.getTask(txn, taskId)
	if err != nil {
		return nil, err
	}
	var to model.TaskStatus
	switch task.Status {
	case model.TaskClaimed:
		to = model.TaskQueued
	case model.TaskCancelRequested:
		to = model.TaskCanceled
	case model.TaskActive:
		to = model.TaskQueued
		if stall == model.FailStalledIfStarted && task.HasPartialResult() {
			to = model.TaskFailed
		}
	default:
		return task, nil
	}
	updated, err := sm.transition(txn, task, to)
	if err != nil {
		return nil, err
	}
	if to != model.TaskQueued {
		clearClaim(updated)
		if err := sm.db.UpsertTasks(txn, updated); err != nil {
			return nil, err
		}
	}
	if _, err := sm.RefreshJob(txn, task.JobId); err != nil {
		return nil, err
	}
	return updated, nil
}

// RefreshJob recounts a job's tasks and re-derives its status, writing the job only if something changed.
func (sm *StateMachine) RefreshJob(txn *taskdb.Txn, jobId string) (*model.Job, error) {
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	tasks, err := sm.db.TasksForJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	var counts model.TaskCounts
	for _, task := range tasks {
		counts.Add(task.Status)
	}
	status := DeriveJobStatus(job.Status, counts, sm.policies.PolicyFor(job.JobType).Failure)
	if status == job.Status && counts == job.TasksStatus {
		return job, nil
	}
	updated := job.DeepCopy()
	if status != job.Status {
		log.WithField("job", jobId).Infof("Job %s -> %s", job.Status, status)
		updated.StatusReason = ""
	}
	updated.Status = status
	updated.TasksStatus = counts
	updated.Updated = txn.Now()
	if err := sm.db.UpsertJob(txn, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RefreshJobs calls RefreshJob for each distinct job id.
func (sm *StateMachine) RefreshJobs(txn *taskdb.Txn, jobIds []string) error {
	seen := make(map[string]bool, len(jobIds))
	for _, id := range jobIds {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := sm.RefreshJob(txn, id); err != nil {
			return err
		}
	}
	return nil
}
