package statemachine

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

// SetJobPriority changes a job's priority and re-stamps it on every task that has not finished.
// Tasks already claimed keep running; the new priority only affects ordering from now on.
func (sm *StateMachine) SetJobPriority(txn *taskdb.Txn, jobId string, priority int) (*model.Job, error) {
	if priority < model.MinPriority || priority > model.MaxPriority {
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "priority",
			Value:   priority,
			Message: "must be between 1 and 100",
		})
	}
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job.Priority == priority {
		return job, nil
	}
	tasks, err := sm.db.TasksForJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		updated := task.DeepCopy()
		updated.Priority = priority
		updated.Updated = txn.Now()
		if err := sm.db.UpsertTasks(txn, updated); err != nil {
			return nil, err
		}
	}
	updated := job.DeepCopy()
	updated.Priority = priority
	updated.Updated = txn.Now()
	if err := sm.db.UpsertJob(txn, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// StopJob cancels a job: queued tasks are canceled straight away and tasks held by a manager are
// asked to cancel.
func (sm *StateMachine) StopJob(txn *taskdb.Txn, jobId string, reason string) (*model.Job, error) {
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobCanceled:
		return job, nil
	case model.JobCompleted, model.JobArchived:
		return nil, errors.WithStack(&farmerrors.ErrInvalidTransition{
			Type:  "job",
			Value: jobId,
			From:  string(job.Status),
			To:    string(model.JobCanceled),
		})
	}
	return sm.overrideJob(txn, job, model.JobCanceled, reason)
}

// ArchiveJob hides a job from default listings. Archived is terminal; unfinished tasks are
// canceled as for StopJob.
func (sm *StateMachine) ArchiveJob(txn *taskdb.Txn, jobId string, reason string) (*model.Job, error) {
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobArchived {
		return job, nil
	}
	return sm.overrideJob(txn, job, model.JobArchived, reason)
}

func (sm *StateMachine) overrideJob(txn *taskdb.Txn, job *model.Job, status model.JobStatus, reason string) (*model.Job, error) {
	tasks, err := sm.db.TasksForJob(txn, job.Id)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		var to model.TaskStatus
		switch task.Status {
		case model.TaskQueued:
			to = model.TaskCanceled
		case model.TaskClaimed, model.TaskActive:
			to = model.TaskCancelRequested
		default:
			continue
		}
		if _, err := sm.transition(txn, task, to); err != nil {
			return nil, err
		}
	}
	updated := job.DeepCopy()
	updated.Status = status
	updated.StatusReason = reason
	updated.Updated = txn.Now()
	if err := sm.db.UpsertJob(txn, updated); err != nil {
		return nil, err
	}
	log.WithField("job", job.Id).Infof("Job %s -> %s: %s", job.Status, status, reason)
	return sm.RefreshJob(txn, job.Id)
}

// StartJob resumes a job. Failed and canceled tasks of a canceled or failed job are requeued; every
// task of a completed job is requeued so it renders again. Queued and active jobs are left alone.
func (sm *StateMachine) StartJob(txn *taskdb.Txn, jobId string) (*model.Job, error) {
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	var requeue func(task *model.Task) bool
	switch job.Status {
	case model.JobQueued, model.JobActive:
		return job, nil
	case model.JobArchived:
		return nil, errors.WithStack(&farmerrors.ErrInvalidTransition{
			Type:  "job",
			Value: jobId,
			From:  string(job.Status),
			To:    string(model.JobQueued),
		})
	case model.JobCompleted:
		requeue = func(task *model.Task) bool {
			return task.Status != model.TaskCancelRequested && task.Status != model.TaskQueued
		}
	default:
		requeue = func(task *model.Task) bool {
			return task.Status == model.TaskFailed || task.Status == model.TaskCanceled
		}
	}

	tasks, err := sm.db.TasksForJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if requeue(task) {
			if _, err := sm.transition(txn, task, model.TaskQueued); err != nil {
				return nil, err
			}
		}
	}
	updated := job.DeepCopy()
	updated.Status = model.JobQueued
	updated.StatusReason = ""
	updated.Updated = txn.Now()
	if err := sm.db.UpsertJob(txn, updated); err != nil {
		return nil, err
	}
	return sm.RefreshJob(txn, jobId)
}

// RequeueFailedTasks requeues every failed task of a job together with its dependents.
func (sm *StateMachine) RequeueFailedTasks(txn *taskdb.Txn, jobId string) ([]*model.Task, error) {
	job, err := sm.getJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job.Status.Override() {
		return nil, errors.WithStack(&farmerrors.ErrInvalidTransition{
			Type:  "job",
			Value: jobId,
			From:  string(job.Status),
			To:    string(model.JobQueued),
		})
	}
	tasks, err := sm.db.TasksForJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	requeued := make([]*model.Task, 0)
	for _, task := range tasks {
		if task.Status != model.TaskFailed {
			continue
		}
		// An earlier cascade may already have requeued this one.
		current, err := sm.getTask(txn, task.Id)
		if err != nil {
			return nil, err
		}
		if current.Status != model.TaskFailed {
			continue
		}
		cascade, err := sm.Requeue(txn, task.Id)
		if err != nil {
			return nil, err
		}
		requeued = append(requeued, cascade...)
	}
	return requeued, nil
}
