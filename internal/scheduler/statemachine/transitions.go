package statemachine

import (
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

// Transitions lists the legal task status changes other than requeue, which is allowed from every
// status. queued -> claimed-by-manager is only performed by Claim.
var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskQueued:          {model.TaskClaimed, model.TaskCanceled},
	model.TaskClaimed:         {model.TaskActive, model.TaskCancelRequested},
	model.TaskActive:          {model.TaskCompleted, model.TaskFailed, model.TaskCanceled, model.TaskCancelRequested},
	model.TaskCancelRequested: {model.TaskCanceled, model.TaskCompleted, model.TaskFailed},
}

// ValidTransition reports whether a task may move from one status to another.
func ValidTransition(from, to model.TaskStatus) bool {
	if from == to || to == model.TaskQueued {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DeriveJobStatus computes a job's status from its task counts. Canceled and archived are user
// overrides and are never replaced; a job without tasks keeps its status. Only a job whose tasks all
// completed is completed: under IgnoreTaskFailure the job keeps running past failed tasks and fails
// once nothing is left to run.
func DeriveJobStatus(current model.JobStatus, counts model.TaskCounts, failure model.FailurePolicy) model.JobStatus {
	if current.Override() || counts.Total == 0 {
		return current
	}
	if counts.Completed == counts.Total {
		return model.JobCompleted
	}
	if counts.Failed > 0 && failure != model.IgnoreTaskFailure {
		return model.JobFailed
	}
	if counts.Held() > 0 {
		return model.JobActive
	}
	if counts.Completed+counts.Failed+counts.Canceled == counts.Total {
		if counts.Failed > 0 {
			return model.JobFailed
		}
		return model.JobCanceled
	}
	return model.JobQueued
}
