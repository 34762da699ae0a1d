package model

type TaskStatus string

const (
	TaskQueued          TaskStatus = "queued"
	TaskClaimed         TaskStatus = "claimed-by-manager"
	TaskActive          TaskStatus = "active"
	TaskCancelRequested TaskStatus = "cancel-requested"
	TaskCanceled        TaskStatus = "canceled"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
)

var AllTaskStatuses = []TaskStatus{
	TaskQueued,
	TaskClaimed,
	TaskActive,
	TaskCancelRequested,
	TaskCanceled,
	TaskCompleted,
	TaskFailed,
}

// Terminal statuses only change through a requeue.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Held statuses are those in which a Manager holds the claim.
func (s TaskStatus) Held() bool {
	return s == TaskClaimed || s == TaskActive || s == TaskCancelRequested
}

func (s TaskStatus) Valid() bool {
	for _, status := range AllTaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobArchived  JobStatus = "archived"
)

var AllJobStatuses = []JobStatus{JobQueued, JobActive, JobCompleted, JobFailed, JobCanceled, JobArchived}

// Runnable reports whether tasks of a job in this status may be claimed.
func (s JobStatus) Runnable() bool {
	return s == JobQueued || s == JobActive
}

// Override statuses are set by users and never replaced by derivation.
func (s JobStatus) Override() bool {
	return s == JobCanceled || s == JobArchived
}
