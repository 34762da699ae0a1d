package model

// FailurePolicy decides how failed tasks affect the job status.
type FailurePolicy string

const (
	// FailOnTaskFailure fails the job as soon as any task fails.
	FailOnTaskFailure FailurePolicy = "fail"
	// IgnoreTaskFailure keeps the job running past failed tasks; it fails once every task has finished.
	IgnoreTaskFailure FailurePolicy = "ignore"
)

// StallPolicy decides what happens to an active task whose Manager stopped reporting.
type StallPolicy string

const (
	RequeueStalled StallPolicy = "requeue"
	// FailStalledIfStarted fails stalled tasks that already produced frames.
	FailStalledIfStarted StallPolicy = "fail-if-started"
)

type JobTypePolicy struct {
	Failure FailurePolicy
	Stall   StallPolicy
}

var DefaultJobTypePolicy = JobTypePolicy{
	Failure: FailOnTaskFailure,
	Stall:   RequeueStalled,
}

// PolicyProvider looks up the policy of a job type.
type PolicyProvider interface {
	PolicyFor(jobType string) JobTypePolicy
}
