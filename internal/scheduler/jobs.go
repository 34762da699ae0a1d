package scheduler

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/util"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskgraph"
)

type SubmitJobRequest struct {
	Name     string         `json:"name" validate:"required"`
	JobType  string         `json:"jobType" validate:"required"`
	Priority int            `json:"priority" validate:"omitempty,min=1,max=100"`
	Settings map[string]any `json:"settings"`
	Project  string         `json:"project" validate:"required"`
	Owner    string         `json:"owner"`
	// Restricts the job to one manager. Empty means any manager assigned to the project.
	Manager string `json:"manager"`
}

// JobStatusOp is a user request to change the status of a whole job.
type JobStatusOp string

const (
	JobStart   JobStatusOp = "start"
	JobStop    JobStatusOp = "stop"
	JobReset   JobStatusOp = "reset"
	JobArchive JobStatusOp = "archive"
)

// SubmitJob compiles a job and stores it together with all of its tasks, or stores nothing.
func (s *JobScheduler) SubmitJob(ctx *farmcontext.Context, request SubmitJobRequest) (*model.Job, error) {
	if err := s.validate.Struct(request); err != nil {
		return nil, validationError(err)
	}
	priority := request.Priority
	if priority == 0 {
		priority = model.DefaultPriority
	}
	job := &model.Job{
		Id:       util.NewULID(),
		Name:     request.Name,
		JobType:  request.JobType,
		Priority: priority,
		Status:   model.JobQueued,
		Settings: request.Settings,
		Project:  request.Project,
		Owner:    request.Owner,
		Manager:  request.Manager,
	}
	if job.Settings == nil {
		job.Settings = map[string]any{}
	}
	graph, err := s.compilers.Compile(job)
	if err != nil {
		return nil, err
	}

	txn := s.db.WriteTxn()
	defer txn.Abort()
	if job.Manager != "" {
		manager, err := s.db.GetManager(txn, job.Manager)
		if err != nil {
			return nil, err
		}
		if manager == nil {
			return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
				Name:    "manager",
				Value:   job.Manager,
				Message: "no such manager",
			})
		}
	}
	job.Created = txn.Now()
	job.Updated = txn.Now()
	if err := s.db.UpsertJob(txn, job); err != nil {
		return nil, err
	}
	if err := s.insertTasks(txn, job, graph); err != nil {
		return nil, err
	}
	stored, err := s.sm.RefreshJob(txn, job.Id)
	if err != nil {
		return nil, err
	}
	txn.Commit()

	ctx.Log.WithFields(logrus.Fields{"job": job.Id, "jobType": job.JobType}).
		Infof("Submitted job %q with %d tasks", job.Name, graph.Len())
	submittedJobsCounter.WithLabelValues(job.JobType).Inc()
	s.requestDispatch()
	return stored, nil
}

func (s *JobScheduler) insertTasks(txn *taskdb.Txn, job *model.Job, graph *taskgraph.Graph) error {
	nodes := graph.Nodes()
	tasks := make([]*model.Task, 0, len(nodes))
	for _, node := range nodes {
		tasks = append(tasks, &model.Task{
			Id:       node.Id,
			JobId:    job.Id,
			Name:     node.Spec.Name,
			TaskType: node.Spec.TaskType,
			Status:   model.TaskQueued,
			Priority: job.Priority,
			Parents:  node.Parents,
			Commands: node.Spec.Commands,
			Created:  txn.Now(),
			Updated:  txn.Now(),
		})
	}
	return s.db.UpsertTasks(txn, tasks...)
}

func (s *JobScheduler) GetJob(_ *farmcontext.Context, jobId string) (*model.Job, error) {
	job, err := s.db.GetJob(s.db.ReadTxn(), jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	return job, nil
}

// ListJobs returns jobs in submission order. Archived jobs are left out unless asked for.
func (s *JobScheduler) ListJobs(_ *farmcontext.Context, includeArchived bool) ([]*model.Job, error) {
	jobs, err := s.db.Jobs(s.db.ReadTxn())
	if err != nil {
		return nil, err
	}
	if includeArchived {
		return jobs, nil
	}
	result := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status != model.JobArchived {
			result = append(result, job)
		}
	}
	return result, nil
}

// ListTasks returns the tasks of a job in compile order.
func (s *JobScheduler) ListTasks(_ *farmcontext.Context, jobId string) ([]*model.Task, error) {
	txn := s.db.ReadTxn()
	job, err := s.db.GetJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	return s.db.TasksForJob(txn, jobId)
}

// SetJobPriority re-stamps the job's unfinished tasks with the new priority.
func (s *JobScheduler) SetJobPriority(ctx *farmcontext.Context, jobId string, priority int) (*model.Job, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()
	job, err := s.sm.SetJobPriority(txn, jobId, priority)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	ctx.Log.WithField("job", jobId).Infof("Job priority set to %d", priority)
	s.requestDispatch()
	return job, nil
}

// SetJobStatus applies a job level status operation.
func (s *JobScheduler) SetJobStatus(ctx *farmcontext.Context, jobId string, op JobStatusOp, reason string) (*model.Job, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()

	var job *model.Job
	var err error
	switch op {
	case JobStart:
		job, err = s.sm.StartJob(txn, jobId)
	case JobStop:
		job, err = s.sm.StopJob(txn, jobId, reason)
	case JobArchive:
		job, err = s.sm.ArchiveJob(txn, jobId, reason)
	case JobReset:
		job, err = s.resetJob(txn, jobId)
	default:
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "status",
			Value:   op,
			Message: "expected one of start, stop, reset, archive",
		})
	}
	if err != nil {
		return nil, err
	}
	txn.Commit()
	ctx.Log.WithField("job", jobId).Infof("Applied %s to job; job is now %s", op, job.Status)
	if op == JobStart || op == JobReset {
		s.requestDispatch()
	}
	return job, nil
}

// resetJob throws away every task of the job and compiles it again from its settings. Jobs with
// tasks still held by a manager must be stopped first.
func (s *JobScheduler) resetJob(txn *taskdb.Txn, jobId string) (*model.Job, error) {
	job, err := s.db.GetJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	if job.Status == model.JobArchived {
		return nil, errors.WithStack(&farmerrors.ErrConflict{Type: "job", Value: jobId, Message: "archived jobs cannot be reset"})
	}
	tasks, err := s.db.TasksForJob(txn, jobId)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status.Held() {
			return nil, errors.WithStack(&farmerrors.ErrConflict{
				Type:    "job",
				Value:   jobId,
				Message: "task " + task.Id + " is held by a manager; stop the job first",
			})
		}
	}

	graph, err := s.compilers.Compile(job)
	if err != nil {
		return nil, err
	}
	if err := s.db.DeleteTasksForJob(txn, jobId); err != nil {
		return nil, err
	}
	reset := job.DeepCopy()
	reset.Status = model.JobQueued
	reset.StatusReason = ""
	reset.Updated = txn.Now()
	if err := s.db.UpsertJob(txn, reset); err != nil {
		return nil, err
	}
	if err := s.insertTasks(txn, reset, graph); err != nil {
		return nil, err
	}
	return s.sm.RefreshJob(txn, jobId)
}

// RequeueFailedTasks requeues every failed task of the job, and what depends on them.
func (s *JobScheduler) RequeueFailedTasks(ctx *farmcontext.Context, jobId string) ([]*model.Task, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()
	requeued, err := s.sm.RequeueFailedTasks(txn, jobId)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	ctx.Log.WithField("job", jobId).Infof("Requeued %d tasks", len(requeued))
	s.requestDispatch()
	return requeued, nil
}
