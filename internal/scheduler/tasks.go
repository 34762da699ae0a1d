package scheduler

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/framerange"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

// TaskPatchOp names an operation on a single task.
type TaskPatchOp string

const (
	SetTaskStatus      TaskPatchOp = "set-task-status"
	RequeueTask        TaskPatchOp = "requeue"
	RequestTaskLogFile TaskPatchOp = "request-task-log-file"
)

// In characters.
const maxActivityLength = 128

type TaskPatch struct {
	Op     TaskPatchOp      `json:"op" validate:"required"`
	Status model.TaskStatus `json:"status,omitempty"`
}

// TaskUpdate is one entry of a manager's task update batch. Only the fields that are set are applied.
type TaskUpdate struct {
	// Chosen by the manager; echoed back once the update has been handled.
	Id     string           `json:"id" validate:"required"`
	TaskId string           `json:"taskId" validate:"required"`
	Status model.TaskStatus `json:"taskStatus,omitempty"`
	Worker string           `json:"worker,omitempty"`

	Activity string `json:"activity,omitempty"`
	// New log lines, appended to the stored tail.
	Log                 string         `json:"log,omitempty"`
	TaskProgress        *int           `json:"taskProgressPercentage,omitempty"`
	CurrentCommandIndex *int           `json:"currentCommandIndex,omitempty"`
	CommandProgress     *int           `json:"commandProgressPercentage,omitempty"`
	FramesCompleted     *string        `json:"framesCompleted,omitempty"`
	FramesFailed        *string        `json:"framesFailed,omitempty"`
	FramesActive        *string        `json:"framesActive,omitempty"`
	TimeCost            map[string]any `json:"timeCost,omitempty"`
}

type TaskUpdateResult struct {
	HandledUpdateIds []string `json:"handledUpdateIds"`
	// Tasks the manager holds that it should stop working on.
	CancelTaskIds []string `json:"cancelTaskIds,omitempty"`
}

func (s *JobScheduler) GetTask(_ *farmcontext.Context, taskId string) (*model.Task, error) {
	task, err := s.db.GetTask(s.db.ReadTxn(), taskId)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "task", Value: taskId})
	}
	return task, nil
}

// PatchTask applies an administrator's operation to a task. Requeue returns every task it requeued,
// the other operations return the patched task only.
func (s *JobScheduler) PatchTask(ctx *farmcontext.Context, taskId string, patch TaskPatch) ([]*model.Task, error) {
	if err := s.validate.Struct(patch); err != nil {
		return nil, validationError(err)
	}
	txn := s.db.WriteTxn()
	defer txn.Abort()

	var result []*model.Task
	switch patch.Op {
	case SetTaskStatus:
		if !patch.Status.Valid() {
			return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: "status", Value: patch.Status, Message: "unknown task status"})
		}
		task, err := s.sm.SetTaskStatus(txn, taskId, "", patch.Status)
		if err != nil {
			return nil, err
		}
		result = []*model.Task{task}
	case RequeueTask:
		requeued, err := s.sm.Requeue(txn, taskId)
		if err != nil {
			return nil, err
		}
		result = requeued
	case RequestTaskLogFile:
		task, err := s.requestLogFile(txn, taskId)
		if err != nil {
			return nil, err
		}
		result = []*model.Task{task}
	default:
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "op",
			Value:   patch.Op,
			Message: "expected one of set-task-status, requeue, request-task-log-file",
		})
	}
	txn.Commit()

	ctx.Log.WithField("task", taskId).Infof("Applied %s to task", patch.Op)
	if patch.Op != RequestTaskLogFile {
		s.requestDispatch()
	}
	return result, nil
}

// requestLogFile flags the task so the manager that ran it uploads its log on the next poll.
func (s *JobScheduler) requestLogFile(txn *taskdb.Txn, taskId string) (*model.Task, error) {
	task, err := s.db.GetTask(txn, taskId)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "task", Value: taskId})
	}
	if task.Manager == "" {
		return nil, errors.WithStack(&farmerrors.ErrConflict{Type: "task", Value: taskId, Message: "no manager has run this task"})
	}
	if task.LogRequested {
		return task, nil
	}
	updated := task.DeepCopy()
	updated.LogRequested = true
	updated.Updated = txn.Now()
	if err := s.db.UpsertTasks(txn, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// TaskUpdateBatch applies a batch of telemetry and status updates sent by a manager. Problems with
// individual updates, such as an update for a task held by another manager or an illegal status
// change, are logged and the update is still reported as handled so the manager does not resend it.
// Telemetry alone does not advance a task's Updated time.
func (s *JobScheduler) TaskUpdateBatch(ctx *farmcontext.Context, managerId string, updates []TaskUpdate) (*TaskUpdateResult, error) {
	for i := range updates {
		if err := s.validate.Struct(updates[i]); err != nil {
			return nil, validationError(err)
		}
	}
	txn := s.db.WriteTxn()
	defer txn.Abort()

	result := &TaskUpdateResult{HandledUpdateIds: make([]string, 0, len(updates))}
	for _, update := range updates {
		if err := s.applyTaskUpdate(ctx, txn, managerId, update); err != nil {
			return nil, err
		}
		result.HandledUpdateIds = append(result.HandledUpdateIds, update.Id)
	}

	held, err := s.db.TasksForManager(txn, managerId)
	if err != nil {
		return nil, err
	}
	for _, task := range held {
		if task.Status == model.TaskCancelRequested {
			result.CancelTaskIds = append(result.CancelTaskIds, task.Id)
		}
	}
	sort.Strings(result.CancelTaskIds)
	txn.Commit()
	return result, nil
}

func (s *JobScheduler) applyTaskUpdate(ctx *farmcontext.Context, txn *taskdb.Txn, managerId string, update TaskUpdate) error {
	log := ctx.Log.WithFields(logrus.Fields{"task": update.TaskId, "manager": managerId, "update": update.Id})
	task, err := s.db.GetTask(txn, update.TaskId)
	if err != nil {
		return err
	}
	if task == nil {
		log.Warn("Ignoring update for unknown task")
		return nil
	}
	if task.Manager != managerId {
		log.Warnf("Ignoring update for task held by manager %q", task.Manager)
		return nil
	}

	updated := task.DeepCopy()
	updated.LastActivity = txn.Now()
	if update.Worker != "" {
		updated.Worker = update.Worker
	}
	if update.Activity != "" {
		updated.Activity = truncate(update.Activity, maxActivityLength)
	}
	if update.Log != "" {
		updated.Log = tail(updated.Log+ensureNewline(update.Log), s.config.TaskLogTailLines)
	}
	if update.TaskProgress != nil {
		updated.TaskProgress = clampPercentage(*update.TaskProgress)
	}
	if update.CurrentCommandIndex != nil {
		updated.CurrentCommandIndex = *update.CurrentCommandIndex
	}
	if update.CommandProgress != nil {
		updated.CommandProgress = clampPercentage(*update.CommandProgress)
	}
	if update.TimeCost != nil {
		updated.TimeCost = update.TimeCost
	}
	for _, frames := range []struct {
		name   string
		value  *string
		target *string
	}{
		{"framesCompleted", update.FramesCompleted, &updated.Frames.Completed},
		{"framesFailed", update.FramesFailed, &updated.Frames.Failed},
		{"framesActive", update.FramesActive, &updated.Frames.Active},
	} {
		if frames.value == nil {
			continue
		}
		parsed, err := framerange.Parse(*frames.value)
		if err != nil {
			log.WithError(err).Warnf("Ignoring malformed %s", frames.name)
			continue
		}
		*frames.target = framerange.Merge(parsed, framerange.StyleHyphen)
	}
	if err := s.db.UpsertTasks(txn, updated); err != nil {
		return err
	}

	if update.Status == "" || update.Status == updated.Status {
		return nil
	}
	if !update.Status.Valid() {
		log.Warnf("Ignoring unknown task status %q", update.Status)
		return nil
	}
	if updated.Status == model.TaskCancelRequested && update.Status == model.TaskActive {
		log.Info("Not reactivating task whose cancellation was requested")
		return nil
	}
	// Workers may finish before the manager reported them as started.
	if updated.Status == model.TaskClaimed && (update.Status == model.TaskCompleted || update.Status == model.TaskFailed) {
		if _, err := s.sm.SetTaskStatus(txn, updated.Id, model.TaskClaimed, model.TaskActive); err != nil {
			return err
		}
	}
	if _, err := s.sm.SetTaskStatus(txn, updated.Id, "", update.Status); err != nil {
		var invalid *farmerrors.ErrInvalidTransition
		if errors.As(err, &invalid) {
			log.WithError(err).Warn("Ignoring illegal status change")
			return nil
		}
		return err
	}
	return nil
}

func clampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// tail keeps the last n lines of a newline terminated log.
func tail(log string, n int) string {
	lines := strings.SplitAfter(log, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}
