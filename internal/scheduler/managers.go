package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/util"
	"github.com/rendercloud/taskfarm/internal/scheduler/depsgraph"
	"github.com/rendercloud/taskfarm/internal/scheduler/heartbeat"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

type RegisterManagerRequest struct {
	Name             string   `json:"name" validate:"required"`
	Host             string   `json:"host"`
	AssignedProjects []string `json:"assignedProjects"`
	WorkerLimit      int      `json:"workerLimit" validate:"gte=0"`
}

type RegisteredManager struct {
	Manager *model.Manager `json:"manager"`
	Token   string         `json:"token"`
}

// ManagerPatchOp names an administrator operation on a manager.
type ManagerPatchOp string

const (
	AssignProject  ManagerPatchOp = "assign-project"
	RemoveProject  ManagerPatchOp = "remove-project"
	SetWorkerLimit ManagerPatchOp = "set-worker-limit"
)

type ManagerPatch struct {
	Op          ManagerPatchOp `json:"op" validate:"required"`
	Project     string         `json:"project,omitempty"`
	WorkerLimit int            `json:"workerLimit,omitempty" validate:"gte=0"`
}

// RegisterManager creates a manager and returns it with its bearer token. The token is only ever
// returned here.
func (s *JobScheduler) RegisterManager(ctx *farmcontext.Context, registrationSecret string, request RegisterManagerRequest) (*RegisteredManager, error) {
	if err := s.tokens.CheckRegistrationSecret(registrationSecret); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(request); err != nil {
		return nil, validationError(err)
	}
	id := util.NewULID()
	token, tokenId, err := s.tokens.Issue(id)
	if err != nil {
		return nil, err
	}

	txn := s.db.WriteTxn()
	defer txn.Abort()
	projects := slices.Clone(request.AssignedProjects)
	if projects == nil {
		projects = []string{}
	}
	slices.Sort(projects)
	manager := &model.Manager{
		Id:               id,
		Name:             request.Name,
		Host:             request.Host,
		TokenId:          tokenId,
		AssignedProjects: slices.Compact(projects),
		WorkerLimit:      request.WorkerLimit,
		LastSeen:         txn.Now(),
		Created:          txn.Now(),
		Updated:          txn.Now(),
	}
	if err := s.db.UpsertManager(txn, manager); err != nil {
		return nil, err
	}
	txn.Commit()
	ctx.Log.WithField("manager", id).Infof("Registered manager %q", request.Name)
	return &RegisteredManager{Manager: manager, Token: token}, nil
}

// AuthenticateManager resolves a bearer token to the manager it was issued to. Tokens superseded by
// a newer registration are rejected.
func (s *JobScheduler) AuthenticateManager(_ *farmcontext.Context, token string) (*model.Manager, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	manager, err := s.db.GetManager(s.db.ReadTxn(), claims.ManagerId())
	if err != nil {
		return nil, err
	}
	if manager == nil || manager.TokenId != claims.TokenId() {
		return nil, errors.WithStack(&farmerrors.ErrUnauthenticated{Message: "token was revoked"})
	}
	return manager, nil
}

func (s *JobScheduler) GetManager(_ *farmcontext.Context, managerId string) (*model.Manager, error) {
	manager, err := s.db.GetManager(s.db.ReadTxn(), managerId)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "manager", Value: managerId})
	}
	return manager, nil
}

func (s *JobScheduler) ListManagers(_ *farmcontext.Context) ([]*model.Manager, error) {
	return s.db.Managers(s.db.ReadTxn())
}

func (s *JobScheduler) AssignManagerProject(ctx *farmcontext.Context, managerId string, project string) (*model.Manager, error) {
	return s.PatchManager(ctx, managerId, ManagerPatch{Op: AssignProject, Project: project})
}

// RemoveManagerProject stops offering the project's tasks to the manager. Tasks it already holds
// are unaffected.
func (s *JobScheduler) RemoveManagerProject(ctx *farmcontext.Context, managerId string, project string) (*model.Manager, error) {
	return s.PatchManager(ctx, managerId, ManagerPatch{Op: RemoveProject, Project: project})
}

func (s *JobScheduler) PatchManager(ctx *farmcontext.Context, managerId string, patch ManagerPatch) (*model.Manager, error) {
	if err := s.validate.Struct(patch); err != nil {
		return nil, validationError(err)
	}
	txn := s.db.WriteTxn()
	defer txn.Abort()
	manager, err := s.db.GetManager(txn, managerId)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.WithStack(&farmerrors.ErrNotFound{Type: "manager", Value: managerId})
	}

	updated := manager.DeepCopy()
	switch patch.Op {
	case AssignProject, RemoveProject:
		if patch.Project == "" {
			return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: "project", Value: "", Message: "required"})
		}
		updated.AssignedProjects = updateProjects(updated.AssignedProjects, patch.Project, patch.Op == AssignProject)
	case SetWorkerLimit:
		updated.WorkerLimit = patch.WorkerLimit
	default:
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "op",
			Value:   patch.Op,
			Message: "expected one of assign-project, remove-project, set-worker-limit",
		})
	}
	updated.Updated = txn.Now()
	if err := s.db.UpsertManager(txn, updated); err != nil {
		return nil, err
	}
	txn.Commit()
	ctx.Log.WithField("manager", managerId).Infof("Applied %s to manager", patch.Op)
	s.requestDispatch()
	return updated, nil
}

func updateProjects(projects []string, project string, assign bool) []string {
	idx := slices.Index(projects, project)
	switch {
	case assign && idx < 0:
		projects = append(projects, project)
		slices.Sort(projects)
	case !assign && idx >= 0:
		projects = slices.Delete(projects, idx, idx+1)
	}
	return projects
}

// Poll is the manager's depsgraph request. See depsgraph.Syncer.
func (s *JobScheduler) Poll(ctx *farmcontext.Context, managerId string, watermark *time.Time) (*depsgraph.PollResult, error) {
	result, err := s.syncer.Poll(ctx, managerId, watermark)
	if err != nil {
		return nil, err
	}
	outcome := "modified"
	if result.NotModified {
		outcome = "not-modified"
	}
	pollsCounter.WithLabelValues(outcome).Inc()
	claimedTasksCounter.WithLabelValues("pull").Add(float64(result.Claimed))
	return result, nil
}

// ReportWorkers records a manager's worker report and the liveness of the tasks its workers run.
func (s *JobScheduler) ReportWorkers(ctx *farmcontext.Context, managerId string, workers []heartbeat.WorkerStatus) error {
	return s.monitor.Report(ctx, managerId, workers)
}

func (s *JobScheduler) Workers(ctx *farmcontext.Context, managerId string) ([]heartbeat.WorkerStatus, error) {
	if _, err := s.GetManager(ctx, managerId); err != nil {
		return nil, err
	}
	return s.monitor.Workers(ctx, managerId)
}

// ExpireStalledTasks runs one heartbeat sweep. Run does this periodically.
func (s *JobScheduler) ExpireStalledTasks(ctx *farmcontext.Context) ([]*model.Task, error) {
	return s.monitor.Expire(ctx)
}

// TaskDb gives read access to the state store, e.g. for metrics.
func (s *JobScheduler) TaskDb() *taskdb.TaskDb {
	return s.db
}
