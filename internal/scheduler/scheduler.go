package scheduler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/logging"
	"github.com/rendercloud/taskfarm/internal/scheduler/assignment"
	"github.com/rendercloud/taskfarm/internal/scheduler/auth"
	"github.com/rendercloud/taskfarm/internal/scheduler/compiler"
	"github.com/rendercloud/taskfarm/internal/scheduler/depsgraph"
	"github.com/rendercloud/taskfarm/internal/scheduler/heartbeat"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/statemachine"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

type Config struct {
	MaxTasksPerPoll int
	// If set, Run pushes queued tasks to live managers every DispatchPeriod and whenever a job is
	// submitted or reprioritised.
	PushEnabled    bool
	DispatchPeriod time.Duration
	// Managers not seen for this long are not offered pushed work.
	ManagerTimeout time.Duration
	// Number of log lines kept per task.
	TaskLogTailLines int
	// Archived jobs older than this are deleted by Run. Zero disables pruning.
	PruneArchivedAfter time.Duration
	PrunePeriod        time.Duration
	Heartbeat          heartbeat.Config
}

// JobScheduler is the single entry point used by the network layer. It owns the task database and
// composes the compiler registry, state machine, assignment policy, depsgraph syncer and heartbeat
// monitor around it.
type JobScheduler struct {
	db        *taskdb.TaskDb
	compilers *compiler.Registry
	sm        *statemachine.StateMachine
	policy    *assignment.Policy
	syncer    *depsgraph.Syncer
	monitor   *heartbeat.Monitor
	tokens    *auth.TokenIssuer
	clock     clock.WithTicker
	config    Config
	validate  *validator.Validate
	// Buffered with capacity one; a pending signal means a dispatch round is due.
	dispatchRequests chan struct{}
}

func NewJobScheduler(
	db *taskdb.TaskDb,
	compilers *compiler.Registry,
	workers heartbeat.WorkerRepository,
	tokens *auth.TokenIssuer,
	clock clock.WithTicker,
	config Config,
) *JobScheduler {
	sm := statemachine.New(db, compilers)
	policy := assignment.NewPolicy(db, sm)
	return &JobScheduler{
		db:               db,
		compilers:        compilers,
		sm:               sm,
		policy:           policy,
		syncer:           depsgraph.NewSyncer(db, policy, config.MaxTasksPerPoll),
		monitor:          heartbeat.NewMonitor(db, sm, compilers, workers, clock, config.Heartbeat),
		tokens:           tokens,
		clock:            clock,
		config:           config,
		validate:         validator.New(),
		dispatchRequests: make(chan struct{}, 1),
	}
}

// Run starts the background loops and blocks until ctx is cancelled or one of them fails.
func (s *JobScheduler) Run(ctx *farmcontext.Context) error {
	g, ctx := farmcontext.ErrGroup(ctx)
	g.Go(func() error {
		return s.monitor.Run(ctx)
	})
	if s.config.PushEnabled {
		g.Go(func() error {
			return s.runDispatch(ctx)
		})
	}
	if s.config.PruneArchivedAfter > 0 {
		g.Go(func() error {
			return s.runPrune(ctx)
		})
	}
	return g.Wait()
}

func (s *JobScheduler) runDispatch(ctx *farmcontext.Context) error {
	ctx.Log.Infof("Pushing tasks to managers every %s", s.config.DispatchPeriod)
	ticker := s.clock.NewTicker(s.config.DispatchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		case <-s.dispatchRequests:
		}
		if _, err := s.Dispatch(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("Dispatch round failed")
		}
	}
}

func (s *JobScheduler) runPrune(ctx *farmcontext.Context) error {
	ticker := s.clock.NewTicker(s.config.PrunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := s.PruneArchivedJobs(ctx); err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("Pruning archived jobs failed")
			}
		}
	}
}

// requestDispatch asks the dispatch loop for an early round. It never blocks.
func (s *JobScheduler) requestDispatch() {
	if !s.config.PushEnabled {
		return
	}
	select {
	case s.dispatchRequests <- struct{}{}:
	default:
	}
}

// Dispatch pushes runnable tasks to the live managers. It returns the tasks claimed on their behalf.
func (s *JobScheduler) Dispatch(ctx *farmcontext.Context) ([]*model.Task, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()

	managers, err := s.db.Managers(txn)
	if err != nil {
		return nil, err
	}
	alive := make([]*model.Manager, 0, len(managers))
	for _, manager := range managers {
		if manager.Alive(txn.Now(), s.config.ManagerTimeout) {
			alive = append(alive, manager)
		}
	}
	dispatched, err := s.policy.Dispatch(txn, alive)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	if len(dispatched) > 0 {
		ctx.Log.Infof("Dispatched %d tasks to %d managers", len(dispatched), len(alive))
		claimedTasksCounter.WithLabelValues("push").Add(float64(len(dispatched)))
	}
	return dispatched, nil
}

// PruneArchivedJobs deletes jobs, with their tasks, that were archived longer than the configured
// retention ago.
func (s *JobScheduler) PruneArchivedJobs(ctx *farmcontext.Context) (int, error) {
	txn := s.db.WriteTxn()
	defer txn.Abort()

	archived, err := s.db.JobsWithStatus(txn, model.JobArchived)
	if err != nil {
		return 0, err
	}
	cutOff := txn.Now().Add(-s.config.PruneArchivedAfter)
	pruned := 0
	for _, job := range archived {
		if !job.Updated.Before(cutOff) {
			continue
		}
		if err := s.db.DeleteJob(txn, job.Id); err != nil {
			return 0, err
		}
		pruned++
	}
	txn.Commit()
	if pruned > 0 {
		ctx.Log.Infof("Pruned %d archived jobs", pruned)
	}
	return pruned, nil
}

// validationError converts the first validator failure into an ErrInvalidArgument.
func validationError(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fieldError := validationErrors[0]
		return errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    fieldError.Field(),
			Value:   fieldError.Value(),
			Message: "failed " + fieldError.Tag() + " validation",
		})
	}
	return errors.WithStack(err)
}
