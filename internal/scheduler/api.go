package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/health"
	"github.com/rendercloud/taskfarm/internal/common/logging"
	"github.com/rendercloud/taskfarm/internal/common/requestid"
	"github.com/rendercloud/taskfarm/internal/scheduler/auth"
	"github.com/rendercloud/taskfarm/internal/scheduler/heartbeat"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

const (
	RegistrationSecretHeader = "X-Registration-Secret"
	IfUpdatedSinceHeader     = "If-Updated-Since"
	LastUpdatedHeader        = "Last-Updated"
)

// JobPatchOp names an administrator operation on a job.
type JobPatchOp string

const (
	SetJobPriorityOp     JobPatchOp = "set-job-priority"
	SetJobStatusOp       JobPatchOp = "set-job-status"
	RequeueFailedTasksOp JobPatchOp = "requeue-failed-tasks"
)

type JobPatch struct {
	Op       JobPatchOp  `json:"op"`
	Priority int         `json:"priority,omitempty"`
	Status   JobStatusOp `json:"status,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type ApiConfig struct {
	CorsAllowedOrigins []string
	// Zero means no limit.
	MaxRequestBytes int64
}

// Api serves the JobScheduler over HTTP: the manager endpoints, the administrator endpoints, health
// and metrics.
type Api struct {
	scheduler *JobScheduler
	tokens    *auth.TokenIssuer
	checker   health.Checker
	config    ApiConfig
}

type managerContextKey struct{}

func NewApi(scheduler *JobScheduler, tokens *auth.TokenIssuer, checker health.Checker, config ApiConfig) *Api {
	return &Api{
		scheduler: scheduler,
		tokens:    tokens,
		checker:   checker,
		config:    config,
	}
}

func (a *Api) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware(false))
	r.Use(chimw.RealIP)
	r.Use(withLogger)
	r.Use(chimw.Recoverer)
	if len(a.config.CorsAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.config.CorsAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestid.HeaderKey},
			ExposedHeaders: []string{requestid.HeaderKey, LastUpdatedHeader},
			MaxAge:         300,
		}))
	}

	r.Method(http.MethodGet, "/health", health.Handler(a.checker))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(a.limitRequestBody)
		r.Post("/managers/register", a.registerManager)

		r.Route("/manager", func(r chi.Router) {
			r.Use(a.requireManager)
			r.Get("/depsgraph", a.depsgraph)
			r.Post("/task-update-batch", a.taskUpdateBatch)
			r.Post("/workers", a.reportWorkers)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Post("/jobs", a.submitJob)
			r.Get("/jobs", a.listJobs)
			r.Get("/jobs/{jobId}", a.getJob)
			r.Patch("/jobs/{jobId}", a.patchJob)
			r.Get("/jobs/{jobId}/tasks", a.listTasks)

			r.Get("/tasks/{taskId}", a.getTask)
			r.Patch("/tasks/{taskId}", a.patchTask)

			r.Get("/managers", a.listManagers)
			r.Get("/managers/{managerId}", a.getManager)
			r.Patch("/managers/{managerId}", a.patchManager)
			r.Get("/managers/{managerId}/workers", a.listWorkers)
		})
	})
	return r
}

// withLogger makes a farmcontext.Context carrying request scoped log fields the request context.
func withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := farmcontext.New(r.Context(), logrus.WithFields(logrus.Fields{
			"requestId": requestid.FromContextOrMissing(r.Context()),
			"method":    r.Method,
			"path":      r.URL.Path,
		}))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		ctx.Log.WithFields(logrus.Fields{
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

func (a *Api) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.config.MaxRequestBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) requireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := farmcontext.FromContext(r.Context())
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		manager, err := a.scheduler.AuthenticateManager(ctx, token)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		ctx = farmcontext.New(
			context.WithValue(ctx, managerContextKey{}, manager),
			ctx.Log.WithField("manager", manager.Id),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Api) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.tokens.CheckAdminToken(r.Header.Get("Authorization")); err != nil {
			writeError(farmcontext.FromContext(r.Context()), w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func managerFromContext(ctx context.Context) *model.Manager {
	manager, _ := ctx.Value(managerContextKey{}).(*model.Manager)
	return manager
}

func (a *Api) registerManager(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var request RegisterManagerRequest
	if err := decode(r, &request); err != nil {
		writeError(ctx, w, err)
		return
	}
	registered, err := a.scheduler.RegisterManager(ctx, r.Header.Get(RegistrationSecretHeader), request)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, registered)
}

// depsgraph is the manager's poll. A manager that supplies the Last-Updated value of its previous
// poll as If-Updated-Since only receives what changed since, or 304 if nothing did.
func (a *Api) depsgraph(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	manager := managerFromContext(ctx)

	var watermark *time.Time
	if header := r.Header.Get(IfUpdatedSinceHeader); header != "" {
		parsed, err := time.Parse(time.RFC3339Nano, header)
		if err != nil {
			writeError(ctx, w, errors.WithStack(&farmerrors.ErrInvalidArgument{
				Name:    IfUpdatedSinceHeader,
				Value:   header,
				Message: "expected an RFC3339 timestamp",
			}))
			return
		}
		watermark = &parsed
	}

	result, err := a.scheduler.Poll(ctx, manager.Id, watermark)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if !result.Watermark.IsZero() {
		w.Header().Set(LastUpdatedHeader, result.Watermark.UTC().Format(time.RFC3339Nano))
	}
	if result.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"tasks": nonNil(result.Tasks)})
}

func (a *Api) taskUpdateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var request struct {
		Updates []TaskUpdate `json:"updates"`
	}
	if err := decode(r, &request); err != nil {
		writeError(ctx, w, err)
		return
	}
	result, err := a.scheduler.TaskUpdateBatch(ctx, managerFromContext(ctx).Id, request.Updates)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

func (a *Api) reportWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var request struct {
		Workers []heartbeat.WorkerStatus `json:"workers"`
	}
	if err := decode(r, &request); err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := a.scheduler.ReportWorkers(ctx, managerFromContext(ctx).Id, request.Workers); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var request SubmitJobRequest
	if err := decode(r, &request); err != nil {
		writeError(ctx, w, err)
		return
	}
	job, err := a.scheduler.SubmitJob(ctx, request)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, job)
}

func (a *Api) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	includeArchived := false
	if value := r.URL.Query().Get("archived"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			writeError(ctx, w, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: "archived", Value: value, Message: "expected a boolean"}))
			return
		}
		includeArchived = parsed
	}
	jobs, err := a.scheduler.ListJobs(ctx, includeArchived)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (a *Api) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	job, err := a.scheduler.GetJob(ctx, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, job)
}

func (a *Api) patchJob(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	jobId := chi.URLParam(r, "jobId")
	var patch JobPatch
	if err := decode(r, &patch); err != nil {
		writeError(ctx, w, err)
		return
	}

	switch patch.Op {
	case SetJobPriorityOp:
		job, err := a.scheduler.SetJobPriority(ctx, jobId, patch.Priority)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, job)
	case SetJobStatusOp:
		job, err := a.scheduler.SetJobStatus(ctx, jobId, patch.Status, patch.Reason)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, job)
	case RequeueFailedTasksOp:
		tasks, err := a.scheduler.RequeueFailedTasks(ctx, jobId)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
	default:
		writeError(ctx, w, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "op",
			Value:   patch.Op,
			Message: "expected one of set-job-priority, set-job-status, requeue-failed-tasks",
		}))
	}
}

func (a *Api) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	tasks, err := a.scheduler.ListTasks(ctx, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (a *Api) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	task, err := a.scheduler.GetTask(ctx, chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, task)
}

func (a *Api) patchTask(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var patch TaskPatch
	if err := decode(r, &patch); err != nil {
		writeError(ctx, w, err)
		return
	}
	tasks, err := a.scheduler.PatchTask(ctx, chi.URLParam(r, "taskId"), patch)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (a *Api) listManagers(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	managers, err := a.scheduler.ListManagers(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"managers": nonNil(managers)})
}

func (a *Api) getManager(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	manager, err := a.scheduler.GetManager(ctx, chi.URLParam(r, "managerId"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, manager)
}

func (a *Api) patchManager(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	var patch ManagerPatch
	if err := decode(r, &patch); err != nil {
		writeError(ctx, w, err)
		return
	}
	manager, err := a.scheduler.PatchManager(ctx, chi.URLParam(r, "managerId"), patch)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, manager)
}

func (a *Api) listWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := farmcontext.FromContext(r.Context())
	workers, err := a.scheduler.Workers(ctx, chi.URLParam(r, "managerId"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"workers": nonNil(workers)})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "body",
			Value:   "",
			Message: err.Error(),
		})
	}
	return nil
}

func writeJSON(ctx *farmcontext.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Error writing response")
	}
}

func writeError(ctx *farmcontext.Context, w http.ResponseWriter, err error) {
	status := farmerrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(ctx.Log, err).Error("Error handling request")
	} else {
		ctx.Log.WithError(err).Infof("Rejected request with status %d", status)
	}
	writeJSON(ctx, w, status, map[string]any{
		"code":    status,
		"message": err.Error(),
	})
}

// nonNil makes empty results encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
