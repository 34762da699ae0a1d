package compiler

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskgraph"
)

// Compiler turns a job of one job type into a task graph.
type Compiler interface {
	// JobType is the key the compiler is registered under.
	JobType() string
	// Validate checks the job settings before anything is compiled.
	Validate(settings map[string]any) error
	// Compile adds the job's tasks to graph. It must not have side effects outside graph.
	Compile(job *model.Job, graph *taskgraph.Graph) error
	// Policy controls how task failures and stalls of this job type are handled.
	Policy() model.JobTypePolicy
}

// Registry maps job types to compilers. It is populated once at startup and read-only afterwards.
type Registry struct {
	compilers map[string]Compiler
}

func NewRegistry(compilers ...Compiler) (*Registry, error) {
	registry := &Registry{compilers: make(map[string]Compiler, len(compilers))}
	for _, compiler := range compilers {
		if _, exists := registry.compilers[compiler.JobType()]; exists {
			return nil, errors.WithStack(&farmerrors.ErrAlreadyExists{Type: "compiler", Value: compiler.JobType()})
		}
		registry.compilers[compiler.JobType()] = compiler
	}
	return registry, nil
}

// DefaultRegistry contains every built-in job type.
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(
		NewSleepCompiler(),
		NewBlenderRenderCompiler(),
		NewVideoChunksCompiler(),
	)
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the compiler for jobType or an invalid argument error naming the job type.
func (r *Registry) Lookup(jobType string) (Compiler, error) {
	compiler, ok := r.compilers[jobType]
	if !ok {
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{
			Name:    "jobType",
			Value:   jobType,
			Message: "unsupported job type",
		})
	}
	return compiler, nil
}

// Compile validates the job settings and builds the full graph in memory. Nothing is returned unless
// the whole graph was built and is acyclic.
func (r *Registry) Compile(job *model.Job) (*taskgraph.Graph, error) {
	compiler, err := r.Lookup(job.JobType)
	if err != nil {
		return nil, err
	}
	if err := compiler.Validate(job.Settings); err != nil {
		return nil, err
	}
	graph := taskgraph.New()
	if err := compiler.Compile(job, graph); err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	log.WithField("job", job.Id).Infof("Compiled %s job into %d tasks", job.JobType, graph.Len())
	return graph, nil
}

// PolicyFor returns the policy of jobType, or the default policy for unknown types.
func (r *Registry) PolicyFor(jobType string) model.JobTypePolicy {
	if compiler, ok := r.compilers[jobType]; ok {
		return compiler.Policy()
	}
	return model.DefaultJobTypePolicy
}

// JobTypes returns the registered job types, sorted.
func (r *Registry) JobTypes() []string {
	types := make([]string, 0, len(r.compilers))
	for jobType := range r.compilers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
