// Package taskgraph holds the dependency graph of a single job while it is being compiled.
package taskgraph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/common/util"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrCycle       = errors.New("dependency would create a cycle")
)

// invalidDependency reports a graph integrity problem as an invalid argument, so the job that caused
// it is rejected rather than treated as an internal failure.
func invalidDependency(cause error, format string, args ...any) error {
	return errors.WithStack(&farmerrors.ErrInvalidArgument{
		Name:    "dependencies",
		Value:   fmt.Sprintf(format, args...),
		Message: cause.Error(),
		Err:     cause,
	})
}

// TaskSpec is what a compiler knows about a task before it is scheduled.
type TaskSpec struct {
	Name     string
	TaskType string
	Commands []model.Command
}

type Node struct {
	Id      string
	Spec    TaskSpec
	Parents []string
}

// Graph is a DAG of task specs. It is not safe for concurrent use.
type Graph struct {
	nodes    map[string]*Node
	order    []string
	children map[string][]string
	newId    func() string
}

func New() *Graph {
	return NewWithIdGenerator(util.NewULID)
}

// NewWithIdGenerator allows tests to use readable, deterministic ids.
func NewWithIdGenerator(newId func() string) *Graph {
	return &Graph{
		nodes:    map[string]*Node{},
		children: map[string][]string{},
		newId:    newId,
	}
}

// AddTask adds a node depending on parents, all of which must already exist.
func (g *Graph) AddTask(spec TaskSpec, parents ...string) (string, error) {
	for _, parent := range parents {
		if _, ok := g.nodes[parent]; !ok {
			return "", invalidDependency(ErrUnknownTask, "parent %s of %s", parent, spec.Name)
		}
	}
	id := g.newId()
	g.nodes[id] = &Node{
		Id:      id,
		Spec:    spec,
		Parents: dedup(parents),
	}
	g.order = append(g.order, id)
	for _, parent := range g.nodes[id].Parents {
		g.children[parent] = append(g.children[parent], id)
	}
	return id, nil
}

// AddEdge makes child depend on parent.
func (g *Graph) AddEdge(child, parent string) error {
	childNode, ok := g.nodes[child]
	if !ok {
		return invalidDependency(ErrUnknownTask, "task %s", child)
	}
	if _, ok := g.nodes[parent]; !ok {
		return invalidDependency(ErrUnknownTask, "task %s", parent)
	}
	for _, existing := range childNode.Parents {
		if existing == parent {
			return nil
		}
	}
	if child == parent || g.reachable(child, parent) {
		return invalidDependency(ErrCycle, "%s -> %s", child, parent)
	}
	childNode.Parents = append(childNode.Parents, parent)
	g.children[parent] = append(g.children[parent], child)
	return nil
}

// reachable reports whether to can be reached from from by following child edges.
func (g *Graph) reachable(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range g.children[current] {
			if child == to {
				return true
			}
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}
	return false
}

func (g *Graph) Get(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Runnable returns the sorted ids of queued nodes whose parents are all completed. Nodes missing
// from statuses count as queued.
func (g *Graph) Runnable(statuses map[string]model.TaskStatus) []string {
	statusOf := func(id string) model.TaskStatus {
		if status, ok := statuses[id]; ok {
			return status
		}
		return model.TaskQueued
	}
	var runnable []string
	for _, id := range g.order {
		if statusOf(id) != model.TaskQueued {
			continue
		}
		ready := true
		for _, parent := range g.nodes[id].Parents {
			if statusOf(parent) != model.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, id)
		}
	}
	sort.Strings(runnable)
	return runnable
}

// Validate checks the graph is acyclic using Kahn's algorithm.
func (g *Graph) Validate() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id, node := range g.nodes {
		inDegree[id] = len(node.Parents)
	}
	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range g.children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(g.nodes) {
		return invalidDependency(ErrCycle, "%d tasks in a cycle", len(g.nodes)-visited)
	}
	return nil
}

func dedup(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}
