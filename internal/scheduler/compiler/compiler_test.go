package compiler

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskgraph"
)

func TestRegistry_Lookup(t *testing.T) {
	registry := DefaultRegistry()
	assert.Equal(t, []string{"blender-render", "blender-video-chunks", "sleep"}, registry.JobTypes())

	compiler, err := registry.Lookup("sleep")
	require.NoError(t, err)
	assert.Equal(t, "sleep", compiler.JobType())

	_, err = registry.Lookup("fluid-sim")
	var invalid *farmerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "fluid-sim", invalid.Value)
}

func TestRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(NewSleepCompiler(), NewSleepCompiler())
	var exists *farmerrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &exists)
}

func TestRegistry_PolicyFor(t *testing.T) {
	registry := DefaultRegistry()
	assert.Equal(t, model.FailStalledIfStarted, registry.PolicyFor("blender-video-chunks").Stall)
	assert.Equal(t, model.DefaultJobTypePolicy, registry.PolicyFor("sleep"))
	assert.Equal(t, model.DefaultJobTypePolicy, registry.PolicyFor("unknown"))
}

// loopCompiler wires its two tasks into a loop.
type loopCompiler struct{}

func (loopCompiler) JobType() string { return "loop" }
func (loopCompiler) Validate(map[string]any) error { return nil }
func (loopCompiler) Policy() model.JobTypePolicy { return model.DefaultJobTypePolicy }
func (loopCompiler) Compile(_ *model.Job, graph *taskgraph.Graph) error {
	first, err := graph.AddTask(taskgraph.TaskSpec{Name: "first"})
	if err != nil {
		return err
	}
	second, err := graph.AddTask(taskgraph.TaskSpec{Name: "second"}, first)
	if err != nil {
		return err
	}
	return graph.AddEdge(first, second)
}

func TestCompile_CycleIsInvalid(t *testing.T) {
	registry, err := NewRegistry(loopCompiler{})
	require.NoError(t, err)

	_, err = registry.Compile(&model.Job{Id: "j", JobType: "loop"})
	var invalid *farmerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, taskgraph.ErrCycle)
}

func TestCompile_MissingSettings(t *testing.T) {
	job := &model.Job{Id: "j", JobType: "blender-render", Settings: map[string]any{"frames": "1-10"}}
	_, err := DefaultRegistry().Compile(job)
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3, "chunk_size, filepath and render_output are all reported")
	var invalid *farmerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestCompile_BadSettings(t *testing.T) {
	tests := map[string]map[string]any{
		"zero chunk":      {"frames": "1-10", "chunk_size": 0},
		"fractional":      {"frames": "1-10", "chunk_size": 2.5},
		"bad frames":      {"frames": "1-x", "chunk_size": 2},
		"no frames":       {"frames": "", "chunk_size": 2},
		"frames not text": {"frames": 12, "chunk_size": 2},
	}
	for name, settings := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DefaultRegistry().Compile(&model.Job{Id: "j", JobType: "sleep", Settings: settings})
			var invalid *farmerrors.ErrInvalidArgument
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestIntSetting(t *testing.T) {
	tests := map[string]struct {
		value    any
		expected int
	}{
		"int":         {value: 5, expected: 5},
		"int64":       {value: int64(5), expected: 5},
		"float":       {value: 5.0, expected: 5},
		"json number": {value: json.Number("5"), expected: 5},
		"string":      {value: "5", expected: 5},
		"missing":     {value: nil, expected: 7},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			value, err := intSetting(map[string]any{"x": tc.value}, "x", 7)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, value)
		})
	}
}

func TestSleepCompiler(t *testing.T) {
	job := &model.Job{Id: "j", JobType: "sleep", Settings: map[string]any{"frames": "1-10", "chunk_size": 5}}
	graph, err := DefaultRegistry().Compile(job)
	require.NoError(t, err)

	nodes := graph.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "sleep-1-5", nodes[0].Spec.Name)
	assert.Equal(t, "sleep-6-10", nodes[1].Spec.Name)
	assert.Empty(t, nodes[0].Parents)
	assert.Equal(t, "echo", nodes[0].Spec.Commands[0].Name)
	assert.Equal(t, 1, nodes[0].Spec.Commands[1].Settings["time_in_seconds"])
}

func TestBlenderRenderCompiler(t *testing.T) {
	job := &model.Job{Id: "j", JobType: "blender-render", Settings: map[string]any{
		"frames":        "1-7",
		"chunk_size":    3.0,
		"filepath":      "/shots/010.blend",
		"render_output": "/render/010/######",
	}}
	graph, err := DefaultRegistry().Compile(job)
	require.NoError(t, err)

	nodes := graph.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "blender-render-1-3", nodes[0].Spec.Name)
	assert.Equal(t, "1..3", nodes[0].Spec.Commands[0].Settings["frames"])
	assert.Equal(t, "blender-render-7", nodes[2].Spec.Name)
	assert.Equal(t, "7", nodes[2].Spec.Commands[0].Settings["frames"])
	assert.Len(t, graph.Runnable(nil), 3)
}

func TestVideoChunksCompiler(t *testing.T) {
	settings := func(extractAudio bool) map[string]any {
		return map[string]any{
			"frames":        "1-10",
			"chunk_size":    5,
			"filepath":      "/shots/010.blend",
			"render_output": "/render/010/######",
			"output_file":   "/render/010.mkv",
			"extract_audio": extractAudio,
		}
	}

	t.Run("with audio", func(t *testing.T) {
		graph, err := DefaultRegistry().Compile(&model.Job{Id: "j", JobType: "blender-video-chunks", Settings: settings(true)})
		require.NoError(t, err)
		byName := nodesByName(graph)
		require.Len(t, byName, 9)

		moow := byName["move-out-of-way"]
		assert.Empty(t, moow.Parents)
		for _, frames := range []string{"1-5", "6-10"} {
			render := byName["blender-render-"+frames]
			assert.Equal(t, []string{moow.Id}, render.Parents)
			assert.Equal(t, []string{render.Id}, byName["encode-"+frames].Parents)
		}
		assert.ElementsMatch(t, []string{byName["encode-1-5"].Id, byName["encode-6-10"].Id}, byName["concatenate-videos"].Parents)
		assert.Equal(t, []string{moow.Id}, byName["extract-audio"].Parents)
		assert.Equal(t, []string{byName["concatenate-videos"].Id, byName["extract-audio"].Id}, byName["mux-audio"].Parents)
		assert.Equal(t, []string{byName["mux-audio"].Id}, byName["move-to-final"].Parents)

		assert.Equal(t, []string{moow.Id}, graph.Runnable(nil))
	})

	t.Run("without audio", func(t *testing.T) {
		graph, err := DefaultRegistry().Compile(&model.Job{Id: "j", JobType: "blender-video-chunks", Settings: settings(false)})
		require.NoError(t, err)
		byName := nodesByName(graph)
		require.Len(t, byName, 7)
		assert.Equal(t, []string{byName["concatenate-videos"].Id}, byName["move-to-final"].Parents)
	})
}

func nodesByName(graph *taskgraph.Graph) map[string]*taskgraph.Node {
	result := map[string]*taskgraph.Node{}
	for _, node := range graph.Nodes() {
		result[node.Spec.Name] = node
	}
	return result
}
