package compiler

import (
	"github.com/rendercloud/taskfarm/internal/scheduler/framerange"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskgraph"
)

// SleepCompiler produces one echo-then-sleep task per chunk. It exercises a farm without rendering.
type SleepCompiler struct{}

func NewSleepCompiler() *SleepCompiler {
	return &SleepCompiler{}
}

func (c *SleepCompiler) JobType() string {
	return "sleep"
}

func (c *SleepCompiler) Validate(settings map[string]any) error {
	if err := validateChunkedSettings(settings); err != nil {
		return err
	}
	_, err := intSetting(settings, "time_in_seconds", 1)
	return err
}

func (c *SleepCompiler) Compile(job *model.Job, graph *taskgraph.Graph) error {
	chunks, err := ChunkFrames(job.Settings)
	if err != nil {
		return err
	}
	seconds, err := intSetting(job.Settings, "time_in_seconds", 1)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		_, err := graph.AddTask(taskgraph.TaskSpec{
			Name:     "sleep-" + framerange.Merge(chunk, framerange.StyleHyphen),
			TaskType: "sleep",
			Commands: []model.Command{
				{Name: "echo", Settings: map[string]any{"message": "Preparing to sleep"}},
				{Name: "sleep", Settings: map[string]any{"time_in_seconds": seconds}},
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SleepCompiler) Policy() model.JobTypePolicy {
	return model.DefaultJobTypePolicy
}

// BlenderRenderCompiler produces one independent render task per chunk.
type BlenderRenderCompiler struct{}

func NewBlenderRenderCompiler() *BlenderRenderCompiler {
	return &BlenderRenderCompiler{}
}

func (c *BlenderRenderCompiler) JobType() string {
	return "blender-render"
}

func (c *BlenderRenderCompiler) Validate(settings map[string]any) error {
	return validateChunkedSettings(settings, "filepath", "render_output")
}

func (c *BlenderRenderCompiler) Compile(job *model.Job, graph *taskgraph.Graph) error {
	chunks, err := ChunkFrames(job.Settings)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if _, err := graph.AddTask(renderTask(job.Settings, chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (c *BlenderRenderCompiler) Policy() model.JobTypePolicy {
	return model.DefaultJobTypePolicy
}

func renderTask(settings map[string]any, chunk []int) taskgraph.TaskSpec {
	return taskgraph.TaskSpec{
		Name:     "blender-render-" + framerange.Merge(chunk, framerange.StyleHyphen),
		TaskType: "blender-render",
		Commands: []model.Command{{
			Name: "blender_render",
			Settings: map[string]any{
				"filepath":      settings["filepath"],
				"format":        settings["format"],
				"render_output": settings["render_output"],
				"frames":        framerange.Merge(chunk, framerange.StyleBlender),
			},
		}},
	}
}
