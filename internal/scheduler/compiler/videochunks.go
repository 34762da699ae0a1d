package compiler

import (
	"github.com/rendercloud/taskfarm/internal/scheduler/framerange"
	"github.com/rendercloud/taskfarm/internal/scheduler/model"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskgraph"
)

// VideoChunksCompiler renders a job in chunks, encodes every chunk to video as soon as its frames are
// done, then concatenates the chunks, optionally muxes in audio and moves the result into place.
//
//	move-out-of-way -> render(chunk) -> encode(chunk) -> concatenate -> [mux <- extract-audio] -> move-to-final
type VideoChunksCompiler struct{}

func NewVideoChunksCompiler() *VideoChunksCompiler {
	return &VideoChunksCompiler{}
}

func (c *VideoChunksCompiler) JobType() string {
	return "blender-video-chunks"
}

func (c *VideoChunksCompiler) Validate(settings map[string]any) error {
	if err := validateChunkedSettings(settings, "filepath", "render_output", "output_file"); err != nil {
		return err
	}
	_, err := boolSetting(settings, "extract_audio", true)
	return err
}

// Policy fails stalled tasks that produced frames, as their partial output cannot be reused by a
// different encode run.
func (c *VideoChunksCompiler) Policy() model.JobTypePolicy {
	return model.JobTypePolicy{
		Failure: model.FailOnTaskFailure,
		Stall:   model.FailStalledIfStarted,
	}
}

func (c *VideoChunksCompiler) Compile(job *model.Job, graph *taskgraph.Graph) error {
	chunks, err := ChunkFrames(job.Settings)
	if err != nil {
		return err
	}
	extractAudio, err := boolSetting(job.Settings, "extract_audio", true)
	if err != nil {
		return err
	}
	renderOutput := job.Settings["render_output"]
	outputFile := job.Settings["output_file"]

	moveOutOfWay, err := graph.AddTask(taskgraph.TaskSpec{
		Name:     "move-out-of-way",
		TaskType: "file-management",
		Commands: []model.Command{{Name: "move_out_of_way", Settings: map[string]any{"src": renderOutput}}},
	})
	if err != nil {
		return err
	}

	encodes := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		render, err := graph.AddTask(renderTask(job.Settings, chunk), moveOutOfWay)
		if err != nil {
			return err
		}
		frames := framerange.Merge(chunk, framerange.StyleHyphen)
		encode, err := graph.AddTask(taskgraph.TaskSpec{
			Name:     "encode-" + frames,
			TaskType: "video-encoding",
			Commands: []model.Command{{
				Name:     "create_video",
				Settings: map[string]any{"input_files": renderOutput, "frames": frames},
			}},
		}, render)
		if err != nil {
			return err
		}
		encodes = append(encodes, encode)
	}

	final, err := graph.AddTask(taskgraph.TaskSpec{
		Name:     "concatenate-videos",
		TaskType: "video-encoding",
		Commands: []model.Command{{Name: "concatenate_videos", Settings: map[string]any{"output_file": outputFile}}},
	}, encodes...)
	if err != nil {
		return err
	}

	if extractAudio {
		audio, err := graph.AddTask(taskgraph.TaskSpec{
			Name:     "extract-audio",
			TaskType: "blender-render",
			Commands: []model.Command{{Name: "blender_render_audio", Settings: map[string]any{"filepath": job.Settings["filepath"]}}},
		}, moveOutOfWay)
		if err != nil {
			return err
		}
		final, err = graph.AddTask(taskgraph.TaskSpec{
			Name:     "mux-audio",
			TaskType: "video-encoding",
			Commands: []model.Command{{Name: "mux_audio", Settings: map[string]any{"output_file": outputFile}}},
		}, final, audio)
		if err != nil {
			return err
		}
	}

	_, err = graph.AddTask(taskgraph.TaskSpec{
		Name:     "move-to-final",
		TaskType: "file-management",
		Commands: []model.Command{{Name: "move_with_counter", Settings: map[string]any{"src": outputFile}}},
	}, final)
	return err
}
