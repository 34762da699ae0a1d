package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/rendercloud/taskfarm/internal/common/farmerrors"
	"github.com/rendercloud/taskfarm/internal/scheduler/framerange"
)

const (
	FramesSetting    = "frames"
	ChunkSizeSetting = "chunk_size"
)

// requireSettings reports every missing setting at once.
func requireSettings(settings map[string]any, names ...string) error {
	var result *multierror.Error
	for _, name := range names {
		if value, ok := settings[name]; !ok || value == nil {
			result = multierror.Append(result, &farmerrors.ErrInvalidArgument{
				Name:    name,
				Value:   "",
				Message: "missing required setting",
			})
		}
	}
	return errors.WithStack(result.ErrorOrNil())
}

func stringSetting(settings map[string]any, name string) (string, error) {
	switch value := settings[name].(type) {
	case string:
		return value, nil
	case nil:
		return "", nil
	default:
		return "", errors.WithStack(&farmerrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be a string"})
	}
}

// intSetting accepts the shapes an integer takes after a JSON or YAML round trip.
func intSetting(settings map[string]any, name string, defaultValue int) (int, error) {
	invalid := func(value any) error {
		return errors.WithStack(&farmerrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be an integer"})
	}
	switch value := settings[name].(type) {
	case nil:
		return defaultValue, nil
	case int:
		return value, nil
	case int32:
		return int(value), nil
	case int64:
		return int(value), nil
	case float64:
		if value != math.Trunc(value) {
			return 0, invalid(value)
		}
		return int(value), nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, invalid(value)
		}
		return int(parsed), nil
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0, invalid(value)
		}
		return parsed, nil
	default:
		return 0, invalid(fmt.Sprint(value))
	}
}

func boolSetting(settings map[string]any, name string, defaultValue bool) (bool, error) {
	switch value := settings[name].(type) {
	case nil:
		return defaultValue, nil
	case bool:
		return value, nil
	case string:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return false, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be a boolean"})
		}
		return parsed, nil
	default:
		return false, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be a boolean"})
	}
}

// ChunkFrames reads the frames and chunk_size settings and splits the frames into chunks.
func ChunkFrames(settings map[string]any) ([][]int, error) {
	frameString, err := stringSetting(settings, FramesSetting)
	if err != nil {
		return nil, err
	}
	frames, err := framerange.Parse(frameString)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.WithStack(&farmerrors.ErrInvalidArgument{Name: FramesSetting, Value: frameString, Message: "no frames to render"})
	}
	chunkSize, err := intSetting(settings, ChunkSizeSetting, 0)
	if err != nil {
		return nil, err
	}
	return framerange.Chunk(framerange.Dedup(frames), chunkSize)
}

// validateChunkedSettings checks the settings every frame-chunked job type needs.
func validateChunkedSettings(settings map[string]any, required ...string) error {
	if err := requireSettings(settings, append([]string{FramesSetting, ChunkSizeSetting}, required...)...); err != nil {
		return err
	}
	_, err := ChunkFrames(settings)
	return err
}
