package model

import (
	"time"

	"golang.org/x/exp/slices"
)

// Command is one step a Worker executes. Its settings are opaque to scheduling.
type Command struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings"`
}

// FrameProgress holds frame range strings reported by the Manager.
type FrameProgress struct {
	Completed string `json:"completed,omitempty"`
	Failed    string `json:"failed,omitempty"`
	Active    string `json:"active,omitempty"`
}

// Task is a schedulable unit of a Job. Tasks stored in the task database must not be modified in place;
// use DeepCopy.
type Task struct {
	Id       string     `json:"id"`
	JobId    string     `json:"job"`
	Name     string     `json:"name"`
	TaskType string     `json:"taskType"`
	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`
	Parents  []string   `json:"parents,omitempty"`
	// Manager holds the current claim. PreviousManager is the holder whose claim was cleared most recently.
	Manager         string    `json:"manager,omitempty"`
	PreviousManager string    `json:"previousManager,omitempty"`
	Worker          string    `json:"worker,omitempty"`
	Commands        []Command `json:"commands"`

	Log          string         `json:"log,omitempty"`
	Activity     string         `json:"activity,omitempty"`
	TimeCost     map[string]any `json:"timeCost,omitempty"`
	Frames       FrameProgress  `json:"frames"`
	LogRequested bool           `json:"logRequested,omitempty"`
	LastActivity time.Time      `json:"lastActivity"`
	// Progress as last reported by the Manager. The percentages are 0-100.
	TaskProgress        int `json:"taskProgressPercentage"`
	CurrentCommandIndex int `json:"currentCommandIndex"`
	CommandProgress     int `json:"commandProgressPercentage"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	copied := *t
	copied.Parents = slices.Clone(t.Parents)
	if t.Commands != nil {
		copied.Commands = make([]Command, len(t.Commands))
		for i, c := range t.Commands {
			copied.Commands[i] = Command{Name: c.Name, Settings: deepCopySettings(c.Settings)}
		}
	}
	copied.TimeCost = deepCopySettings(t.TimeCost)
	return &copied
}

// HasPartialResult is true once the Manager has reported at least one completed frame.
func (t *Task) HasPartialResult() bool {
	return t.Frames.Completed != ""
}
