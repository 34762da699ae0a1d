package model

import (
	"time"

	"golang.org/x/exp/maps"
)

const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 50
)

// TaskCounts is a per-status count of a job's tasks.
type TaskCounts struct {
	Total           int `json:"total"`
	Queued          int `json:"queued"`
	Claimed         int `json:"claimed"`
	Active          int `json:"active"`
	CancelRequested int `json:"cancelRequested"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Canceled        int `json:"canceled"`
}

func (c *TaskCounts) Add(status TaskStatus) {
	c.Total++
	switch status {
	case TaskQueued:
		c.Queued++
	case TaskClaimed:
		c.Claimed++
	case TaskActive:
		c.Active++
	case TaskCancelRequested:
		c.CancelRequested++
	case TaskCompleted:
		c.Completed++
	case TaskFailed:
		c.Failed++
	case TaskCanceled:
		c.Canceled++
	}
}

// Held is the number of tasks a Manager currently holds.
func (c TaskCounts) Held() int {
	return c.Claimed + c.Active + c.CancelRequested
}

// Job is a user submission. Jobs stored in the task database must not be modified in place; use DeepCopy.
type Job struct {
	Id           string         `json:"id"`
	Name         string         `json:"name"`
	JobType      string         `json:"jobType"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	StatusReason string         `json:"statusReason,omitempty"`
	Settings     map[string]any `json:"settings"`
	Project      string         `json:"project"`
	Owner        string         `json:"owner,omitempty"`
	// Manager optionally pins the job to one Manager.
	Manager     string     `json:"manager,omitempty"`
	TasksStatus TaskCounts `json:"tasksStatus"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
}

func (j *Job) DeepCopy() *Job {
	if j == nil {
		return nil
	}
	copied := *j
	copied.Settings = deepCopySettings(j.Settings)
	return &copied
}

func deepCopySettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	copied := maps.Clone(settings)
	for k, v := range copied {
		switch value := v.(type) {
		case map[string]any:
			copied[k] = deepCopySettings(value)
		case []any:
			copied[k] = append([]any(nil), value...)
		}
	}
	return copied
}
