package model

import (
	"time"

	"golang.org/x/exp/slices"
)

// Manager is a remote node that pulls tasks for a pool of Workers.
type Manager struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
	// TokenId is the id of the only bearer token currently accepted for this Manager.
	TokenId          string   `json:"-"`
	AssignedProjects []string `json:"assignedProjects"`
	// WorkerLimit caps outstanding claims; zero means unlimited.
	WorkerLimit int       `json:"workerLimit"`
	NumWorkers  int       `json:"numWorkers"`
	LastSeen    time.Time `json:"lastSeen"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

func (m *Manager) DeepCopy() *Manager {
	if m == nil {
		return nil
	}
	copied := *m
	copied.AssignedProjects = slices.Clone(m.AssignedProjects)
	return &copied
}

func (m *Manager) Unlimited() bool {
	return m.WorkerLimit <= 0
}

// InScope reports whether the Manager may receive tasks of job.
func (m *Manager) InScope(job *Job) bool {
	if job.Manager != "" && job.Manager != m.Id {
		return false
	}
	return slices.Contains(m.AssignedProjects, job.Project)
}

// Alive reports whether the Manager has been seen within timeout. A zero timeout disables the check.
func (m *Manager) Alive(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return now.Sub(m.LastSeen) <= timeout
}
