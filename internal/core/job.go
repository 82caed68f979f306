package core

import (
	"time"

	"github.com/google/uuid"
)

// Job is a pending build request for one project.
type Job struct {
	ID       string    `json:"id"`
	Project  string    `json:"project"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewJob creates a job for project stamped with the current UTC time.
func NewJob(project string) Job {
	return Job{
		ID:       uuid.NewString(),
		Project:  project,
		QueuedAt: time.Now().UTC(),
	}
}

// JobState is the lifecycle position of a project inside the dispatcher.
type JobState string

const (
	StateIdle    JobState = "idle"
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
)
