package database

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobType represents the type of job
type JobType string

const (
	JobTypeRasterize JobType = "rasterize"
	JobTypeIngress   JobType = "ingress"
)

// Job represents a background rasterization run
type Job struct {
	ID          ulid.ULID       `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`    // 0-100
	CurrentStep string          `json:"currentStep"` // Human-readable current step
	Input       string          `json:"input"`       // Source document name
	OutputDir   string          `json:"-"`
	Message     string          `json:"message"`
	Error       string          `json:"error,omitempty"`  // Error message if failed
	Result      json.RawMessage `json:"result,omitempty"` // Run tally
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Active reports whether the job is still pending or running
func (j Job) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// JobRepository tracks jobs for the lifetime of the process
type JobRepository interface {
	CreateJob(jobType JobType, input, outputDir, message string) (*Job, error)
	UpdateJobProgress(jobID ulid.ULID, progress int, currentStep string) error
	UpdateJobStatus(jobID ulid.ULID, status JobStatus, message string) error
	UpdateJobError(jobID ulid.ULID, errorMsg string, result any) error
	CompleteJob(jobID ulid.ULID, result any) error
	GetJob(jobID ulid.ULID) (*Job, error)
	GetRecentJobs(limit, offset int) ([]Job, error)
	GetActiveJobs() ([]Job, error)
	DeleteOldJobs(olderThan time.Duration) (int, error)
}
