package database

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("job not found")

// MemoryJobStore keeps jobs in a map. Nothing survives a restart.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[ulid.ULID]*Job
	now  func() time.Time
}

// NewMemoryJobStore returns an empty store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[ulid.ULID]*Job), now: time.Now}
}

// CalculateUUID returns a time ordered ULID
func CalculateUUID(t time.Time) (ulid.ULID, error) {
	return ulid.New(ulid.Timestamp(t), ulid.DefaultEntropy())
}

// CreateJob registers a new pending job
func (m *MemoryJobStore) CreateJob(jobType JobType, input, outputDir, message string) (*Job, error) {
	now := m.now()
	jobID, err := CalculateUUID(now)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        jobID,
		Type:      jobType,
		Status:    JobStatusPending,
		Input:     input,
		OutputDir: outputDir,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	m.mu.Unlock()

	copied := *job
	return &copied, nil
}

// update applies fn to the stored job under the write lock
func (m *MemoryJobStore) update(jobID ulid.ULID, fn func(job *Job, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := m.now()
	if err := fn(job, now); err != nil {
		return err
	}
	job.UpdatedAt = now
	return nil
}

// UpdateJobProgress updates the progress of a job
func (m *MemoryJobStore) UpdateJobProgress(jobID ulid.ULID, progress int, currentStep string) error {
	return m.update(jobID, func(job *Job, now time.Time) error {
		job.Progress = min(max(progress, 0), 100)
		job.CurrentStep = currentStep
		return nil
	})
}

// UpdateJobStatus updates the status of a job
func (m *MemoryJobStore) UpdateJobStatus(jobID ulid.ULID, status JobStatus, message string) error {
	return m.update(jobID, func(job *Job, now time.Time) error {
		job.Status = status
		job.Message = message
		if status == JobStatusRunning && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if status == JobStatusCompleted || status == JobStatusFailed {
			job.CompletedAt = &now
		}
		return nil
	})
}

// UpdateJobError marks a job as failed, keeping any partial result
func (m *MemoryJobStore) UpdateJobError(jobID ulid.ULID, errorMsg string, result any) error {
	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	return m.update(jobID, func(job *Job, now time.Time) error {
		job.Status = JobStatusFailed
		job.Error = errorMsg
		job.Result = data
		job.CompletedAt = &now
		return nil
	})
}

// CompleteJob marks a job as completed with optional result data
func (m *MemoryJobStore) CompleteJob(jobID ulid.ULID, result any) error {
	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	return m.update(jobID, func(job *Job, now time.Time) error {
		job.Status = JobStatusCompleted
		job.Progress = 100
		job.Result = data
		job.CompletedAt = &now
		return nil
	})
}

// GetJob retrieves a copy of a job by ID
func (m *MemoryJobStore) GetJob(jobID ulid.ULID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// GetRecentJobs returns jobs newest first with pagination
func (m *MemoryJobStore) GetRecentJobs(limit, offset int) ([]Job, error) {
	jobs := m.sorted(func(Job) bool { return true })
	if offset >= len(jobs) {
		return []Job{}, nil
	}
	jobs = jobs[offset:]
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// GetActiveJobs returns all pending or running jobs, newest first
func (m *MemoryJobStore) GetActiveJobs() ([]Job, error) {
	return m.sorted(Job.Active), nil
}

// DeleteOldJobs forgets finished jobs completed before now minus olderThan
func (m *MemoryJobStore) DeleteOldJobs(olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, job := range m.jobs {
		if !job.Active() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			count++
		}
	}
	if count > 0 {
		Logger.Debug("Deleted old jobs", "count", count)
	}
	return count, nil
}

func (m *MemoryJobStore) sorted(keep func(Job) bool) []Job {
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if keep(*job) {
			jobs = append(jobs, *job)
		}
	}
	m.mu.RUnlock()

	// ULIDs sort by creation time
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID.Compare(jobs[j].ID) > 0 })
	return jobs
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
