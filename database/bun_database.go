package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

// BunJobStore implements JobRepository using Bun ORM, so job history
// survives a restart of the service
type BunJobStore struct {
	db        *bun.DB
	dbType    string
	ephemeral *EphemeralPostgres
	now       func() time.Time
}

// NewBunJobStore opens the database and runs migrations.
// dbType is sqlite, postgres or ephemeral; dsn is a file path for sqlite and a
// postgres:// URL for postgres. Ephemeral starts a throwaway PostgreSQL server.
func NewBunJobStore(dbType, dsn string) (*BunJobStore, error) {
	var (
		sqlDB     *sql.DB
		dialect   schema.Dialect
		ephemeral *EphemeralPostgres
		err       error
	)

	switch dbType {
	case "postgres", "cockroachdb":
		Logger.Info("Initializing postgres job store with Bun ORM...", "type", dbType)
		sqlDB = sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		if err := sqlDB.Ping(); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		dialect = pgdialect.New()

	case "ephemeral":
		Logger.Info("Starting ephemeral PostgreSQL job store for development")
		ephemeral, err = StartEphemeralPostgres(context.Background())
		if err != nil {
			return nil, err
		}
		sqlDB = ephemeral.DB
		dialect = pgdialect.New()

	case "sqlite":
		Logger.Info("Initializing sqlite job store with Bun ORM...", "path", dsn)
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), os.ModePerm); err != nil {
				return nil, fmt.Errorf("unable to create folder for database: %w", err)
			}
		}
		// eg "file:databases/jobs.sqlite?cache=shared&mode=rwc"
		connectionString := fmt.Sprintf("file:%s?cache=shared&mode=rwc", dsn)
		sqlDB, err = sql.Open(sqliteshim.ShimName, connectionString)
		if err != nil {
			return nil, err
		}
		// progress updates arrive from several goroutines, sqlite allows one writer
		sqlDB.SetMaxOpenConns(1)
		dialect = sqlitedialect.New()

	default:
		return nil, fmt.Errorf("unknown job store type %q (supported: memory, sqlite, postgres, cockroachdb, ephemeral)", dbType)
	}

	db := bun.NewDB(sqlDB, dialect)
	// Option to turn on verbose logging just returns failures otherwise
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(false)))

	store := &BunJobStore{db: db, dbType: dbType, ephemeral: ephemeral, now: time.Now}
	if err := store.runMigrations(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	Logger.Info("Job store ready", "type", dbType)
	return store, nil
}

// Close closes the database connection and stops the ephemeral server if running
func (b *BunJobStore) Close() error {
	var err error
	if b.db != nil {
		err = b.db.Close()
	}
	if b.ephemeral != nil {
		b.ephemeral.Cleanup()
	}
	return err
}

// timestamp is stored in UTC so that string comparison in sqlite follows time order
func (b *BunJobStore) timestamp() time.Time {
	return b.now().UTC()
}

// CreateJob creates a new job in the database
func (b *BunJobStore) CreateJob(jobType JobType, input, outputDir, message string) (*Job, error) {
	ctx := context.Background()
	now := b.timestamp()
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

	_, err = b.db.NewInsert().
		Model(FromJob(job)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// exec runs an update and reports ErrJobNotFound when no row matched
func (b *BunJobStore) exec(query *bun.UpdateQuery, jobID ulid.ULID) error {
	result, err := query.Where("id = ?", jobID.String()).Exec(context.Background())
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobProgress updates the progress of a job
func (b *BunJobStore) UpdateJobProgress(jobID ulid.ULID, progress int, currentStep string) error {
	return b.exec(b.db.NewUpdate().
		Model((*BunJob)(nil)).
		Set("progress = ?", min(max(progress, 0), 100)).
		Set("current_step = ?", currentStep).
		Set("updated_at = ?", b.timestamp()), jobID)
}

// UpdateJobStatus updates the status of a job
func (b *BunJobStore) UpdateJobStatus(jobID ulid.ULID, status JobStatus, message string) error {
	now := b.timestamp()
	query := b.db.NewUpdate().
		Model((*BunJob)(nil)).
		Set("status = ?", status).
		Set("message = ?", message).
		Set("updated_at = ?", now)

	if status == JobStatusRunning {
		query = query.Set("started_at = COALESCE(started_at, ?)", now)
	}
	if status == JobStatusCompleted || status == JobStatusFailed {
		query = query.Set("completed_at = ?", now)
	}
	return b.exec(query, jobID)
}

// UpdateJobError marks a job as failed, keeping any partial result
func (b *BunJobStore) UpdateJobError(jobID ulid.ULID, errorMsg string, result any) error {
	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	now := b.timestamp()
	return b.exec(b.db.NewUpdate().
		Model((*BunJob)(nil)).
		Set("status = ?", JobStatusFailed).
		Set("error = ?", errorMsg).
		Set("result = ?", nullString(data)).
		Set("updated_at = ?", now).
		Set("completed_at = ?", now), jobID)
}

// CompleteJob marks a job as completed with optional result data
func (b *BunJobStore) CompleteJob(jobID ulid.ULID, result any) error {
	data, err := marshalResult(result)
	if err != nil {
		return err
	}
	now := b.timestamp()
	return b.exec(b.db.NewUpdate().
		Model((*BunJob)(nil)).
		Set("status = ?", JobStatusCompleted).
		Set("progress = ?", 100).
		Set("result = ?", nullString(data)).
		Set("updated_at = ?", now).
		Set("completed_at = ?", now), jobID)
}

// GetJob retrieves a job by ID
func (b *BunJobStore) GetJob(jobID ulid.ULID) (*Job, error) {
	bunJob := new(BunJob)
	err := b.db.NewSelect().
		Model(bunJob).
		Where("id = ?", jobID.String()).
		Scan(context.Background())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return bunJob.ToJob()
}

// GetRecentJobs retrieves the most recent jobs with pagination
func (b *BunJobStore) GetRecentJobs(limit, offset int) ([]Job, error) {
	var bunJobs []BunJob
	// ULIDs sort by creation time
	err := b.db.NewSelect().
		Model(&bunJobs).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return bunJobsToJobs(bunJobs)
}

// GetActiveJobs retrieves all running or pending jobs
func (b *BunJobStore) GetActiveJobs() ([]Job, error) {
	var bunJobs []BunJob
	err := b.db.NewSelect().
		Model(&bunJobs).
		Where("status IN (?)", bun.In([]string{string(JobStatusPending), string(JobStatusRunning)})).
		Order("id DESC").
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return bunJobsToJobs(bunJobs)
}

// DeleteOldJobs deletes finished jobs completed before now minus olderThan
func (b *BunJobStore) DeleteOldJobs(olderThan time.Duration) (int, error) {
	cutoffTime := b.timestamp().Add(-olderThan)

	result, err := b.db.NewDelete().
		Model((*BunJob)(nil)).
		Where("status IN (?)", bun.In([]string{string(JobStatusCompleted), string(JobStatusFailed)})).
		Where("completed_at < ?", cutoffTime).
		Exec(context.Background())
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if count > 0 {
		Logger.Debug("Deleted old jobs", "count", count)
	}
	return int(count), err
}

// bunJobsToJobs converts a slice of BunJob to Job
func bunJobsToJobs(bunJobs []BunJob) ([]Job, error) {
	jobs := make([]Job, 0, len(bunJobs))
	for _, bunJob := range bunJobs {
		job, err := bunJob.ToJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func nullString(data []byte) sql.NullString {
	return sql.NullString{String: string(data), Valid: len(data) > 0}
}
