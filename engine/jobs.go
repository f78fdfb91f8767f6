package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfraster/config"
	"github.com/drummonds/pdfraster/database"
)

// ErrNoPages fails a job in which every page failed
var ErrNoPages = errors.New("no page could be rasterized")

// runJob rasterizes input while keeping the job record up to date
func (serverHandler *ServerHandler) runJob(ctx context.Context, jobID ulid.ULID, input string, rasterConfig config.RasterConfig, opts Options) (*Result, error) {
	jobs := serverHandler.Jobs
	if err := jobs.UpdateJobStatus(jobID, database.JobStatusRunning, "Rasterizing "+filepath.Base(input)); err != nil {
		Logger.Error("Failed to update job status", "jobID", jobID, "error", err)
	}

	opts.Progress = func(done, total int) {
		progress := done * 100 / total
		if rasterConfig.CreatePDF && progress > 95 {
			progress = 95 // the flattened document is still to come
		}
		if err := jobs.UpdateJobProgress(jobID, progress, fmt.Sprintf("Page %d of %d", done, total)); err != nil {
			Logger.Warn("Failed to update job progress", "jobID", jobID, "error", err)
		}
	}

	rasterizer := NewRasterizer(serverHandler.Renderer, rasterConfig)
	result, err := rasterizer.Run(ctx, input, opts)
	if err == nil && result.PageCount > 0 && result.Succeeded == 0 {
		err = ErrNoPages
	}
	if err != nil {
		Logger.Error("Rasterize job failed", "jobID", jobID, "input", input, "error", err)
		var tally any
		if result != nil {
			tally = publicResult(result)
		}
		if updateErr := jobs.UpdateJobError(jobID, err.Error(), tally); updateErr != nil {
			Logger.Error("Failed to mark job as failed", "jobID", jobID, "error", updateErr)
		}
		return result, err
	}

	if err := jobs.CompleteJob(jobID, publicResult(result)); err != nil {
		Logger.Error("Failed to mark job as complete", "jobID", jobID, "error", err)
	}
	Logger.Info("Rasterize job complete", "jobID", jobID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// publicResult strips server paths down to the names served by GetJobFile
func publicResult(result *Result) *Result {
	if result == nil {
		return nil
	}
	public := *result
	public.Files = make([]string, len(result.Files))
	for i, file := range result.Files {
		public.Files[i] = filepath.Base(file)
	}
	if public.FlattenedPDF != "" {
		public.FlattenedPDF = filepath.Base(public.FlattenedPDF)
	}
	return &public
}
