package engine

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfraster/database"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
)

// jobFromParam loads the job named by the :id path parameter, writing the
// error response itself when it returns nil
func (serverHandler *ServerHandler) jobFromParam(c echo.Context) (*database.Job, error) {
	jobID, err := ulid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "Invalid job ID format"})
	}
	job, err := serverHandler.Jobs.GetJob(jobID)
	if errors.Is(err, database.ErrJobNotFound) {
		return nil, c.JSON(http.StatusNotFound, map[string]interface{}{"error": "Job not found"})
	}
	if err != nil {
		Logger.Error("Failed to get job", "jobID", jobID, "error", err)
		return nil, c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to retrieve job"})
	}
	return job, nil
}

// GetJob returns the status, progress and run tally of a job
// @Summary Get job by ID
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID (ULID)"
// @Success 200 {object} database.Job "Job details"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 404 {object} map[string]interface{} "Job not found"
// @Router /jobs/{id} [get]
func (serverHandler *ServerHandler) GetJob(c echo.Context) error {
	job, err := serverHandler.jobFromParam(c)
	if job == nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// GetRecentJobs lists jobs newest first
// @Summary Get recent jobs
// @Tags Jobs
// @Produce json
// @Param limit query int false "Number of jobs to return (default: 20, max: 100)"
// @Param offset query int false "Offset for pagination (default: 0)"
// @Param type query string false "Only jobs of this type: rasterize or ingress"
// @Success 200 {array} database.Job "List of jobs"
// @Failure 400 {object} map[string]interface{} "Invalid parameters"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs [get]
func (serverHandler *ServerHandler) GetRecentJobs(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultJobsLimit, 1, maxJobsLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}
	offset, err := queryInt(c, "offset", 0, 0, -1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}
	jobType := database.JobType(c.QueryParam("type"))
	if jobType != "" && jobType != database.JobTypeRasterize && jobType != database.JobTypeIngress {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": fmt.Sprintf("unknown job type %q", jobType)})
	}

	jobs, err := serverHandler.Jobs.GetRecentJobs(limit, offset)
	if err != nil {
		Logger.Error("Failed to get recent jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to retrieve jobs"})
	}
	return c.JSON(http.StatusOK, filterJobs(jobs, jobType))
}

// GetActiveJobs lists the pending and running jobs
// @Summary Get active jobs
// @Tags Jobs
// @Produce json
// @Success 200 {array} database.Job "List of active jobs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs/active [get]
func (serverHandler *ServerHandler) GetActiveJobs(c echo.Context) error {
	jobs, err := serverHandler.Jobs.GetActiveJobs()
	if err != nil {
		Logger.Error("Failed to get active jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to retrieve active jobs"})
	}
	return c.JSON(http.StatusOK, filterJobs(jobs, ""))
}

// GetJobFile downloads one output file of a job
// @Summary Download job output
// @Tags Jobs
// @Param id path string true "Job ID (ULID)"
// @Param name path string true "File name"
// @Success 200 {file} file "Output file"
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 404 {object} map[string]interface{} "Not found"
// @Router /jobs/{id}/files/{name} [get]
func (serverHandler *ServerHandler) GetJobFile(c echo.Context) error {
	name := c.Param("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "Invalid file name"})
	}
	job, err := serverHandler.jobFromParam(c)
	if job == nil {
		return err
	}
	if job.OutputDir == "" {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": "File not found"})
	}
	path := filepath.Join(job.OutputDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": "File not found"})
	}
	return c.File(path)
}

// queryInt parses an optional integer query parameter within [lower, upper], upper < 0 meaning unbounded
func queryInt(c echo.Context, name string, fallback, lower, upper int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lower || (upper >= 0 && v > upper) {
		if upper >= 0 {
			return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lower, upper)
		}
		return 0, fmt.Errorf("%s must be an integer of at least %d", name, lower)
	}
	return v, nil
}

// filterJobs keeps jobs of the given type, all of them when jobType is empty.
// The result is never nil so it encodes as [].
func filterJobs(jobs []database.Job, jobType database.JobType) []database.Job {
	filtered := make([]database.Job, 0, len(jobs))
	for _, job := range jobs {
		if jobType == "" || job.Type == jobType {
			filtered = append(filtered, job)
		}
	}
	return filtered
}
