package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfraster/config"
	"github.com/drummonds/pdfraster/database"
	"github.com/drummonds/pdfraster/engine/encoder"
	"github.com/drummonds/pdfraster/engine/inspect"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// maxUploadSize caps uploaded documents
const maxUploadSize = 256 << 20

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	Jobs         database.JobRepository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig
	Renderer     pdfrenderer.Renderer
}

// RegisterRoutes adds the API routes to the echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo
	e.GET("/api/health", serverHandler.GetHealth)
	e.POST("/api/info", serverHandler.PostInfo)
	e.POST("/api/rasterize", serverHandler.PostRasterize)

	// Job tracking API routes
	e.GET("/api/jobs", serverHandler.GetRecentJobs)
	e.GET("/api/jobs/active", serverHandler.GetActiveJobs)
	e.GET("/api/jobs/:id", serverHandler.GetJob)
	e.GET("/api/jobs/:id/files/:name", serverHandler.GetJobFile)
}

// GetHealth reports that the service is up along with its render settings
// @Summary Health check
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Service status"
// @Router /health [get]
func (serverHandler *ServerHandler) GetHealth(c echo.Context) error {
	raster := serverHandler.ServerConfig.Raster
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"backend": raster.Backend,
		"dpi":     raster.DPI,
		"format":  raster.Format,
	})
}

// PostInfo returns metadata and page geometry of an uploaded PDF without rendering it
// @Summary Inspect a document
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param pdf formData file true "PDF document"
// @Success 200 {object} inspect.Report "Document report"
// @Failure 400 {object} map[string]interface{} "No document uploaded"
// @Failure 422 {object} map[string]interface{} "Document could not be read"
// @Router /info [post]
func (serverHandler *ServerHandler) PostInfo(c echo.Context) error {
	data, _, err := readUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}

	report, err := inspect.InspectBytes(data)
	if err != nil {
		Logger.Warn("Unable to inspect uploaded document", "error", err)
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

// PostRasterize stores an uploaded PDF and starts a rasterization job
// @Summary Rasterize a document
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param pdf formData file true "PDF document"
// @Param dpi query number false "Resolution (default from configuration)"
// @Param format query string false "PNG, JPEG, TIFF or BMP"
// @Param enhance query bool false "Apply contrast and sharpness enhancement"
// @Param flatten query bool false "Build a flattened PDF from the rendered pages"
// @Param keep query bool false "Keep page images when flattening"
// @Success 202 {object} database.Job "Job created"
// @Failure 400 {object} map[string]interface{} "Invalid parameters"
// @Router /rasterize [post]
func (serverHandler *ServerHandler) PostRasterize(c echo.Context) error {
	rasterConfig, err := rasterConfigFromQuery(c, serverHandler.ServerConfig.Raster)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}

	data, fileName, err := readUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}

	jobDir := filepath.Join(serverHandler.ServerConfig.OutputPath, ulid.Make().String())
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		Logger.Error("Unable to create job directory", "path", jobDir, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to create job"})
	}
	input := filepath.Join(jobDir, fileName)
	if err := os.WriteFile(input, data, 0644); err != nil {
		Logger.Error("Unable to write uploaded file", "path", input, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to store upload"})
	}

	job, err := serverHandler.Jobs.CreateJob(database.JobTypeRasterize, fileName, jobDir, "Queued for rasterization")
	if err != nil {
		Logger.Error("Failed to create rasterize job", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Failed to create job"})
	}
	Logger.Info("Rasterize job created", "jobID", job.ID, "input", fileName)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				Logger.Error("Panic recovered in rasterize job", "panic", r, "jobID", job.ID)
				serverHandler.Jobs.UpdateJobError(job.ID, fmt.Sprintf("Panic: %v", r), nil)
			}
		}()
		serverHandler.runJob(context.Background(), job.ID, input, rasterConfig, Options{OutputDir: jobDir})
	}()

	return c.JSON(http.StatusAccepted, job)
}

// readUpload returns the bytes and a safe file name of the multipart "pdf" field
func readUpload(c echo.Context) ([]byte, string, error) {
	fileHeader, err := c.FormFile("pdf")
	if err != nil {
		return nil, "", fmt.Errorf("missing multipart field \"pdf\"")
	}
	if fileHeader.Size > maxUploadSize {
		return nil, "", fmt.Errorf("document exceeds %d bytes", maxUploadSize)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, "", err
	}

	name := filepath.Base(filepath.ToSlash(fileHeader.Filename))
	if name == "." || name == "/" || strings.HasPrefix(name, ".") {
		name = "document.pdf"
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return data, name, nil
}

// rasterConfigFromQuery overrides the configured defaults with query parameters
func rasterConfigFromQuery(c echo.Context, rasterConfig config.RasterConfig) (config.RasterConfig, error) {
	if v := c.QueryParam("format"); v != "" {
		format, err := encoder.ParseFormat(v)
		if err != nil {
			return rasterConfig, err
		}
		rasterConfig.Format = format
	}
	if v := c.QueryParam("dpi"); v != "" {
		dpi, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rasterConfig, fmt.Errorf("invalid dpi %q", v)
		}
		rasterConfig.DPI = dpi
	}
	for name, target := range map[string]*bool{
		"enhance": &rasterConfig.Enhance,
		"flatten": &rasterConfig.CreatePDF,
		"keep":    &rasterConfig.KeepImages,
	} {
		if v := c.QueryParam(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return rasterConfig, fmt.Errorf("invalid %s %q", name, v)
			}
			*target = b
		}
	}
	if err := rasterConfig.Validate(); err != nil {
		return rasterConfig, fmt.Errorf("invalid settings: %w", err)
	}
	rasterConfig.WarnIfUnusual(Logger)
	return rasterConfig, nil
}
