package engine

import (
	"bytes"
	"encoding/json"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfraster/config"
	"github.com/drummonds/pdfraster/database"
	"github.com/drummonds/pdfraster/engine/inspect"
	"github.com/drummonds/pdfraster/internal/fakerender"
	"github.com/drummonds/pdfraster/internal/pdftest"
)

func setupTestHandler(t *testing.T, doc *fakerender.Document) (*echo.Echo, *ServerHandler) {
	t.Helper()
	tempDir := t.TempDir()
	rasterConfig := config.DefaultRasterConfig()
	rasterConfig.DPI = 36
	rasterConfig.Enhance = false
	rasterConfig.Backend = "fake"

	e := echo.New()
	e.HideBanner = true
	serverHandler := &ServerHandler{
		Jobs: database.NewMemoryJobStore(),
		Echo: e,
		ServerConfig: config.ServerConfig{
			OutputPath:      filepath.Join(tempDir, "output"),
			IngressPath:     filepath.Join(tempDir, "ingress"),
			IngressDelete:   true,
			IngressInterval: 10,
			Raster:          rasterConfig,
		},
		Renderer: &fakerender.Renderer{Default: doc},
	}
	serverHandler.RegisterRoutes()
	return e, serverHandler
}

func multipartPDF(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("pdf", name)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	part.Write(data)
	writer.Close()
	return body, writer.FormDataContentType()
}

func waitForJob(t *testing.T, e *echo.Echo, id string) database.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var job database.Job
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("Failed to parse job: %v", err)
		}
		if !job.Active() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return database.Job{}
}

func TestGetHealth(t *testing.T) {
	e, _ := setupTestHandler(t, fakerender.Letter(1))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "ok" || response["format"] != "PNG" {
		t.Errorf("Unexpected health response: %v", response)
	}
}

func TestPostInfo(t *testing.T) {
	e, _ := setupTestHandler(t, fakerender.Letter(1))
	doc := pdftest.Pages(2, pdftest.A4)
	doc.Info = map[string]string{"Title": "Invoice"}

	body, contentType := multipartPDF(t, "invoice.pdf", doc.Bytes())
	req := httptest.NewRequest(http.MethodPost, "/api/info", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report inspect.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to parse report: %v", err)
	}
	if report.PageCount != 2 || report.Title == nil || *report.Title != "Invoice" || report.Author != nil {
		t.Errorf("Unexpected report: %+v", report)
	}

	t.Run("not a PDF", func(t *testing.T) {
		body, contentType := multipartPDF(t, "notes.pdf", []byte("plain text, nothing else to see here at all"))
		req := httptest.NewRequest(http.MethodPost, "/api/info", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected status 422, got %d", rec.Code)
		}
	})

	t.Run("missing upload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/info", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})
}

func TestPostRasterize(t *testing.T) {
	e, serverHandler := setupTestHandler(t, fakerender.Letter(2))

	body, contentType := multipartPDF(t, "doc.pdf", []byte("%PDF-1.4\n"))
	req := httptest.NewRequest(http.MethodPost, "/api/rasterize?dpi=72", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse job: %v", err)
	}

	job := waitForJob(t, e, created.ID.String())
	if job.Status != database.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("Expected completed job, got %+v", job)
	}
	var result Result
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if result.Succeeded != 2 || len(result.Files) != 2 || result.Files[0] != "doc_page_01.png" {
		t.Fatalf("Unexpected result: %+v", result)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID.String()+"/files/doc_page_02.png", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("Failed to decode download: %v", err)
	}
	if img.Bounds().Dx() != 612 || img.Bounds().Dy() != 792 {
		t.Errorf("Expected 612x792 at 72 DPI, got %v", img.Bounds().Size())
	}

	stored, _ := serverHandler.Jobs.GetJob(created.ID)
	if filepath.Dir(stored.OutputDir) != serverHandler.ServerConfig.OutputPath {
		t.Errorf("Expected job output under %s, got %s", serverHandler.ServerConfig.OutputPath, stored.OutputDir)
	}
}

func TestPostRasterizeRejectsBadParameters(t *testing.T) {
	e, serverHandler := setupTestHandler(t, fakerender.Letter(1))

	for _, query := range []string{"format=GIF", "dpi=abc", "dpi=-5", "flatten=maybe"} {
		t.Run(query, func(t *testing.T) {
			body, contentType := multipartPDF(t, "doc.pdf", []byte("%PDF-1.4\n"))
			req := httptest.NewRequest(http.MethodPost, "/api/rasterize?"+query, body)
			req.Header.Set(echo.HeaderContentType, contentType)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	jobs, _ := serverHandler.Jobs.GetRecentJobs(10, 0)
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs to be created, got %d", len(jobs))
	}
}

func TestPostRasterizeFailedDocument(t *testing.T) {
	e, serverHandler := setupTestHandler(t, nil)
	serverHandler.Renderer = &fakerender.Renderer{}

	body, contentType := multipartPDF(t, "broken.pdf", []byte("garbage"))
	req := httptest.NewRequest(http.MethodPost, "/api/rasterize", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rec.Code)
	}
	var created database.Job
	json.Unmarshal(rec.Body.Bytes(), &created)

	job := waitForJob(t, e, created.ID.String())
	if job.Status != database.JobStatusFailed || job.Error == "" {
		t.Errorf("Expected failed job with error, got %+v", job)
	}
}

func TestJobRoutes(t *testing.T) {
	e, serverHandler := setupTestHandler(t, fakerender.Letter(1))
	job, _ := serverHandler.Jobs.CreateJob(database.JobTypeRasterize, "doc.pdf", t.TempDir(), "")

	tests := []struct {
		name string
		path string
		code int
	}{
		{"list", "/api/jobs", http.StatusOK},
		{"list by type", "/api/jobs?type=ingress&limit=5&offset=1", http.StatusOK},
		{"unknown type", "/api/jobs?type=ocr", http.StatusBadRequest},
		{"limit too large", "/api/jobs?limit=500", http.StatusBadRequest},
		{"negative offset", "/api/jobs?offset=-1", http.StatusBadRequest},
		{"active", "/api/jobs/active", http.StatusOK},
		{"get", "/api/jobs/" + job.ID.String(), http.StatusOK},
		{"invalid id", "/api/jobs/not-a-ulid", http.StatusBadRequest},
		{"unknown id", "/api/jobs/01ARZ3NDEKTSV4RRFFQ69G5FAV", http.StatusNotFound},
		{"missing file", "/api/jobs/" + job.ID.String() + "/files/doc_page_01.png", http.StatusNotFound},
		{"hidden file", "/api/jobs/" + job.ID.String() + "/files/.env", http.StatusBadRequest},
		{"traversal", "/api/jobs/" + job.ID.String() + "/files/..%2Fsecret", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetRecentJobsFiltersByType(t *testing.T) {
	e, serverHandler := setupTestHandler(t, fakerender.Letter(1))
	serverHandler.Jobs.CreateJob(database.JobTypeRasterize, "upload.pdf", "", "")
	ingress, _ := serverHandler.Jobs.CreateJob(database.JobTypeIngress, "scan.pdf", "", "")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?type=ingress", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var jobs []database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("Failed to parse jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != ingress.ID {
		t.Errorf("Expected only the ingress job, got %+v", jobs)
	}

	t.Run("empty list encodes as array", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?offset=10", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
			t.Errorf("Expected [], got %s", body)
		}
	})
}
