package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/drummonds/pdfraster/database"
)

// ingressJobFunc rasterizes every PDF waiting in the ingress folder into its
// own directory under the output path
func (serverHandler *ServerHandler) ingressJobFunc(ctx context.Context) {
	// Add panic recovery to prevent entire application crash
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in ingress job", "panic", r)
		}
	}()

	serverConfig := serverHandler.ServerConfig
	Logger.Info("Starting Ingress Job on folder", "path", serverConfig.IngressPath)

	var ingressFiles []string
	err := filepath.Walk(serverConfig.IngressPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			Logger.Warn("Unable to get information for file, won't process", "filePath", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !isPDF(path) {
			Logger.Debug("Skipping non PDF file", "filePath", path)
			return nil
		}
		ingressFiles = append(ingressFiles, path)
		return nil
	})
	if err != nil {
		Logger.Error("Error reading files in from ingress", "error", err)
		return
	}

	processed, failed := 0, 0
	for _, filePath := range ingressFiles {
		if ctx.Err() != nil {
			Logger.Info("Ingress job cancelled", "remaining", len(ingressFiles)-processed-failed)
			return
		}
		if err := serverHandler.ingressDocument(ctx, filePath); err != nil {
			failed++
			continue
		}
		processed++
	}

	deleteEmptyIngressFolders(serverConfig.IngressPath) //after ingress clean empty folders
	if len(ingressFiles) > 0 {
		Logger.Info("Ingress job completed", "processed", processed, "failed", failed)
	}
}

// ingressDocument rasterizes one file from the ingress folder and removes it on success
func (serverHandler *ServerHandler) ingressDocument(ctx context.Context, filePath string) error {
	serverConfig := serverHandler.ServerConfig
	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	// output mirrors the ingress tree
	rel, err := filepath.Rel(serverConfig.IngressPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(filePath)
	}
	outputDir := filepath.Join(serverConfig.OutputPath, strings.TrimSuffix(rel, filepath.Ext(rel)))

	job, err := serverHandler.Jobs.CreateJob(database.JobTypeIngress, filepath.Base(filePath), outputDir, "Ingress folder")
	if err != nil {
		Logger.Error("Failed to create ingress job", "filePath", filePath, "error", err)
		return err
	}

	Logger.Debug("Starting processing for file", "filePath", filePath, "jobID", job.ID)
	result, err := serverHandler.runJob(ctx, job.ID, filePath, serverConfig.Raster, Options{OutputDir: outputDir, Prefix: stem})
	if err != nil {
		// left in place so the next run retries it
		return err
	}
	if result.Failed > 0 {
		Logger.Warn("Some pages could not be rasterized", "filePath", filePath, "failed", result.Failed)
	}

	if serverConfig.IngressDelete {
		if err := os.Remove(filePath); err != nil {
			Logger.Error("Unable to delete ingested file", "filePath", filePath, "error", err)
			return fmt.Errorf("unable to delete %s: %w", filePath, err)
		}
		Logger.Debug("Deleted ingested file", "filePath", filePath)
	}
	return nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// deleteEmptyIngressFolders removes sub folders left empty by the ingress job
func deleteEmptyIngressFolders(path string) {
	Logger.Debug("Running cleanup on ingress folder", "path", path)
	var dirs []string
	err := filepath.Walk(path, func(currentFile string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && currentFile != path {
			dirs = append(dirs, currentFile)
		}
		return nil
	})
	if err != nil {
		Logger.Error("Error cleaning ingress folder", "path", path, "error", err)
		return
	}

	// deepest first, so parents emptied by the removal of their children go too
	for i := len(dirs) - 1; i >= 0; i-- {
		f, err := os.Open(dirs[i])
		if err != nil {
			continue
		}
		_, err = f.Readdirnames(1)
		f.Close()
		if err == io.EOF {
			Logger.Debug("Removing Empty Folder", "currentFile", dirs[i])
			os.Remove(dirs[i])
		}
	}
}
