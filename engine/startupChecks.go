package engine

import (
	"fmt"
	"os"
)

// StartupChecks performs all the checks to make sure everything works
func (serverHandler *ServerHandler) StartupChecks() error {
	serverConfig := serverHandler.ServerConfig
	if err := directoryChecks("ingress", serverConfig.IngressPath); err != nil {
		return err
	}
	if err := directoryChecks("output", serverConfig.OutputPath); err != nil {
		return err
	}
	if serverHandler.Renderer == nil {
		return fmt.Errorf("no render backend configured")
	}
	Logger.Info("Render backend ready", "backend", serverConfig.Raster.Backend)
	return nil
}

// directoryChecks ensures the named directory exists, creating it if needed
func directoryChecks(name, path string) error {
	if path == "" {
		Logger.Warn("Directory not configured", "name", name)
		return nil
	}

	// Check if directory exists
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Create the directory
			Logger.Info("Creating directory", "name", name, "path", path)
			err = os.MkdirAll(path, 0755)
			if err != nil {
				Logger.Error("Failed to create directory", "name", name, "path", path, "error", err)
				return err
			}
			Logger.Info("Directory created successfully", "name", name, "path", path)
			return nil
		}
		Logger.Error("Error checking directory", "name", name, "path", path, "error", err)
		return err
	}

	// Check if it's actually a directory
	if !info.IsDir() {
		Logger.Error("Path exists but is not a directory", "name", name, "path", path)
		return fmt.Errorf("%s path is not a directory: %s", name, path)
	}

	Logger.Info("Directory exists", "name", name, "path", path)
	return nil
}
