package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	config "github.com/drummonds/pdfraster/config"
	database "github.com/drummonds/pdfraster/database"
	engine "github.com/drummonds/pdfraster/engine"
	"github.com/drummonds/pdfraster/engine/flatten"
	"github.com/drummonds/pdfraster/engine/inspect"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	database.Logger = Logger
	config.Logger = Logger
	engine.Logger = Logger
	pdfrenderer.Logger = Logger
	inspect.Logger = Logger
	flatten.Logger = Logger
}

// newEcho creates the echo instance with JSON errors and the API routes
func newEcho(serverHandler *engine.ServerHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}

		if code == http.StatusNotFound {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}

		// For other errors, use default handler
		e.DefaultHTTPErrorHandler(err, c)
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))

	serverHandler.Echo = e
	serverHandler.RegisterRoutes()
	return e
}

func main() {
	serverConfig, logger, err := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	Logger.Info("Starting render backend", "backend", serverConfig.Raster.Backend)
	renderer, err := pdfrenderer.NewRenderer(serverConfig.Raster.Backend)
	if err != nil {
		Logger.Error("Unable to start render backend", "backend", serverConfig.Raster.Backend, "error", err)
		os.Exit(1)
	}
	defer renderer.Close()

	jobs, closeJobs, err := newJobRepository(serverConfig)
	if err != nil {
		Logger.Error("Unable to open job store", "type", serverConfig.JobStore, "error", err)
		os.Exit(1)
	}
	defer closeJobs()

	serverHandler := &engine.ServerHandler{
		Jobs:         jobs,
		ServerConfig: serverConfig,
		Renderer:     renderer,
	}
	e := newEcho(serverHandler)
	Logger.Info("Echo created")

	if err := serverHandler.StartupChecks(); err != nil { //Run all the sanity checks
		Logger.Error("Startup checks failed", "error", err)
		os.Exit(1)
	}
	Logger.Info("Startup checks complete")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	scheduler := serverHandler.InitializeSchedules(ctx) //initialize all the cron jobs
	defer scheduler.Stop()

	go func() {
		<-ctx.Done()
		Logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	}()

	if serverConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}

	Logger.Info("Starting HTTP server")
	if err := startWithRetry(e, &serverConfig, 5); err != nil {
		Logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

// newJobRepository opens the configured job history, in memory unless JOB_STORE names a database
func newJobRepository(serverConfig config.ServerConfig) (database.JobRepository, func() error, error) {
	if serverConfig.JobStore == "" || serverConfig.JobStore == "memory" {
		return database.NewMemoryJobStore(), func() error { return nil }, nil
	}
	store, err := database.NewBunJobStore(serverConfig.JobStore, serverConfig.JobStoreDSN)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// startWithRetry starts the server, moving to the next port while the current one is in use
func startWithRetry(e *echo.Echo, serverConfig *config.ServerConfig, maxRetries int) error {
	startPort := serverConfig.ListenAddrPort
	for attempt := 0; attempt < maxRetries; attempt++ {
		addr := fmt.Sprintf("%s:%s", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
		Logger.Info("Attempting to start server", "address", addr, "attempt", attempt+1)

		startErr := e.Start(addr)
		if startErr == nil || errors.Is(startErr, http.ErrServerClosed) {
			if serverConfig.ListenAddrPort != startPort {
				Logger.Warn("Server ran on alternative port due to conflicts",
					"requested_port", startPort,
					"actual_port", serverConfig.ListenAddrPort)
			}
			return nil
		}
		if !isAddressInUse(startErr) {
			return startErr
		}

		Logger.Warn("Port already in use, trying next port",
			"port", serverConfig.ListenAddrPort,
			"attempt", attempt+1,
			"max_attempts", maxRetries)

		// Increment port for next attempt
		portNum := 0
		fmt.Sscanf(serverConfig.ListenAddrPort, "%d", &portNum)
		portNum++
		serverConfig.ListenAddrPort = fmt.Sprintf("%d", portNum)
	}
	return fmt.Errorf("no available port after %d attempts starting at %s", maxRetries, startPort)
}

// isAddressInUse checks if the error is due to address already in use
func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use")
}
