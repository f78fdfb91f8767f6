package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/drummonds/pdfraster/engine/encoder"
	"github.com/drummonds/pdfraster/engine/enhance"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// Recommended resolution range, values outside it are accepted with a warning
const (
	MinRecommendedDPI = 72
	MaxRecommendedDPI = 1200
)

// RasterConfig contains the settings for one rasterization run. It is passed
// by value and never modified once a run has started.
type RasterConfig struct {
	DPI             float64
	Format          encoder.Format
	Enhance         bool
	Contrast        float64
	Sharpness       float64
	CreatePDF       bool // create_flattened_document
	KeepImages      bool // retain_page_images
	Workers         int
	MaxPageFailures int // 0 means unlimited
	Backend         string
}

// DefaultRasterConfig returns 300 DPI PNG output with enhancement on
func DefaultRasterConfig() RasterConfig {
	return RasterConfig{
		DPI:       300,
		Format:    encoder.PNG,
		Enhance:   true,
		Contrast:  enhance.DefaultMultiplier,
		Sharpness: enhance.DefaultMultiplier,
		Workers:   1,
	}
}

// EnhanceOptions returns the post-processing multipliers
func (c RasterConfig) EnhanceOptions() enhance.Options {
	return enhance.Options{Contrast: c.Contrast, Sharpness: c.Sharpness}
}

// Validate rejects settings no run can use
func (c RasterConfig) Validate() error {
	if c.DPI <= 0 || math.IsNaN(c.DPI) || math.IsInf(c.DPI, 0) {
		return fmt.Errorf("DPI must be positive, got %v", c.DPI)
	}
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.Enhance {
		if err := c.EnhanceOptions().Validate(); err != nil {
			return err
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxPageFailures < 0 {
		return fmt.Errorf("max page failures must not be negative, got %d", c.MaxPageFailures)
	}
	return nil
}

// WarnIfUnusual logs settings that are valid but probably not intended
func (c RasterConfig) WarnIfUnusual(logger *slog.Logger) {
	if c.DPI < MinRecommendedDPI || c.DPI > MaxRecommendedDPI {
		logger.Warn("DPI outside recommended range", "dpi", c.DPI, "min", MinRecommendedDPI, "max", MaxRecommendedDPI)
	}
	if c.KeepImages && !c.CreatePDF {
		logger.Debug("Keep images has no effect without flattened document output")
	}
}

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP    string
	ListenAddrPort  string
	OutputPath      string
	IngressPath     string
	IngressDelete   bool
	IngressInterval int
	JobStore        string // memory, sqlite, postgres, cockroachdb or ephemeral
	JobStoreDSN     string // sqlite file path or postgres:// URL
	Raster          RasterConfig
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvFloat gets a floating point environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

// loadEnvFiles reads .env and config.env, silently ignoring missing files
func loadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")
}

// LoadRasterConfig reads the RASTER_* environment variables on top of the defaults.
// An unknown output format is reported as *encoder.UnsupportedFormatError.
func LoadRasterConfig() (RasterConfig, error) {
	defaults := DefaultRasterConfig()
	rasterConfig := RasterConfig{
		DPI:             getEnvFloat("RASTER_DPI", defaults.DPI),
		Enhance:         getEnvBool("RASTER_ENHANCE", defaults.Enhance),
		Contrast:        getEnvFloat("RASTER_CONTRAST", defaults.Contrast),
		Sharpness:       getEnvFloat("RASTER_SHARPNESS", defaults.Sharpness),
		CreatePDF:       getEnvBool("RASTER_CREATE_PDF", defaults.CreatePDF),
		KeepImages:      getEnvBool("RASTER_KEEP_IMAGES", defaults.KeepImages),
		Workers:         getEnvInt("RASTER_WORKERS", defaults.Workers),
		MaxPageFailures: getEnvInt("RASTER_MAX_PAGE_FAILURES", defaults.MaxPageFailures),
	}

	backend, err := pdfrenderer.BackendName(getEnv("RASTER_BACKEND", pdfrenderer.BackendPDFium))
	if err != nil {
		return rasterConfig, err
	}
	rasterConfig.Backend = backend

	format, err := encoder.ParseFormat(getEnv("RASTER_FORMAT", string(defaults.Format)))
	if err != nil {
		return rasterConfig, err
	}
	rasterConfig.Format = format

	if err := rasterConfig.Validate(); err != nil {
		return rasterConfig, err
	}
	return rasterConfig, nil
}

// SetupCLI loads the environment files and returns the rasterizer defaults for
// the command line tool, which logs to stderr
func SetupCLI(verbose bool) (RasterConfig, *slog.Logger, error) {
	loadEnvFiles()

	level := getEnv("LOG_LEVEL", "info")
	if verbose {
		level = "debug"
	}
	logger := NewLogger(os.Stderr, level)
	Logger = logger

	rasterConfig, err := LoadRasterConfig()
	return rasterConfig, logger, err
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger, error) {
	serverConfigLive := ServerConfig{}

	loadEnvFiles()

	logger := setupLogging()
	Logger = logger

	// Server configuration
	serverConfigLive.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfigLive.ListenAddrIP = getEnv("SERVER_ADDR", "")

	// Output configuration
	outputDir := filepath.ToSlash(getEnv("OUTPUT_PATH", "output"))
	outputDirAbs, err := filepath.Abs(outputDir)
	if err != nil {
		logger.Error("Failed creating absolute path for output directory", "error", err)
	}
	serverConfigLive.OutputPath = outputDirAbs

	// Ingress configuration
	ingressDir := filepath.ToSlash(getEnv("INGRESS_PATH", "ingress"))
	ingressDirAbs, err := filepath.Abs(ingressDir)
	if err != nil {
		logger.Error("Failed creating absolute path for ingress directory", "error", err)
	}
	serverConfigLive.IngressPath = ingressDirAbs
	serverConfigLive.IngressInterval = getEnvInt("INGRESS_INTERVAL", 10)
	serverConfigLive.IngressDelete = getEnvBool("INGRESS_DELETE", true)

	// Job history configuration
	serverConfigLive.JobStore = strings.ToLower(getEnv("JOB_STORE", "memory"))
	serverConfigLive.JobStoreDSN = getEnv("JOB_STORE_DSN", filepath.Join("databases", "pdfraster.sqlite"))

	rasterConfig, err := LoadRasterConfig()
	if err != nil {
		logger.Error("Invalid rasterizer configuration", "error", err)
		return serverConfigLive, logger, err
	}
	rasterConfig.WarnIfUnusual(logger)
	serverConfigLive.Raster = rasterConfig

	fmt.Println("\n========================================")
	fmt.Println("   pdfraster - PDF Page Rasterizer")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfigLive.ListenAddrIP, serverConfigLive.ListenAddrPort)
	if serverConfigLive.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Detailed logs: %s\n", getEnv("LOG_FILE", "pdfraster.log"))
	fmt.Println("Initializing...")

	logger.Info("Rasterizer configuration loaded",
		"dpi", rasterConfig.DPI,
		"format", rasterConfig.Format,
		"enhance", rasterConfig.Enhance,
		"backend", rasterConfig.Backend,
		"workers", rasterConfig.Workers)

	return serverConfigLive, logger, nil
}

// parseLevel maps LOG_LEVEL values onto slog levels, defaulting to debug
func parseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelDebug
}

// NewLogger builds the text logger used by every entry point
func NewLogger(w io.Writer, logLevel string) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: parseLevel(logLevel)}
	return slog.New(slog.NewTextHandler(w, handlerOptions))
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "debug")

	logOutput := getEnv("LOG_OUTPUT", "file")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pdfraster.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	return NewLogger(logWriter, logLevel)
}
