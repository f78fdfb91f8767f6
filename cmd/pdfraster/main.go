package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	config "github.com/drummonds/pdfraster/config"
	database "github.com/drummonds/pdfraster/database"
	engine "github.com/drummonds/pdfraster/engine"
	"github.com/drummonds/pdfraster/engine/encoder"
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

// cliOptions holds the parsed command line
type cliOptions struct {
	input     string
	outputDir string
	prefix    string
	format    string
	info      bool
	verbose   bool
	raster    config.RasterConfig
}

// newApp builds the command line parser. Flag defaults come from the
// environment so an explicit flag always wins.
func newApp(defaults config.RasterConfig) (*kingpin.Application, *cliOptions) {
	opts := &cliOptions{raster: defaults}
	app := kingpin.New("pdfraster", "Rasterize every page of a PDF into images, optionally rebuilding an image-only PDF.")
	app.HelpFlag.Short('h')

	app.Arg("input", "PDF file to rasterize").Required().StringVar(&opts.input)
	app.Flag("dpi", "Output resolution in dots per inch").Short('d').
		Default(strconv.FormatFloat(defaults.DPI, 'f', -1, 64)).FloatVar(&opts.raster.DPI)
	app.Flag("format", "Output format: PNG, JPEG, TIFF or BMP").Short('f').
		Default(string(defaults.Format)).StringVar(&opts.format)
	app.Flag("output-dir", "Directory for the output files (default: the input's directory)").Short('o').StringVar(&opts.outputDir)
	app.Flag("prefix", "File name prefix (default: the input file name)").Short('p').StringVar(&opts.prefix)
	app.Flag("enhance", "Apply contrast and sharpness enhancement, --no-enhance to disable").
		Default(strconv.FormatBool(defaults.Enhance)).BoolVar(&opts.raster.Enhance)
	app.Flag("contrast", "Contrast multiplier used by --enhance").
		Default(strconv.FormatFloat(defaults.Contrast, 'f', -1, 64)).FloatVar(&opts.raster.Contrast)
	app.Flag("sharpness", "Sharpness multiplier used by --enhance").
		Default(strconv.FormatFloat(defaults.Sharpness, 'f', -1, 64)).FloatVar(&opts.raster.Sharpness)
	app.Flag("info", "Print document information and exit").BoolVar(&opts.info)
	app.Flag("create-pdf", "Build <prefix>_rasterized.pdf from the rendered pages").
		Default(strconv.FormatBool(defaults.CreatePDF)).BoolVar(&opts.raster.CreatePDF)
	app.Flag("keep-images", "Keep the page images after building the PDF").
		Default(strconv.FormatBool(defaults.KeepImages)).BoolVar(&opts.raster.KeepImages)
	app.Flag("workers", "Number of pages rendered concurrently").Short('w').
		Default(strconv.Itoa(defaults.Workers)).IntVar(&opts.raster.Workers)
	app.Flag("max-failures", "Stop after this many failed pages, 0 for no limit").
		Default(strconv.Itoa(defaults.MaxPageFailures)).IntVar(&opts.raster.MaxPageFailures)
	app.Flag("backend", "Render backend: pdfium, fitz or mupdf").
		Default(defaults.Backend).EnumVar(&opts.raster.Backend, pdfrenderer.Backends...)
	app.Flag("verbose", "Enable debug logging").Short('v').BoolVar(&opts.verbose)
	return app, opts
}

// rasterConfig resolves the output format and checks the combined settings
func (opts *cliOptions) rasterConfig() (config.RasterConfig, error) {
	rasterConfig := opts.raster
	format, err := encoder.ParseFormat(opts.format)
	if err != nil {
		return rasterConfig, err
	}
	rasterConfig.Format = format
	if rasterConfig.Backend, err = pdfrenderer.BackendName(rasterConfig.Backend); err != nil {
		return rasterConfig, err
	}
	if err := rasterConfig.Validate(); err != nil {
		return rasterConfig, err
	}
	return rasterConfig, nil
}

func main() {
	defaults, logger, envErr := config.SetupCLI(false)
	if envErr != nil {
		// still parse, an explicit --format may fix a bad RASTER_FORMAT
		defaults.Format = encoder.PNG
	}

	app, opts := newApp(defaults)
	kingpin.MustParse(app.Parse(os.Args[1:]))
	if opts.verbose {
		logger = config.NewLogger(os.Stderr, "debug")
	}
	injectGlobals(logger)
	if envErr != nil {
		Logger.Warn("Ignoring invalid environment configuration", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts, pdfrenderer.NewRenderer, os.Stdout))
}

// run executes the parsed command line and returns the process exit status
func run(ctx context.Context, opts *cliOptions, newRenderer func(string) (pdfrenderer.Renderer, error), stdout io.Writer) int {
	if opts.info {
		report, err := inspect.Inspect(opts.input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := report.WriteText(stdout); err != nil {
			Logger.Error("Unable to write report", "error", err)
			return 1
		}
		return 0
	}

	rasterConfig, err := opts.rasterConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	rasterConfig.WarnIfUnusual(Logger)

	renderer, err := newRenderer(rasterConfig.Backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: unable to start %s backend: %v\n", rasterConfig.Backend, err)
		return 1
	}
	defer renderer.Close()

	rasterizer := engine.NewRasterizer(renderer, rasterConfig)
	result, err := rasterizer.Run(ctx, opts.input, engine.Options{
		OutputDir: opts.outputDir,
		Prefix:    opts.prefix,
		Progress: func(done, total int) {
			Logger.Debug("Page finished", "done", done, "total", total)
		},
	})
	if result != nil {
		printResult(stdout, result)
	}
	if err != nil {
		var openErr *pdfrenderer.DocumentOpenError
		switch {
		case errors.As(err, &openErr):
			fmt.Fprintf(os.Stderr, "Error: unable to open PDF: %v\n", openErr.Err)
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, "Interrupted")
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	if result.Succeeded == 0 && result.PageCount > 0 {
		fmt.Fprintln(os.Stderr, "Error: no page could be rasterized")
		return 1
	}
	return 0
}

func printResult(w io.Writer, result *engine.Result) {
	for _, file := range result.Files {
		fmt.Fprintf(w, "Created: %s\n", file)
	}
	if result.FlattenedPDF != "" {
		fmt.Fprintf(w, "Created flattened PDF: %s\n", result.FlattenedPDF)
	}
	for _, failure := range result.Failures {
		fmt.Fprintf(w, "Failed page %d (%s): %s\n", failure.Page, failure.Stage, failure.Cause)
	}
	fmt.Fprintf(w, "Rasterized %d of %d pages\n", result.Succeeded, result.PageCount)
}
