package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/drummonds/pdfraster/config"
	"github.com/drummonds/pdfraster/engine/encoder"
	"github.com/drummonds/pdfraster/engine/enhance"
	"github.com/drummonds/pdfraster/engine/flatten"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Pipeline stages a page can fail in
const (
	StageRender = "render"
	StageEncode = "encode"
	StageEmbed  = "embed"
)

// ErrTooManyFailures stops a run once more pages failed than the configured limit
var ErrTooManyFailures = errors.New("too many page failures")

// EncodeError means a rendered page could not be encoded or written
type EncodeError struct {
	Page int // 1-based
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("unable to encode page %d: %v", e.Page, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// PageFailure records why a page is missing from the output
type PageFailure struct {
	Page  int    `json:"page"`
	Stage string `json:"stage"`
	Err   error  `json:"-"`
	Cause string `json:"cause"`
}

// Result is the tally of one run
type Result struct {
	PageCount    int           `json:"page_count"`
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Failures     []PageFailure `json:"failures"`
	Files        []string      `json:"files"`                   // page images left on disk, in page order
	FlattenedPDF string        `json:"flattened_pdf,omitempty"` // empty unless a flattened document was built
}

// Options says where a run writes its output
type Options struct {
	// OutputDir defaults to the directory of the input file
	OutputDir string
	// Prefix defaults to the input file name without extension
	Prefix string
	// Progress, if set, is called after each page with the number of pages finished
	Progress func(done, total int)
}

// Rasterizer turns every page of a PDF into an image file, and optionally
// reassembles the images into a flattened PDF
type Rasterizer struct {
	Renderer pdfrenderer.Renderer
	Codec    encoder.RasterCodec
	Config   config.RasterConfig
}

// NewRasterizer returns a Rasterizer using the default codec
func NewRasterizer(renderer pdfrenderer.Renderer, cfg config.RasterConfig) *Rasterizer {
	return &Rasterizer{Renderer: renderer, Codec: encoder.Default, Config: cfg}
}

// PageFileName returns <prefix>_page_<NN>.<ext>, NN being the 1-based page
// number padded to at least two digits and to the width of the page count
func PageFileName(prefix string, page, pageCount int, format encoder.Format) string {
	width := len(strconv.Itoa(pageCount))
	if width < 2 {
		width = 2
	}
	return fmt.Sprintf("%s_page_%0*d.%s", prefix, width, page, format.Extension())
}

// FlattenedFileName returns <prefix>_rasterized.pdf
func FlattenedFileName(prefix string) string {
	return prefix + "_rasterized.pdf"
}

// pageResult is filled by exactly one worker
type pageResult struct {
	record  *flatten.Record
	failure *PageFailure
}

// Run rasterizes the document at input. Per page failures are collected in
// the result; the returned error is set only for failures of the whole run.
func (r *Rasterizer) Run(ctx context.Context, input string, opts Options) (*Result, error) {
	cfg := r.Config
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec := r.Codec
	if codec == nil {
		codec = encoder.Default
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Dir(input)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}

	doc, err := r.Renderer.Open(input)
	if err != nil {
		var openErr *pdfrenderer.DocumentOpenError
		if !errors.As(err, &openErr) {
			err = &pdfrenderer.DocumentOpenError{Path: input, Err: err}
		}
		return nil, err
	}
	defer doc.Close()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create output directory %s: %w", outputDir, err)
	}

	pageCount := doc.NumPage()
	Logger.Info("Rasterizing document", "input", input, "pages", pageCount, "dpi", cfg.DPI,
		"format", cfg.Format, "enhance", cfg.Enhance, "flatten", cfg.CreatePDF, "workers", cfg.Workers)

	results := make([]pageResult, pageCount)
	var (
		mu        sync.Mutex
		failures  int
		done      int
		attempted int
	)
	finish := func(index int, res pageResult) {
		mu.Lock()
		defer mu.Unlock()
		results[index] = res
		if res.failure != nil {
			failures++
		}
		done++
		if opts.Progress != nil {
			opts.Progress(done, pageCount)
		}
	}
	// stopped reports why no further pages should be started
	stopped := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if cfg.MaxPageFailures > 0 && failures > cfg.MaxPageFailures {
			return ErrTooManyFailures
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for index := 0; index < pageCount; index++ {
		if stopped() != nil {
			break
		}
		path := filepath.Join(outputDir, PageFileName(prefix, index+1, pageCount, cfg.Format))
		g.Go(func() error {
			if stopped() != nil {
				return nil
			}
			mu.Lock()
			attempted++
			mu.Unlock()
			finish(index, r.processPage(doc, codec, index, path))
			return nil
		})
	}
	g.Wait()
	runErr := stopped()

	result := &Result{PageCount: pageCount, Attempted: attempted, Failures: []PageFailure{}, Files: []string{}}
	var records []flatten.Record
	for _, res := range results {
		switch {
		case res.failure != nil:
			result.Failures = append(result.Failures, *res.failure)
		case res.record != nil:
			records = append(records, *res.record)
			result.Files = append(result.Files, res.record.Path)
		}
	}
	result.Succeeded = len(records)
	result.Failed = len(result.Failures)

	if runErr != nil {
		Logger.Error("Run stopped early", "input", input, "attempted", attempted, "failed", result.Failed, "error", runErr)
		return result, runErr
	}

	if cfg.CreatePDF {
		if err := r.buildFlattened(result, records, filepath.Join(outputDir, FlattenedFileName(prefix))); err != nil {
			return result, err
		}
	}

	Logger.Info("Rasterization finished", "input", input, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

// processPage renders, enhances and encodes one page to path
func (r *Rasterizer) processPage(doc pdfrenderer.Document, codec encoder.RasterCodec, index int, path string) pageResult {
	cfg := r.Config
	page := index + 1

	img, g, err := pdfrenderer.RenderPage(doc, index, cfg.DPI)
	if err != nil {
		Logger.Warn("Failed to render page", "page", page, "error", err)
		return pageResult{failure: newFailure(page, StageRender, err)}
	}

	if cfg.Enhance {
		enhanced, err := enhance.Apply(img, cfg.EnhanceOptions())
		if err != nil {
			Logger.Warn("Image enhancement failed, using original", "page", page, "error", err)
		}
		img = enhanced
	}

	if err := writeImage(codec, path, img, cfg.Format); err != nil {
		err = &EncodeError{Page: page, Err: err}
		Logger.Warn("Failed to encode page", "page", page, "path", path, "error", err)
		return pageResult{failure: newFailure(page, StageEncode, err)}
	}
	Logger.Debug("Page rasterized", "page", page, "path", path, "size", img.Bounds().Size())

	return pageResult{record: &flatten.Record{
		Index:    index,
		Path:     path,
		Width:    g.Width,
		Height:   g.Height,
		Rotation: g.Rotation,
	}}
}

// buildFlattened writes the flattened document and removes the page images unless they are kept
func (r *Rasterizer) buildFlattened(result *Result, records []flatten.Record, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &flatten.BuildError{Err: err}
	}
	stats, err := flatten.Build(f, records)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = &flatten.BuildError{Err: closeErr}
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	for _, skipped := range stats.Skipped {
		result.Failures = append(result.Failures, *newFailure(skipped.Page, StageEmbed, skipped.Err))
	}
	result.Failed = len(result.Failures)
	result.Succeeded = stats.Embedded
	result.FlattenedPDF = path
	Logger.Info("Flattened document created", "path", path, "pages", stats.Embedded)

	if r.Config.KeepImages {
		return nil
	}
	var remaining []string
	for _, file := range result.Files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			Logger.Warn("Unable to delete page image", "path", file, "error", err)
			remaining = append(remaining, file)
		}
	}
	result.Files = append([]string{}, remaining...)
	return nil
}

// writeImage encodes img to path, leaving no partial file behind on failure
func writeImage(codec encoder.RasterCodec, path string, img image.Image, format encoder.Format) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := codec.Encode(f, img, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func newFailure(page int, stage string, err error) *PageFailure {
	return &PageFailure{Page: page, Stage: stage, Err: err, Cause: err.Error()}
}
