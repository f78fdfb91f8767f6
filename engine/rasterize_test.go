package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/drummonds/pdfraster/config"
	"github.com/drummonds/pdfraster/engine/encoder"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
	"github.com/drummonds/pdfraster/internal/fakerender"
)

// writeInput creates a placeholder input file; the fake renderer never reads it
func writeInput(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("%PDF-1.4\n"), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	return path
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	img, err := encoder.Default.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	return img
}

func fastConfig() config.RasterConfig {
	cfg := config.DefaultRasterConfig()
	cfg.DPI = 36
	cfg.Enhance = false
	return cfg
}

func TestRunImageMode(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	outDir := filepath.Join(dir, "out")
	renderer := &fakerender.Renderer{Default: fakerender.Letter(2)}

	r := NewRasterizer(renderer, config.DefaultRasterConfig())
	result, err := r.Run(context.Background(), input, Options{OutputDir: outDir})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectedFiles := []string{filepath.Join(outDir, "doc_page_01.png"), filepath.Join(outDir, "doc_page_02.png")}
	if diff := cmp.Diff(expectedFiles, result.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	if result.Succeeded != 2 || result.Failed != 0 || result.Attempted != 2 {
		t.Errorf("Unexpected tally: %+v", result)
	}
	for _, path := range expectedFiles {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", path, err)
		}
		cfg, format, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
		if format != "png" || cfg.Width != 2550 || cfg.Height != 3300 {
			t.Errorf("%s: expected 2550x3300 png, got %dx%d %s", path, cfg.Width, cfg.Height, format)
		}
	}
	if !renderer.Default.Closed() {
		t.Error("Expected document to be closed after the run")
	}
}

func TestRunFlattened(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	cfg := fastConfig()
	cfg.CreatePDF = true

	r := NewRasterizer(&fakerender.Renderer{Default: fakerender.Letter(2)}, cfg)
	result, err := r.Run(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.FlattenedPDF != filepath.Join(dir, "doc_rasterized.pdf") {
		t.Errorf("Unexpected flattened path %s", result.FlattenedPDF)
	}
	if len(result.Files) != 0 {
		t.Errorf("Expected page images to be deleted, got %v", result.Files)
	}
	if diff := cmp.Diff([]string{"doc.pdf", "doc_rasterized.pdf"}, listDir(t, dir)); diff != "" {
		t.Errorf("Directory mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(result.FlattenedPDF)
	if err != nil {
		t.Fatalf("Failed to read flattened document: %v", err)
	}
	dims, err := api.PageDims(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		t.Fatalf("PageDims failed: %v", err)
	}
	if len(dims) != 2 {
		t.Fatalf("Expected 2 pages, got %d", len(dims))
	}
	for i, d := range dims {
		if d.Width < 611.5 || d.Width > 612.5 || d.Height < 791.5 || d.Height > 792.5 {
			t.Errorf("Page %d: expected 612x792 points, got %vx%v", i+1, d.Width, d.Height)
		}
	}
}

func TestRunFlattenedKeepImages(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	cfg := fastConfig()
	cfg.CreatePDF = true
	cfg.KeepImages = true
	cfg.Format = encoder.JPEG

	r := NewRasterizer(&fakerender.Renderer{Default: fakerender.Letter(2)}, cfg)
	result, err := r.Run(context.Background(), input, Options{Prefix: "scan"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []string{"doc.pdf", "scan_page_01.jpeg", "scan_page_02.jpeg", "scan_rasterized.pdf"}
	if diff := cmp.Diff(expected, listDir(t, dir)); diff != "" {
		t.Errorf("Directory mismatch (-want +got):\n%s", diff)
	}
	if len(result.Files) != 2 {
		t.Errorf("Expected 2 kept files, got %v", result.Files)
	}
}

func TestRunPageFailure(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	doc := fakerender.Letter(2)
	doc.Fail = map[int]error{1: errors.New("corrupt content stream")}

	r := NewRasterizer(&fakerender.Renderer{Default: doc}, fastConfig())
	result, err := r.Run(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("Expected 1 succeeded and 1 failed, got %+v", result)
	}
	failure := result.Failures[0]
	if failure.Page != 2 || failure.Stage != StageRender {
		t.Errorf("Expected render failure on page 2, got %+v", failure)
	}
	var renderErr *pdfrenderer.RenderError
	if !errors.As(failure.Err, &renderErr) || !strings.Contains(failure.Cause, "corrupt content stream") {
		t.Errorf("Expected RenderError with cause, got %v", failure.Err)
	}
	if diff := cmp.Diff([]string{"doc.pdf", "doc_page_01.png"}, listDir(t, dir)); diff != "" {
		t.Errorf("Directory mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFlattenedWithFailedPage(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	doc := fakerender.Letter(3)
	doc.Fail = map[int]error{1: errors.New("broken")}
	cfg := fastConfig()
	cfg.CreatePDF = true

	r := NewRasterizer(&fakerender.Renderer{Default: doc}, cfg)
	result, err := r.Run(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	count, err := api.PageCountFile(result.FlattenedPDF)
	if err != nil {
		t.Fatalf("PageCountFile failed: %v", err)
	}
	if count != 2 || result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("Expected 2 pages and 1 failure, got %d pages and %+v", count, result)
	}
}

func TestRunUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	renderer := &fakerender.Renderer{Default: fakerender.Letter(2)}
	cfg := fastConfig()
	cfg.Format = "GIF"

	_, err := NewRasterizer(renderer, cfg).Run(context.Background(), input, Options{})
	var formatErr *encoder.UnsupportedFormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Expected UnsupportedFormatError, got %v", err)
	}
	if renderer.Opens() != 0 {
		t.Errorf("Expected document not to be opened, got %d opens", renderer.Opens())
	}
	if diff := cmp.Diff([]string{"doc.pdf"}, listDir(t, dir)); diff != "" {
		t.Errorf("Expected no output (-want +got):\n%s", diff)
	}
}

func TestRunDocumentOpenError(t *testing.T) {
	dir := t.TempDir()
	renderer := &fakerender.Renderer{Default: fakerender.Letter(1)}

	_, err := NewRasterizer(renderer, fastConfig()).Run(context.Background(), filepath.Join(dir, "missing.pdf"), Options{})
	var openErr *pdfrenderer.DocumentOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected DocumentOpenError, got %v", err)
	}
}

func TestRunKeepsPageOrderWithWorkers(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	doc := fakerender.Letter(12)
	// later pages finish first
	doc.Delay = func(index int) time.Duration { return time.Duration(12-index) * 3 * time.Millisecond }
	cfg := fastConfig()
	cfg.Workers = 4

	result, err := NewRasterizer(&fakerender.Renderer{Default: doc}, cfg).Run(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Files) != 12 {
		t.Fatalf("Expected 12 files, got %d", len(result.Files))
	}
	for i, path := range result.Files {
		if want := filepath.Join(dir, PageFileName("doc", i+1, 12, encoder.PNG)); path != want {
			t.Errorf("File %d: expected %s, got %s", i, want, path)
		}
		want := fakerender.PageColor(i)
		if got := color.NRGBAModel.Convert(decodeFile(t, path).At(0, 0)).(color.NRGBA); got != (color.NRGBA{want.R, want.G, want.B, 255}) {
			t.Errorf("%s: expected colour of page %d, got %v", path, i+1, got)
		}
	}
}

func TestRunMaxPageFailures(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	doc := fakerender.Letter(5)
	boom := errors.New("boom")
	doc.Fail = map[int]error{0: boom, 1: boom, 2: boom}
	cfg := fastConfig()
	cfg.MaxPageFailures = 1

	result, err := NewRasterizer(&fakerender.Renderer{Default: doc}, cfg).Run(context.Background(), input, Options{})
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("Expected ErrTooManyFailures, got %v", err)
	}
	if result.Attempted != 2 || result.Failed != 2 {
		t.Errorf("Expected 2 attempted and failed pages, got %+v", result)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewRasterizer(&fakerender.Renderer{Default: fakerender.Letter(3)}, fastConfig()).Run(ctx, input, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("Expected no pages attempted, got %d", result.Attempted)
	}
}

// failingCodec fails on one page size so a single page can be made to fail encoding
type failingCodec struct {
	encoder.ImagingCodec
	calls int
}

func (c *failingCodec) Encode(w io.Writer, img image.Image, format encoder.Format) error {
	c.calls++
	if c.calls == 2 {
		w.Write([]byte("partial"))
		return errors.New("disk full")
	}
	return c.ImagingCodec.Encode(w, img, format)
}

func TestRunEncodeFailure(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	r := NewRasterizer(&fakerender.Renderer{Default: fakerender.Letter(3)}, fastConfig())
	r.Codec = &failingCodec{}

	result, err := r.Run(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("Expected 2 succeeded and 1 failed, got %+v", result)
	}
	var encodeErr *EncodeError
	if !errors.As(result.Failures[0].Err, &encodeErr) || encodeErr.Page != 2 || result.Failures[0].Stage != StageEncode {
		t.Errorf("Expected EncodeError for page 2, got %+v", result.Failures[0])
	}
	if diff := cmp.Diff([]string{"doc.pdf", "doc_page_01.png", "doc_page_03.png"}, listDir(t, dir)); diff != "" {
		t.Errorf("Expected no partial file (-want +got):\n%s", diff)
	}
}

func TestRunProgress(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.pdf")
	var calls [][2]int
	opts := Options{Progress: func(done, total int) { calls = append(calls, [2]int{done, total}) }}

	if _, err := NewRasterizer(&fakerender.Renderer{Default: fakerender.Letter(3)}, fastConfig()).Run(context.Background(), input, opts); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([][2]int{{1, 3}, {2, 3}, {3, 3}}, calls); diff != "" {
		t.Errorf("Progress mismatch (-want +got):\n%s", diff)
	}
}

func TestPageFileName(t *testing.T) {
	tests := []struct {
		page, count int
		format      encoder.Format
		expected    string
	}{
		{1, 1, encoder.PNG, "doc_page_01.png"},
		{9, 9, encoder.JPEG, "doc_page_09.jpeg"},
		{12, 99, encoder.TIFF, "doc_page_12.tiff"},
		{7, 100, encoder.BMP, "doc_page_007.bmp"},
		{1234, 1500, encoder.PNG, "doc_page_1234.png"},
	}
	for _, tt := range tests {
		if got := PageFileName("doc", tt.page, tt.count, tt.format); got != tt.expected {
			t.Errorf("PageFileName(%d, %d, %s) = %s, want %s", tt.page, tt.count, tt.format, got, tt.expected)
		}
	}
	if got := FlattenedFileName("doc"); got != "doc_rasterized.pdf" {
		t.Errorf("Unexpected flattened name %s", got)
	}
}
