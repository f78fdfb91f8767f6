package pdfrenderer

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
)

// Logger is injected by the main packages, falls back to the default logger
var Logger = slog.Default()

// PointsPerInch is the PDF user space unit
const PointsPerInch = 72.0

// Geometry describes a page without rendering it.
// Width and Height are in points, before rotation is applied.
type Geometry struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation int     `json:"rotation"`
}

// DisplaySize returns the page size in points after rotation
func (g Geometry) DisplaySize() (width, height float64) {
	if g.Rotation == 90 || g.Rotation == 270 {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

// Matrix is the uniform page space to pixel space scale used for rendering
type Matrix struct {
	Scale float64
}

// MatrixForDPI returns diag(dpi/72, dpi/72)
func MatrixForDPI(dpi float64) Matrix {
	return Matrix{Scale: dpi / PointsPerInch}
}

// DPI converts the matrix back to a resolution
func (m Matrix) DPI() float64 {
	return m.Scale * PointsPerInch
}

// PixelSize returns the bitmap size of a page rendered with the matrix
func (m Matrix) PixelSize(g Geometry) (width, height int) {
	w, h := g.DisplaySize()
	return int(math.Round(w * m.Scale)), int(math.Round(h * m.Scale))
}

// Renderer opens documents with a specific rendering engine
type Renderer interface {
	// Open returns a handle on the document at path.
	// Failures are reported as *DocumentOpenError.
	Open(path string) (Document, error)

	// Close cleans up any resources used by the renderer
	Close() error
}

// Document is an opened source document. Implementations serialise access
// internally, so a Document may be shared between goroutines.
type Document interface {
	// NumPage returns the number of pages
	NumPage() int

	// Geometry returns the size and rotation of the page with the given zero based index
	Geometry(index int) (Geometry, error)

	// Render rasterises the page with the given matrix. The page rotation is
	// applied by the engine.
	Render(index int, m Matrix) (image.Image, error)

	// Close releases the document
	Close() error
}

// Backend names. BackendMuPDF is accepted as another name for BackendFitz.
const (
	BackendPDFium = "pdfium"
	BackendFitz   = "fitz"
	BackendMuPDF  = "mupdf"
)

// Backends lists every name NewRenderer accepts
var Backends = []string{BackendPDFium, BackendFitz, BackendMuPDF}

// BackendName returns the canonical name for a backend, pdfium when empty
func BackendName(backend string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendPDFium:
		return BackendPDFium, nil
	case BackendFitz, BackendMuPDF:
		return BackendFitz, nil
	}
	return "", fmt.Errorf("unknown render backend %q", backend)
}

// NewRenderer creates a renderer for the named backend. PDFium (pure Go, no CGo)
// is used when the name is empty.
func NewRenderer(backend string) (Renderer, error) {
	name, err := BackendName(backend)
	if err != nil {
		return nil, err
	}
	if name == BackendFitz {
		return NewFitzRenderer()
	}
	return NewPDFiumRenderer()
}

// DocumentOpenError means the document could not be opened at all
type DocumentOpenError struct {
	Path string
	Err  error
}

func (e *DocumentOpenError) Error() string {
	return fmt.Sprintf("unable to open PDF document %s: %v", e.Path, e.Err)
}

func (e *DocumentOpenError) Unwrap() error { return e.Err }

// RenderError means a single page could not be rendered
type RenderError struct {
	Page int // 1-based
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("unable to render page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// normaliseRotation folds any multiple of 90 into 0, 90, 180 or 270
func normaliseRotation(deg int) int {
	r := ((deg % 360) + 360) % 360
	return (r + 45) / 90 * 90 % 360
}
