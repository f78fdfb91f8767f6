package pdfrenderer

import (
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// FitzRenderer implements PDF rendering using go-fitz (MuPDF)
type FitzRenderer struct {
}

// NewFitzRenderer creates a new Fitz-based PDF renderer
func NewFitzRenderer() (*FitzRenderer, error) {
	return &FitzRenderer{}, nil
}

// Open opens the document with MuPDF. Page geometry is read from the page
// tree, since MuPDF only exposes the rotated, integer page bounds.
func (r *FitzRenderer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, &DocumentOpenError{Path: path, Err: err}
	}

	structure, err := OpenStructure(path)
	if err != nil {
		Logger.Warn("Unable to read page tree, falling back to MuPDF page bounds", "path", path, "error", err)
		structure = nil
	}

	return &fitzDocument{doc: doc, structure: structure}, nil
}

// Close cleans up resources (no-op for Fitz renderer as documents are closed individually)
func (r *FitzRenderer) Close() error {
	return nil
}

type fitzDocument struct {
	mu        sync.Mutex
	doc       *fitz.Document
	structure *Structure
}

func (d *fitzDocument) NumPage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.NumPage()
}

func (d *fitzDocument) Geometry(index int) (Geometry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.structure != nil {
		g, err := d.structure.Geometry(index)
		if err == nil {
			return g, nil
		}
		Logger.Debug("Page tree lookup failed, using MuPDF bounds", "page", index+1, "error", err)
	}

	// Bound is measured at 72 DPI with rotation already applied
	bounds, err := d.doc.Bound(index)
	if err != nil {
		return Geometry{}, fmt.Errorf("unable to read bounds of page %d: %w", index+1, err)
	}
	return Geometry{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}, nil
}

func (d *fitzDocument) Render(index int, m Matrix) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.doc.ImageDPI(index, m.DPI())
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.structure != nil {
		d.structure.Close()
	}
	return d.doc.Close()
}
