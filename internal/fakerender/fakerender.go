// Package fakerender provides an in-process pdfrenderer.Renderer for tests, so
// the pipeline can be exercised without MuPDF or PDFium.
package fakerender

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Renderer hands out Documents by file base name
type Renderer struct {
	mu        sync.Mutex
	Documents map[string]*Document
	// Default is used for any existing file without an entry in Documents
	Default *Document

	opens atomic.Int32
}

// Open fails with a DocumentOpenError when the file does not exist or no document is configured
func (r *Renderer) Open(path string) (pdfrenderer.Document, error) {
	r.opens.Add(1)
	if _, err := os.Stat(path); err != nil {
		return nil, &pdfrenderer.DocumentOpenError{Path: path, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.Documents[filepath.Base(path)]; ok {
		return doc, nil
	}
	if r.Default != nil {
		return r.Default, nil
	}
	return nil, &pdfrenderer.DocumentOpenError{Path: path, Err: fmt.Errorf("not a PDF file")}
}

// Opens reports how many times Open was called
func (r *Renderer) Opens() int {
	return int(r.opens.Load())
}

func (r *Renderer) Close() error { return nil }

// Document renders every page as a flat colour derived from its index
type Document struct {
	Pages []pdfrenderer.Geometry
	// Fail maps zero based page indexes to the error Render returns
	Fail map[int]error
	// Delay, if set, is slept before rendering a page
	Delay func(index int) time.Duration
	// Transparent renders pages with a fully transparent left half
	Transparent bool

	mu       sync.Mutex
	rendered []int
	closed   bool
}

// Letter returns a document of n US Letter portrait pages
func Letter(n int) *Document {
	doc := &Document{}
	for i := 0; i < n; i++ {
		doc.Pages = append(doc.Pages, pdfrenderer.Geometry{Width: 612, Height: 792})
	}
	return doc
}

// PageColor is the fill used for the page with the given index
func PageColor(index int) color.RGBA {
	return color.RGBA{R: uint8(10 + index*20), G: uint8(200 - index*10), B: 90, A: 255}
}

func (d *Document) NumPage() int { return len(d.Pages) }

func (d *Document) Geometry(index int) (pdfrenderer.Geometry, error) {
	if index < 0 || index >= len(d.Pages) {
		return pdfrenderer.Geometry{}, fmt.Errorf("page %d out of range", index+1)
	}
	return d.Pages[index], nil
}

func (d *Document) Render(index int, m pdfrenderer.Matrix) (image.Image, error) {
	if d.Delay != nil {
		time.Sleep(d.Delay(index))
	}
	if err, ok := d.Fail[index]; ok {
		return nil, err
	}
	g, err := d.Geometry(index)
	if err != nil {
		return nil, err
	}
	w, h := m.PixelSize(g)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := PageColor(index)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if d.Transparent && x < w/2 {
				continue
			}
			img.SetRGBA(x, y, c)
		}
	}

	d.mu.Lock()
	d.rendered = append(d.rendered, index)
	d.mu.Unlock()
	return img, nil
}

// Rendered lists the page indexes rendered so far, in completion order
func (d *Document) Rendered() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.rendered...)
}

// Closed reports whether Close was called
func (d *Document) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
