package pdfrenderer

import (
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/enums"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// PDFiumRenderer implements PDF rendering using go-pdfium with WebAssembly (pure Go, no CGo)
type PDFiumRenderer struct {
	mu       sync.Mutex
	pool     pdfium.Pool
	instance pdfium.Pdfium
}

// NewPDFiumRenderer creates a new PDFium-based PDF renderer using WebAssembly
func NewPDFiumRenderer() (*PDFiumRenderer, error) {
	// A single worker: all documents opened by this renderer share one
	// instance and take turns through r.mu.
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  1,
		MaxTotal: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}

	instance, err := pool.GetInstance(time.Second * 30)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	return &PDFiumRenderer{
		pool:     pool,
		instance: instance,
	}, nil
}

// Open reads the file and loads it into the PDFium instance
func (r *PDFiumRenderer) Open(path string) (Document, error) {
	pdfBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &DocumentOpenError{Path: path, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil {
		return nil, &DocumentOpenError{Path: path, Err: fmt.Errorf("renderer is closed")}
	}

	doc, err := r.instance.OpenDocument(&requests.OpenDocument{
		File: &pdfBytes,
	})
	if err != nil {
		return nil, &DocumentOpenError{Path: path, Err: err}
	}

	pageCount, err := r.instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		r.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		return nil, &DocumentOpenError{Path: path, Err: fmt.Errorf("unable to get page count: %w", err)}
	}

	return &pdfiumDocument{
		renderer:  r,
		document:  doc.Document,
		pageCount: pageCount.PageCount,
	}, nil
}

// Close cleans up resources used by the PDFium renderer
func (r *PDFiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance != nil {
		r.instance.Close()
		r.instance = nil
	}
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	return nil
}

type pdfiumDocument struct {
	renderer  *PDFiumRenderer
	document  references.FPDF_DOCUMENT
	pageCount int
}

func (d *pdfiumDocument) page(index int) requests.Page {
	return requests.Page{
		ByIndex: &requests.PageByIndex{
			Document: d.document,
			Index:    index,
		},
	}
}

func (d *pdfiumDocument) NumPage() int {
	return d.pageCount
}

func (d *pdfiumDocument) Geometry(index int) (Geometry, error) {
	d.renderer.mu.Lock()
	defer d.renderer.mu.Unlock()
	return d.geometry(index)
}

// geometry expects the renderer lock to be held
func (d *pdfiumDocument) geometry(index int) (Geometry, error) {
	instance := d.renderer.instance
	if instance == nil {
		return Geometry{}, fmt.Errorf("renderer is closed")
	}

	size, err := instance.GetPageSize(&requests.GetPageSize{Page: d.page(index)})
	if err != nil {
		return Geometry{}, fmt.Errorf("unable to get size of page %d: %w", index+1, err)
	}
	rotation, err := instance.FPDFPage_GetRotation(&requests.FPDFPage_GetRotation{Page: d.page(index)})
	if err != nil {
		return Geometry{}, fmt.Errorf("unable to get rotation of page %d: %w", index+1, err)
	}

	g := Geometry{Width: size.Width, Height: size.Height}
	switch rotation.PageRotation {
	case enums.FPDF_PAGE_ROTATION_90_CW:
		g.Rotation = 90
	case enums.FPDF_PAGE_ROTATION_180_CW:
		g.Rotation = 180
	case enums.FPDF_PAGE_ROTATION_270_CW:
		g.Rotation = 270
	}
	// PDFium reports the size after rotation
	if g.Rotation == 90 || g.Rotation == 270 {
		g.Width, g.Height = g.Height, g.Width
	}
	return g, nil
}

func (d *pdfiumDocument) Render(index int, m Matrix) (image.Image, error) {
	d.renderer.mu.Lock()
	defer d.renderer.mu.Unlock()

	g, err := d.geometry(index)
	if err != nil {
		return nil, err
	}
	width, height := m.PixelSize(g)
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("page %d renders to an empty bitmap (%dx%d)", index+1, width, height)
	}

	pageRender, err := d.renderer.instance.RenderPageInPixels(&requests.RenderPageInPixels{
		Page:   d.page(index),
		Width:  width,
		Height: height,
	})
	if err != nil {
		return nil, err
	}
	// The bitmap lives in WebAssembly memory until Cleanup
	img := imaging.Clone(pageRender.Result.Image)
	pageRender.Cleanup()
	return img, nil
}

func (d *pdfiumDocument) Close() error {
	d.renderer.mu.Lock()
	defer d.renderer.mu.Unlock()
	if d.renderer.instance == nil {
		return nil
	}
	_, err := d.renderer.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: d.document,
	})
	return err
}
