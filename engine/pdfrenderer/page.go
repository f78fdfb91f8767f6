package pdfrenderer

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// RenderPage rasterises the page with the given zero based index at dpi.
//
// The result is an opaque NRGBA bitmap of round(w*dpi/72) x round(h*dpi/72)
// pixels, where w and h are the page size after rotation. Transparent areas
// are composited over white. Failures are returned as *RenderError.
func RenderPage(doc Document, index int, dpi float64) (*image.NRGBA, Geometry, error) {
	if dpi <= 0 {
		return nil, Geometry{}, &RenderError{Page: index + 1, Err: fmt.Errorf("invalid DPI %v", dpi)}
	}
	g, err := doc.Geometry(index)
	if err != nil {
		return nil, Geometry{}, &RenderError{Page: index + 1, Err: err}
	}

	m := MatrixForDPI(dpi)
	width, height := m.PixelSize(g)
	if width < 1 || height < 1 {
		return nil, g, &RenderError{Page: index + 1, Err: fmt.Errorf("page renders to an empty bitmap (%dx%d)", width, height)}
	}

	raw, err := renderRecovered(doc, index, m)
	if err != nil {
		return nil, g, &RenderError{Page: index + 1, Err: err}
	}
	if raw == nil || raw.Bounds().Empty() {
		return nil, g, &RenderError{Page: index + 1, Err: fmt.Errorf("engine returned an empty bitmap")}
	}

	img := flatten(raw)
	if dx, dy := img.Bounds().Dx()-width, img.Bounds().Dy()-height; abs(dx) > 1 || abs(dy) > 1 {
		Logger.Debug("Engine bitmap size differs from page size, resampling",
			"page", index+1, "got", img.Bounds().Size(), "want", image.Pt(width, height))
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return img, g, nil
}

// renderRecovered guards against engines that panic on broken content streams
func renderRecovered(doc Document, index int, m Matrix) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render engine panicked: %v", r)
		}
	}()
	return doc.Render(index, m)
}

// flatten composites img over a white page, giving an opaque zero-origin bitmap
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return imaging.Clone(img)
	}
	background := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
