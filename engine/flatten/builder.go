// Package flatten rebuilds a PDF from rendered page bitmaps. Every output page
// holds one full-bleed image and has the physical size of its source page.
package flatten

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/drummonds/pdfraster/engine/encoder"
	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Logger is injected by the main packages, falls back to the default logger
var Logger = slog.Default()

func init() {
	// pdfcpu would otherwise create a config directory in the user's home
	api.DisableConfigDir()
}

// Record is one rendered page. Either Image or Path (an encoded page file) must be set.
type Record struct {
	Index    int // zero based page index in the source document
	Image    image.Image
	Path     string
	Width    float64 // points, before rotation
	Height   float64
	Rotation int
}

// PageSize returns the output page size in points, with the rotation baked in
func (r Record) PageSize() (width, height float64) {
	return pdfrenderer.Geometry{Width: r.Width, Height: r.Height, Rotation: r.Rotation}.DisplaySize()
}

// SkippedPage is a record that could not be embedded
type SkippedPage struct {
	Page int // 1-based
	Err  error
}

// BuildStats summarises a build
type BuildStats struct {
	Embedded int
	Skipped  []SkippedPage
}

// BuildError means no page at all could be embedded
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("unable to build flattened document: %v", e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

type prepared struct {
	record Record
	data   []byte
}

// Build writes a PDF with one page per record, in record order.
// Records that cannot be embedded are skipped and reported in the stats.
func Build(w io.Writer, records []Record) (BuildStats, error) {
	var stats BuildStats
	skip := func(r Record, err error) {
		Logger.Warn("Skipping page in flattened document", "page", r.Index+1, "error", err)
		stats.Skipped = append(stats.Skipped, SkippedPage{Page: r.Index + 1, Err: err})
	}

	var pages []prepared
	for _, r := range records {
		data, err := imageData(r)
		if err != nil {
			skip(r, err)
			continue
		}
		pages = append(pages, prepared{record: r, data: data})
	}

	conf := model.NewDefaultConfiguration()
	var doc []byte
	for _, group := range groupBySize(pages) {
		out, err := importPages(doc, group, conf)
		if err == nil {
			doc = out
			stats.Embedded += len(group)
			continue
		}
		if len(group) == 1 {
			skip(group[0].record, err)
			continue
		}

		// isolate the page that broke the group
		Logger.Debug("Group import failed, retrying page by page", "pages", len(group), "error", err)
		for _, p := range group {
			out, err := importPages(doc, []prepared{p}, conf)
			if err != nil {
				skip(p.record, err)
				continue
			}
			doc = out
			stats.Embedded++
		}
	}

	if stats.Embedded == 0 {
		if len(records) == 0 {
			return stats, &BuildError{Err: fmt.Errorf("no pages to embed")}
		}
		return stats, &BuildError{Err: fmt.Errorf("none of %d pages could be embedded", len(records))}
	}
	if _, err := w.Write(doc); err != nil {
		return stats, &BuildError{Err: err}
	}
	return stats, nil
}

// imageData returns PNG or JPEG bytes for the record, the two formats
// embedded without conversion
func imageData(r Record) ([]byte, error) {
	if r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("invalid page size %vx%v", r.Width, r.Height)
	}

	img := r.Image
	if img == nil {
		if r.Path == "" {
			return nil, fmt.Errorf("record has neither image nor file")
		}
		data, err := os.ReadFile(r.Path)
		if err != nil {
			return nil, err
		}
		if _, kind, err := image.DecodeConfig(bytes.NewReader(data)); err == nil && (kind == "png" || kind == "jpeg") {
			return data, nil
		}
		img, err = encoder.Default.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unable to decode %s: %w", r.Path, err)
		}
	}

	var buf bytes.Buffer
	if err := encoder.Default.Encode(&buf, img, encoder.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// groupBySize splits pages into runs of equal output size, which pdfcpu imports in one pass
func groupBySize(pages []prepared) [][]prepared {
	var groups [][]prepared
	for i, p := range pages {
		if i > 0 {
			last := groups[len(groups)-1]
			pw, ph := last[0].record.PageSize()
			w, h := p.record.PageSize()
			if pw == w && ph == h {
				groups[len(groups)-1] = append(last, p)
				continue
			}
		}
		groups = append(groups, []prepared{p})
	}
	return groups
}

// importPages appends one page per image to doc, which may be nil for a new document
func importPages(doc []byte, group []prepared, conf *model.Configuration) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu panicked: %v", r)
		}
	}()

	width, height := group[0].record.PageSize()
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: width, Height: height}
	imp.UserDim = true
	imp.InpUnit = types.POINTS
	imp.Pos = types.Center
	imp.Scale = 1.0
	imp.ScaleAbs = false

	imgs := make([]io.Reader, len(group))
	for i, p := range group {
		imgs[i] = bytes.NewReader(p.data)
	}

	var rs io.ReadSeeker
	if doc != nil {
		rs = bytes.NewReader(doc)
	}
	var buf bytes.Buffer
	if err := api.ImportImages(rs, &buf, imgs, imp, conf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
