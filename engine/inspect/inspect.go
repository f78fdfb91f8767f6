// Package inspect reports document metadata and page geometry without rendering anything.
package inspect

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/drummonds/pdfraster/engine/pdfrenderer"
)

// Logger is injected by the main packages, falls back to the default logger
var Logger = slog.Default()

// PageInfo is the geometry of one page, numbered from 1
type PageInfo struct {
	Number   int     `json:"number"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation int     `json:"rotation"`
}

// Report describes a document. Metadata fields are nil when the Info
// dictionary has no such entry and "" when the entry is present but empty.
type Report struct {
	Title     *string    `json:"title"`
	Author    *string    `json:"author"`
	Subject   *string    `json:"subject"`
	Creator   *string    `json:"creator"`
	Producer  *string    `json:"producer"`
	Keywords  *string    `json:"keywords"`
	PageCount int        `json:"page_count"`
	Pages     []PageInfo `json:"pages"`
}

// Inspect reads the document at path
func Inspect(path string) (*Report, error) {
	s, err := pdfrenderer.OpenStructure(path)
	if err != nil {
		return nil, &pdfrenderer.DocumentOpenError{Path: path, Err: err}
	}
	defer s.Close()
	return report(s)
}

// InspectBytes reads a document held in memory
func InspectBytes(data []byte) (*Report, error) {
	s, err := pdfrenderer.ReadStructure(data)
	if err != nil {
		return nil, &pdfrenderer.DocumentOpenError{Path: "<memory>", Err: err}
	}
	return report(s)
}

func report(s *pdfrenderer.Structure) (*Report, error) {
	r := &Report{
		Title:     s.Info("Title"),
		Author:    s.Info("Author"),
		Subject:   s.Info("Subject"),
		Creator:   s.Info("Creator"),
		Producer:  s.Info("Producer"),
		Keywords:  s.Info("Keywords"),
		PageCount: s.NumPage(),
		Pages:     []PageInfo{},
	}

	for i := 0; i < r.PageCount; i++ {
		g, err := s.Geometry(i)
		if err != nil {
			return nil, fmt.Errorf("unable to read geometry of page %d: %w", i+1, err)
		}
		r.Pages = append(r.Pages, PageInfo{
			Number:   i + 1,
			Width:    g.Width,
			Height:   g.Height,
			Rotation: g.Rotation,
		})
	}

	Logger.Debug("Inspected document", "pages", r.PageCount)
	return r, nil
}

// WriteText prints the report in the form shown by the command line tool
func (r *Report) WriteText(w io.Writer) error {
	field := func(v *string) string {
		if v == nil {
			return "Unknown"
		}
		return *v
	}
	if _, err := fmt.Fprintf(w, "PDF Information:\nTitle: %s\nAuthor: %s\nSubject: %s\nPages: %d\n\nPage Details:\n",
		field(r.Title), field(r.Author), field(r.Subject), r.PageCount); err != nil {
		return err
	}
	for _, p := range r.Pages {
		if _, err := fmt.Fprintf(w, "  Page %d: %.1fx%.1f pts (rotation: %d°)\n", p.Number, p.Width, p.Height, p.Rotation); err != nil {
			return err
		}
	}
	return nil
}
