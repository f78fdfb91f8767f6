// Package pdftest writes small, valid PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Letter is a US Letter MediaBox
var Letter = [4]float64{0, 0, 612, 792}

// A4 is an ISO A4 MediaBox
var A4 = [4]float64{0, 0, 595, 842}

// Page describes one page of a generated document
type Page struct {
	// MediaBox is omitted from the page when zero, so it is inherited from the page tree
	MediaBox [4]float64
	CropBox  *[4]float64
	Rotate   int
}

// Document describes a generated file
type Document struct {
	Pages []Page
	// Info entries are written to the trailer Info dictionary when non-empty
	Info map[string]string
	// MediaBox and Rotate on the page tree root, inherited by pages that omit them
	MediaBox [4]float64
	Rotate   int
}

// Pages returns a document of n pages with the same MediaBox
func Pages(n int, mediaBox [4]float64) Document {
	doc := Document{}
	for i := 0; i < n; i++ {
		doc.Pages = append(doc.Pages, Page{MediaBox: mediaBox})
	}
	return doc
}

// Bytes serialises the document with a classic cross reference table
func (d Document) Bytes() []byte {
	var objects []string
	add := func(body string) int {
		objects = append(objects, body)
		return len(objects)
	}

	catalog := add("") // patched once the page tree number is known
	pagesRef := add("")
	var kids []string
	for i, p := range d.Pages {
		content := fmt.Sprintf("0.2 0.4 0.8 rg 36 36 %d 72 re f\nBT /F1 24 Tf 72 144 Td (Page %d) Tj ET", 200, i+1)
		contentRef := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))

		var page strings.Builder
		fmt.Fprintf(&page, "<< /Type /Page /Parent %d 0 R /Contents %d 0 R", pagesRef, contentRef)
		page.WriteString(" /Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> >> >>")
		if p.MediaBox != [4]float64{} {
			fmt.Fprintf(&page, " /MediaBox %s", array(p.MediaBox))
		}
		if p.CropBox != nil {
			fmt.Fprintf(&page, " /CropBox %s", array(*p.CropBox))
		}
		if p.Rotate != 0 {
			fmt.Fprintf(&page, " /Rotate %d", p.Rotate)
		}
		page.WriteString(" >>")
		kids = append(kids, fmt.Sprintf("%d 0 R", add(page.String())))
	}

	objects[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesRef)
	var pages strings.Builder
	fmt.Fprintf(&pages, "<< /Type /Pages /Kids [%s] /Count %d", strings.Join(kids, " "), len(d.Pages))
	if d.MediaBox != [4]float64{} {
		fmt.Fprintf(&pages, " /MediaBox %s", array(d.MediaBox))
	}
	if d.Rotate != 0 {
		fmt.Fprintf(&pages, " /Rotate %d", d.Rotate)
	}
	pages.WriteString(" >>")
	objects[pagesRef-1] = pages.String()

	info := 0
	if len(d.Info) > 0 {
		keys := make([]string, 0, len(d.Info))
		for k := range d.Info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var entries []string
		for _, k := range keys {
			entries = append(entries, fmt.Sprintf("/%s %s", k, literal(d.Info[k])))
		}
		info = add("<< " + strings.Join(entries, " ") + " >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R", len(objects)+1, catalog)
	if info != 0 {
		fmt.Fprintf(&buf, " /Info %d 0 R", info)
	}
	fmt.Fprintf(&buf, " >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

// Write saves the document as name inside dir and returns its path
func Write(t testing.TB, dir, name string, d Document) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, d.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write test PDF: %v", err)
	}
	return path
}

func array(b [4]float64) string {
	return fmt.Sprintf("[%g %g %g %g]", b[0], b[1], b[2], b[3])
}

func literal(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return "(" + r.Replace(s) + ")"
}
