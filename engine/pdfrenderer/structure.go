package pdfrenderer

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/ledongthuc/pdf"
)

// letter is used when a page tree carries no usable box at all
var letter = Geometry{Width: 612, Height: 792}

// Structure gives read-only access to the document structure (page tree and
// Info dictionary) without interpreting any page content.
type Structure struct {
	reader *pdf.Reader
	file   *os.File
}

// OpenStructure parses the cross reference table and trailer of the file at path
func OpenStructure(path string) (*Structure, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	reader, err := newReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Structure{reader: reader, file: file}, nil
}

// ReadStructure is OpenStructure for a document held in memory
func ReadStructure(data []byte) (*Structure, error) {
	reader, err := newReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &Structure{reader: reader}, nil
}

// newReader turns the panics ledongthuc/pdf raises on malformed input into errors
func newReader(f io.ReaderAt, size int64) (reader *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()
	return pdf.NewReader(f, size)
}

// Close closes the underlying file
func (s *Structure) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// NumPage returns the page count recorded in the page tree root
func (s *Structure) NumPage() (n int) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
		}
	}()
	return s.reader.NumPage()
}

// Info returns an entry of the document Info dictionary, or nil when the entry is absent
func (s *Structure) Info(key string) (value *string) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
		}
	}()
	v := s.reader.Trailer().Key("Info").Key(key)
	if v.Kind() != pdf.String {
		return nil
	}
	text := v.Text()
	return &text
}

// Geometry reads the effective page box and rotation of the page with the given zero based index
func (s *Structure) Geometry(index int) (g Geometry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed page %d: %v", index+1, r)
		}
	}()
	page := s.reader.Page(index + 1)
	if page.V.IsNull() {
		return Geometry{}, fmt.Errorf("page %d not found", index+1)
	}

	media, ok := readBox(inherited(page.V, "MediaBox"))
	if !ok {
		Logger.Debug("Page has no MediaBox, assuming US Letter", "page", index+1)
		media = box{0, 0, letter.Width, letter.Height}
	}
	effective := media
	if crop, ok := readBox(inherited(page.V, "CropBox")); ok {
		effective = crop.intersect(media)
	}

	return Geometry{
		Width:    effective.width(),
		Height:   effective.height(),
		Rotation: normaliseRotation(int(inherited(page.V, "Rotate").Int64())),
	}, nil
}

// inherited walks up the page tree for inheritable page attributes
func inherited(v pdf.Value, key string) pdf.Value {
	for depth := 0; !v.IsNull() && depth < 64; depth++ {
		if r := v.Key(key); !r.IsNull() {
			return r
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

type box struct {
	llx, lly, urx, ury float64
}

func readBox(v pdf.Value) (box, bool) {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return box{}, false
	}
	b := box{
		llx: math.Min(v.Index(0).Float64(), v.Index(2).Float64()),
		lly: math.Min(v.Index(1).Float64(), v.Index(3).Float64()),
		urx: math.Max(v.Index(0).Float64(), v.Index(2).Float64()),
		ury: math.Max(v.Index(1).Float64(), v.Index(3).Float64()),
	}
	if b.width() <= 0 || b.height() <= 0 {
		return box{}, false
	}
	return b, true
}

func (b box) width() float64  { return b.urx - b.llx }
func (b box) height() float64 { return b.ury - b.lly }

// intersect clips b to other, keeping other when they do not overlap
func (b box) intersect(other box) box {
	r := box{
		llx: math.Max(b.llx, other.llx),
		lly: math.Max(b.lly, other.lly),
		urx: math.Min(b.urx, other.urx),
		ury: math.Min(b.ury, other.ury),
	}
	if r.width() <= 0 || r.height() <= 0 {
		return other
	}
	return r
}
