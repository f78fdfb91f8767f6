package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hhrutter/tiff"
	"golang.org/x/image/bmp"
	xtiff "golang.org/x/image/tiff"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 7), uint8(y * 11), uint8((x + y) * 3), 255})
		}
	}
	return img
}

func samePixels(t *testing.T, want *image.NRGBA, got image.Image) {
	t.Helper()
	if got.Bounds().Dx() != want.Bounds().Dx() || got.Bounds().Dy() != want.Bounds().Dy() {
		t.Fatalf("size mismatch: want %v, got %v", want.Bounds(), got.Bounds())
	}
	gb := got.Bounds()
	for y := 0; y < want.Bounds().Dy(); y++ {
		for x := 0; x < want.Bounds().Dx(); x++ {
			wr, wg, wb, wa := want.At(x, y).RGBA()
			gr, gg, gbl, ga := got.At(gb.Min.X+x, gb.Min.Y+y).RGBA()
			if wr != gr || wg != gg || wb != gbl || wa != ga {
				t.Fatalf("pixel (%d,%d) differs: want %v, got %v", x, y, want.At(x, y), got.At(gb.Min.X+x, gb.Min.Y+y))
			}
		}
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"PNG":  PNG,
		"png":  PNG,
		"jpeg": JPEG,
		"JPG":  JPEG,
		"tiff": TIFF,
		"BMP":  BMP,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil {
			t.Errorf("ParseFormat(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseFormat(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseFormat_Unsupported(t *testing.T) {
	for _, name := range []string{"GIF", "", "webp"} {
		_, err := ParseFormat(name)
		var unsupported *UnsupportedFormatError
		if !errors.As(err, &unsupported) {
			t.Errorf("ParseFormat(%q): expected UnsupportedFormatError, got %v", name, err)
		}
	}
	if err := Format("GIF").Validate(); err == nil {
		t.Error("Validate accepted GIF")
	}
}

func TestExtension(t *testing.T) {
	if PNG.Extension() != "png" || JPEG.Extension() != "jpeg" || TIFF.Extension() != "tiff" || BMP.Extension() != "bmp" {
		t.Errorf("unexpected extensions: %s %s %s %s", PNG.Extension(), JPEG.Extension(), TIFF.Extension(), BMP.Extension())
	}
}

func TestEncodePNG_RoundTrip(t *testing.T) {
	src := testImage(37, 23)
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, PNG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}
	samePixels(t, src, decoded)
}

// tiffTags returns the first value of every tag in the first IFD of a little
// endian TIFF file
func tiffTags(t *testing.T, data []byte) map[uint16]uint32 {
	t.Helper()
	if !bytes.HasPrefix(data, []byte("II*\x00")) {
		t.Fatalf("output is not a little endian TIFF file")
	}
	le := binary.LittleEndian
	off := int(le.Uint32(data[4:]))
	n := int(le.Uint16(data[off:]))
	tags := make(map[uint16]uint32, n)
	for i := 0; i < n; i++ {
		e := data[off+2+12*i:]
		tag, typ, count := le.Uint16(e), le.Uint16(e[2:]), le.Uint32(e[4:])
		value := e[8:12]
		switch {
		case typ == 3 && count > 2:
			value = data[le.Uint32(e[8:]):]
		case typ == 5:
			value = data[le.Uint32(e[8:]):]
		}
		if typ == 3 {
			tags[tag] = uint32(le.Uint16(value))
		} else {
			tags[tag] = le.Uint32(value)
		}
	}
	return tags
}

func TestEncodeTIFF_LZWRoundTrip(t *testing.T) {
	src := testImage(64, 40)
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, TIFF); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	tags := tiffTags(t, buf.Bytes())
	want := map[uint16]uint32{
		256: 64, // ImageWidth
		257: 40, // ImageLength
		258: 8,  // BitsPerSample
		259: 5,  // Compression LZW
		262: 2,  // Photometric RGB
		277: 3,  // SamplesPerPixel
		317: 2,  // Predictor horizontal
	}
	for tag, v := range want {
		if got, ok := tags[tag]; !ok || got != v {
			t.Errorf("tag %d: want %d, got %d (present %v)", tag, v, got, ok)
		}
	}
	if _, ok := tags[338]; ok {
		t.Errorf("unexpected ExtraSamples tag, output should carry no alpha")
	}

	decoded, err := xtiff.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("x/image tiff.Decode failed: %v", err)
	}
	samePixels(t, src, decoded)

	decoded, err = tiff.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("hhrutter tiff.Decode failed: %v", err)
	}
	samePixels(t, src, decoded)
}

func TestEncodeTIFF_FlattensAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, TIFF); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := tiffTags(t, buf.Bytes())[277]; got != 3 {
		t.Fatalf("SamplesPerPixel: want 3, got %d", got)
	}
	decoded, err := xtiff.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("tiff.Decode failed: %v", err)
	}
	var got []color.NRGBA
	for x := 0; x < 3; x++ {
		got = append(got, color.NRGBAModel.Convert(decoded.At(x, 0)).(color.NRGBA))
	}
	want := []color.NRGBA{{255, 0, 0, 255}, {255, 255, 255, 255}, {255, 255, 255, 255}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first row mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeBMP_RoundTrip(t *testing.T) {
	src := testImage(17, 9)
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, BMP); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := bmp.Decode(&buf)
	if err != nil {
		t.Fatalf("bmp.Decode failed: %v", err)
	}
	samePixels(t, src, decoded)
}

func TestEncodeJPEG_DropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for i := range src.Pix {
		src.Pix[i] = 0 // fully transparent black
	}
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, JPEG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatalf("jpeg.Decode failed: %v", err)
	}
	if decoded.Bounds().Dx() != 20 || decoded.Bounds().Dy() != 10 {
		t.Fatalf("unexpected size %v", decoded.Bounds())
	}
	// transparent pixels were composited over white
	r, g, b, _ := decoded.At(5, 5).RGBA()
	if r>>8 < 250 || g>>8 < 250 || b>>8 < 250 {
		t.Errorf("expected white after flattening, got %v", decoded.At(5, 5))
	}
}

func TestEncodeJPEG_Progressive(t *testing.T) {
	src := testImage(64, 48)
	var buf bytes.Buffer
	if err := Default.Encode(&buf, src, JPEG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := buf.Bytes()
	// SOF2 marks progressive DCT, SOF0 baseline
	if !bytes.Contains(data, []byte{0xFF, 0xC2}) {
		t.Errorf("expected a progressive SOF2 marker")
	}
	if bytes.Contains(data, []byte{0xFF, 0xC0, 0x00, 0x11}) {
		t.Errorf("unexpected baseline SOF0 marker")
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.DecodeConfig failed: %v", err)
	}
	if cfg.ColorModel != color.YCbCrModel {
		t.Errorf("expected a 3 component YCbCr image, got %v", cfg.ColorModel)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("unexpected size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncodePNG_BestCompression(t *testing.T) {
	src := testImage(128, 128)
	var best, def bytes.Buffer
	if err := Default.Encode(&best, src, PNG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&def, src); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	if best.Len() > def.Len() {
		t.Errorf("expected output no larger than default compression: %d > %d", best.Len(), def.Len())
	}
}

func TestEncode_RejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Default.Encode(&buf, testImage(2, 2), Format("GIF"))
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %d bytes", buf.Len())
	}
}

func TestDecode(t *testing.T) {
	src := testImage(8, 8)
	for _, f := range []Format{PNG, TIFF, BMP, JPEG} {
		var buf bytes.Buffer
		if err := Default.Encode(&buf, src, f); err != nil {
			t.Fatalf("%s: Encode failed: %v", f, err)
		}
		img, err := Default.Decode(&buf)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", f, err)
		}
		if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
			t.Errorf("%s: unexpected size %v", f, img.Bounds())
		}
	}
}
