package encoder

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pixiv/go-libjpeg/jpeg"
	"github.com/pixiv/go-libjpeg/rgb"
)

// Format is one of the supported raster output formats
type Format string

const (
	PNG  Format = "PNG"
	JPEG Format = "JPEG"
	TIFF Format = "TIFF"
	BMP  Format = "BMP"
)

// JPEGQuality is the fixed quality used for JPEG output
const JPEGQuality = 95

// PNGCompression trades encode time for the smallest lossless output
const PNGCompression = png.BestCompression

// UnsupportedFormatError is returned when a format name is not one of PNG, JPEG, TIFF or BMP
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported output format: %q", e.Format)
}

// ParseFormat validates a user supplied format name. JPG is accepted as JPEG.
func ParseFormat(name string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PNG":
		return PNG, nil
	case "JPEG", "JPG":
		return JPEG, nil
	case "TIFF", "TIF":
		return TIFF, nil
	case "BMP":
		return BMP, nil
	}
	return "", &UnsupportedFormatError{Format: name}
}

// Validate reports an UnsupportedFormatError for anything that ParseFormat would not produce
func (f Format) Validate() error {
	switch f {
	case PNG, JPEG, TIFF, BMP:
		return nil
	}
	return &UnsupportedFormatError{Format: string(f)}
}

// Extension returns the file extension for the format, without the dot
func (f Format) Extension() string {
	return strings.ToLower(string(f))
}

// ContentType returns the MIME type of the encoded output
func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case TIFF:
		return "image/tiff"
	case BMP:
		return "image/bmp"
	}
	return "image/png"
}

// RasterCodec encodes pixel buffers to and decodes them from the supported formats
type RasterCodec interface {
	Encode(w io.Writer, img image.Image, format Format) error
	Decode(r io.Reader) (image.Image, error)
}

// ImagingCodec is the default codec. PNG and BMP go through disintegration/imaging,
// JPEG through libjpeg and TIFF through an RGB writer on hhrutter/lzw.
type ImagingCodec struct{}

// Default is the codec used when none is configured
var Default RasterCodec = ImagingCodec{}

// Encode writes img to w using the fixed policy of the format
func (ImagingCodec) Encode(w io.Writer, img image.Image, format Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	switch format {
	case PNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(PNGCompression))
	case JPEG:
		return encodeJPEG(w, img)
	case TIFF:
		return encodeTIFF(w, img)
	default:
		return imaging.Encode(w, img, imaging.BMP)
	}
}

// Decode reads any format registered with the image package, including TIFF and BMP
func (ImagingCodec) Decode(r io.Reader) (image.Image, error) {
	return imaging.Decode(r)
}

// encodeJPEG writes a progressive JPEG with optimized Huffman tables. libjpeg
// applies its default 4:2:0 chroma subsampling to RGB input.
func encodeJPEG(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, toRGB(img), &jpeg.EncoderOptions{
		Quality:         JPEGQuality,
		OptimizeCoding:  true,
		ProgressiveMode: true,
	})
}

// toRGB flattens img and packs it as 3 byte pixels
func toRGB(img image.Image) *rgb.Image {
	n := imaging.Clone(Opaque(img))
	out := rgb.NewImage(n.Rect)
	for y := 0; y < n.Rect.Dy(); y++ {
		src := n.Pix[y*n.Stride : y*n.Stride+4*n.Rect.Dx()]
		dst := out.Pix[y*out.Stride:]
		for x := 0; 4*x < len(src); x++ {
			copy(dst[3*x:3*x+3], src[4*x:4*x+3])
		}
	}
	return out
}

// Opaque flattens img against a white background. Images that are already
// opaque are returned as they are.
func Opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	background := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
}
