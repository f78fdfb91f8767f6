// Package enhance applies the optional cosmetic pass run on every rendered page:
// a contrast adjustment followed by a sharpness adjustment.
//
// Both adjustments are expressed as a blend between the page and a "degenerate"
// version of it, weighted by a multiplier. A multiplier of 1.0 yields the page
// itself, values above 1.0 push the page away from the degenerate image.
// For contrast the degenerate image is uniform grey at the page's mean
// luminance, for sharpness it is a 3x3 smoothed copy of the page.
package enhance

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultMultiplier is the contrast and sharpness factor used when enhancement is on
const DefaultMultiplier = 1.1

// smoothKernel matches the classic SMOOTH filter: centre weight 5, neighbours 1
var smoothKernel = [9]float64{
	1, 1, 1,
	1, 5, 1,
	1, 1, 1,
}

// Options holds the multipliers for the two adjustments
type Options struct {
	Contrast  float64
	Sharpness float64
}

// DefaultOptions returns the 1.1/1.1 enhancement
func DefaultOptions() Options {
	return Options{Contrast: DefaultMultiplier, Sharpness: DefaultMultiplier}
}

// Validate rejects multipliers that are negative, NaN or infinite
func (o Options) Validate() error {
	for name, v := range map[string]float64{"contrast": o.Contrast, "sharpness": o.Sharpness} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s multiplier %v", name, v)
		}
	}
	return nil
}

// Apply runs contrast then sharpness on img. On any failure the original image
// is returned (as NRGBA) together with the error, so callers can log it and carry on.
func Apply(img image.Image, opts Options) (out *image.NRGBA, err error) {
	original := toNRGBA(img)
	defer func() {
		if r := recover(); r != nil {
			out = original
			err = fmt.Errorf("enhancement panicked: %v", r)
		}
	}()
	if err := opts.Validate(); err != nil {
		return original, err
	}
	b := original.Bounds()
	if b.Empty() {
		return original, nil
	}

	result := original
	if opts.Contrast != 1 {
		result = Contrast(result, opts.Contrast)
	}
	if opts.Sharpness != 1 {
		result = Sharpness(result, opts.Sharpness)
	}
	if result.Bounds().Dx() != b.Dx() || result.Bounds().Dy() != b.Dy() {
		return original, fmt.Errorf("enhancement changed size from %v to %v", b.Size(), result.Bounds().Size())
	}
	return result, nil
}

// Contrast blends img with a flat grey image of its mean luminance
func Contrast(img image.Image, factor float64) *image.NRGBA {
	mean := meanLuminance(img)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: blend(mean, float64(c.R), factor),
			G: blend(mean, float64(c.G), factor),
			B: blend(mean, float64(c.B), factor),
			A: c.A,
		}
	})
}

// Sharpness blends img with a smoothed copy of itself
func Sharpness(img image.Image, factor float64) *image.NRGBA {
	src := toNRGBA(img)
	smooth := imaging.Convolve3x3(src, smoothKernel, &imaging.ConvolveOptions{Normalize: true})
	dst := image.NewNRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	for y := 0; y < dst.Rect.Dy(); y++ {
		si := y * src.Stride
		mi := y * smooth.Stride
		di := y * dst.Stride
		for x := 0; x < dst.Rect.Dx(); x++ {
			for c := 0; c < 3; c++ {
				dst.Pix[di+c] = blend(float64(smooth.Pix[mi+c]), float64(src.Pix[si+c]), factor)
			}
			dst.Pix[di+3] = src.Pix[si+3]
			si += 4
			mi += 4
			di += 4
		}
	}
	return dst
}

// blend computes degenerate + factor*(value-degenerate), rounded and clamped
func blend(degenerate, value, factor float64) uint8 {
	v := degenerate + factor*(value-degenerate)
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// meanLuminance uses the ITU-R 601-2 luma transform, rounded to an integer level
func meanLuminance(img image.Image) float64 {
	src := toNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum int64
	for y := 0; y < h; y++ {
		i := y * src.Stride
		for x := 0; x < w; x++ {
			r, g, b := int64(src.Pix[i]), int64(src.Pix[i+1]), int64(src.Pix[i+2])
			sum += (r*299 + g*587 + b*114) / 1000
			i += 4
		}
	}
	return math.Floor(float64(sum)/float64(w*h) + 0.5)
}

// toNRGBA returns img itself when it already is a zero-origin NRGBA
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}
