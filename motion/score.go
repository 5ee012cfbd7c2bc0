package motion

import (
	"image"
	"image/color"

	"github.com/disintegration/gift"
)

// bgrImage exposes a raw BGR frame as an image.Image without copying it.
type bgrImage struct {
	pix  []byte
	rect image.Rectangle
}

func (b *bgrImage) ColorModel() color.Model { return color.RGBAModel }

func (b *bgrImage) Bounds() image.Rectangle { return b.rect }

func (b *bgrImage) At(x, y int) color.Color {
	i := (y*b.rect.Dx() + x) * 3
	return color.RGBA{R: b.pix[i+2], G: b.pix[i+1], B: b.pix[i], A: 0xff}
}

// Preprocessor turns raw BGR frames into blurred grayscale images.
type Preprocessor struct {
	width  int
	height int
	filter *gift.GIFT
}

// NewPreprocessor builds the grayscale + Gaussian blur pipeline. A sigma of
// 3.5 matches a 21x21 kernel.
func NewPreprocessor(width, height int, sigma float32) *Preprocessor {
	return &Preprocessor{
		width:  width,
		height: height,
		filter: gift.New(
			gift.Grayscale(),
			gift.GaussianBlur(sigma),
		),
	}
}

// Bounds returns the size of the images produced by Apply.
func (p *Preprocessor) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.width, p.height)
}

// Apply renders frame into dst, allocating dst when nil.
func (p *Preprocessor) Apply(dst *image.Gray, frame []byte) *image.Gray {
	if dst == nil {
		dst = image.NewGray(p.Bounds())
	}
	p.filter.Draw(dst, &bgrImage{pix: frame, rect: p.Bounds()})
	return dst
}

// Preprocess is a one-shot Apply with the default blur.
func Preprocess(frame []byte, width, height int) *image.Gray {
	return NewPreprocessor(width, height, defaultBlurSigma).Apply(nil, frame)
}

// Score counts the pixels whose intensity differs by more than delta.
func Score(prev, cur *image.Gray, delta uint8) int {
	var count int
	for i, a := range cur.Pix {
		b := prev.Pix[i]
		if a > b {
			if a-b > delta {
				count++
			}
		} else if b-a > delta {
			count++
		}
	}
	return count
}

// blank reports a frame with no data at all, as left by a producer that
// has mapped the segment but not decoded anything yet.
func blank(frame []byte) bool {
	for _, b := range frame {
		if b != 0 {
			return false
		}
	}
	return true
}
