package backend

import (
	"context"
	"image"
	"image/draw"

	"github.com/aurelia-labs/shotprep/constants"
)

// Engine is the black-box contract of one segmentation backend. Load and
// Unload move the model in and out of accelerator memory; Segment runs one
// inference. None of the methods are safe for concurrent use.
type Engine interface {
	ID() constants.BackendID
	Load(ctx context.Context, mode constants.DeviceMode) error
	Unload(ctx context.Context) error
	Segment(ctx context.Context, img image.Image) (*Cutout, error)
}

// Cutout is a segmentation result: the RGBA cutout and its alpha mask.
type Cutout struct {
	RGBA *image.NRGBA
	Mask *image.Gray
}

// NewCutout derives the alpha mask from the cutout's alpha channel.
func NewCutout(rgba *image.NRGBA) *Cutout {
	return &Cutout{RGBA: rgba, Mask: AlphaMask(rgba)}
}

// AlphaMask extracts the alpha channel as a grayscale mask.
func AlphaMask(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := y * img.Stride
		for x := 0; x < b.Dx(); x++ {
			mask.Pix[y*mask.Stride+x] = img.Pix[row+x*4+3]
		}
	}
	return mask
}

// ToNRGBA normalizes any decoded image to NRGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
