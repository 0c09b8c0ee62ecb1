// Package quality grades segmentation masks. The classifier is two-tier:
// a cheap pre-check on foreground ratio and border contact, then (only
// when the pre-check is inconclusive) a connected-component pass that
// catches foreground bleed into a second object.
package quality

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/nfnt/resize"

	"github.com/aurelia-labs/shotprep/constants"
)

// Result carries the verdict plus a human-readable reason for the table.
type Result struct {
	Verdict constants.Verdict
	Reason  string
}

type Classifier struct {
	profile Profile
	log     *slog.Logger
}

func NewClassifier(profile Profile, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{profile: profile, log: logger}
}

func (c *Classifier) Profile() Profile { return c.profile }

// Classify grades one alpha mask.
func (c *Classifier) Classify(mask *image.Gray) Result {
	p := c.profile

	work := subsample(mask, p.SubsamplePixels)
	ratio := foregroundRatio(work, p.BinarizeThreshold)

	if ratio < p.MinForegroundRatio {
		return review(fmt.Sprintf("foreground ratio %.3f below minimum %.3f", ratio, p.MinForegroundRatio))
	}
	if ratio > p.MaxForegroundRatio {
		return review(fmt.Sprintf("foreground ratio %.3f near total coverage (max %.3f)", ratio, p.MaxForegroundRatio))
	}

	bbox, ok := MaskBBox(work, p.BinarizeThreshold)
	if !ok {
		return review("empty mask")
	}
	touches := EdgeTouches(bbox, work.Bounds())
	if touches >= p.MaxEdgeTouches {
		return review(fmt.Sprintf("bounding box touches %d borders (max %d)", touches, p.MaxEdgeTouches))
	}

	// Cheap check inconclusive: count significant components.
	significant := significantComponents(work, p.BinarizeThreshold, p.MinComponentAreaFrac)
	if significant >= 2 {
		return review(fmt.Sprintf("%d significant components, likely foreground bleed", significant))
	}

	return Result{
		Verdict: constants.VerdictAutoAccept,
		Reason:  fmt.Sprintf("single dominant component, ratio %.3f, %d border contacts", ratio, touches),
	}
}

func review(reason string) Result {
	return Result{Verdict: constants.VerdictNeedsReview, Reason: reason}
}

// subsample shrinks very large masks before per-pixel work. Nearest
// neighbor keeps the binarization crisp.
func subsample(mask *image.Gray, maxPixels int) *image.Gray {
	if maxPixels <= 0 {
		return mask
	}
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	if w*h <= maxPixels {
		return mask
	}
	scale := math.Sqrt(float64(maxPixels) / float64(w*h))
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	shrunk := resize.Resize(uint(nw), uint(nh), mask, resize.NearestNeighbor)
	if g, ok := shrunk.(*image.Gray); ok {
		return g
	}
	g := image.NewGray(shrunk.Bounds())
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			g.Set(x, y, shrunk.At(x, y))
		}
	}
	return g
}

func foregroundRatio(mask *image.Gray, threshold uint8) float64 {
	b := mask.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	fg := 0
	for y := 0; y < b.Dy(); y++ {
		row := y * mask.Stride
		for x := 0; x < b.Dx(); x++ {
			if mask.Pix[row+x] >= threshold {
				fg++
			}
		}
	}
	return float64(fg) / float64(total)
}

// MaskBBox computes the foreground bounding box with a hard cutoff.
// Returns ok=false for an all-background mask.
func MaskBBox(mask *image.Gray, threshold uint8) (image.Rectangle, bool) {
	b := mask.Bounds()
	minX, minY := b.Dx(), b.Dy()
	maxX, maxY := -1, -1
	for y := 0; y < b.Dy(); y++ {
		row := y * mask.Stride
		for x := 0; x < b.Dx(); x++ {
			if mask.Pix[row+x] >= threshold {
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// EdgeTouches counts how many of the four frame borders the bounding box
// reaches.
func EdgeTouches(bbox, frame image.Rectangle) int {
	touches := 0
	if bbox.Min.X <= frame.Min.X {
		touches++
	}
	if bbox.Min.Y <= frame.Min.Y {
		touches++
	}
	if bbox.Max.X >= frame.Max.X {
		touches++
	}
	if bbox.Max.Y >= frame.Max.Y {
		touches++
	}
	return touches
}
