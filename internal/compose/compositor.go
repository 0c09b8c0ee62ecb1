// Package compose places a cutout onto the fixed-size listing canvas.
// Placement is deterministic: the same cutout and config always produce
// the same canvas.
package compose

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/aurelia-labs/shotprep/internal/backend"
	"github.com/aurelia-labs/shotprep/internal/quality"
)

// Rule names the placement branch taken, recorded in per-item notes.
type Rule string

const (
	RuleCentered Rule = "centered"  // interior or near-square subject, scaled to fill target
	RuleAnchored Rule = "anchored"  // flush against the single touched edge
	RuleFit      Rule = "fit"       // scale down to fit, no enlargement
)

// Placement reports what the compositor did with one cutout.
type Placement struct {
	Rule  Rule
	Dest  image.Rectangle
	Scale float64
}

type Config struct {
	Size              int     // square canvas side, e.g. 1000
	FillTarget        float64 // 0.85: longer bbox side as fraction of canvas
	MinOppositeMargin float64 // 0.05: required margin opposite a touched edge
	MinAspect         float64 // 0.35: short/long below this is "extreme"
	NearSquareAspect  float64 // bbox aspect at/above this counts as near-square
	AreaBandLow       float64 // moderate area-fraction band for near-square rule
	AreaBandHigh      float64
	CropMargin        float64 // pre-crop margin as fraction of bbox long side
	BBoxThreshold     uint8
	Background        color.NRGBA
}

func DefaultConfig(size int) Config {
	return Config{
		Size:              size,
		FillTarget:        0.85,
		MinOppositeMargin: 0.05,
		MinAspect:         0.35,
		NearSquareAspect:  0.90,
		AreaBandLow:       0.10,
		AreaBandHigh:      0.75,
		CropMargin:        0.02,
		BBoxThreshold:     128,
		Background:        color.NRGBA{R: 245, G: 245, B: 245, A: 255},
	}
}

type Compositor struct {
	cfg Config
	log *slog.Logger
}

func NewCompositor(cfg Config, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{cfg: cfg, log: logger}
}

// Place renders the cutout onto a fresh canvas and reports the placement.
func (c *Compositor) Place(cut *backend.Cutout) (*image.NRGBA, Placement) {
	size := c.cfg.Size
	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	fillBackground(canvas, c.cfg.Background)

	frame := cut.RGBA.Bounds()
	bbox, ok := quality.MaskBBox(cut.Mask, c.cfg.BBoxThreshold)
	if !ok {
		// Nothing detectable; keep the whole frame so degraded results
		// still produce an inspectable artifact.
		bbox = frame
	}

	touched := touchedEdges(bbox, frame)
	src := cut.RGBA
	work := frame

	// Safe pre-crop: only when the subject is fully interior, so an
	// ambiguous edge-touching mask is never cropped into.
	if len(touched) == 0 {
		work = growBBox(bbox, frame, c.cfg.CropMargin)
	}

	cw, ch := work.Dx(), work.Dy()
	target := c.cfg.FillTarget * float64(size)
	// The fill target is measured on the subject box, not the work rect:
	// uncropped frame slack around the subject must not shrink it. The
	// canvas cap still bounds the scaled work rect on both axes.
	bboxLong := float64(max(bbox.Dx(), bbox.Dy()))
	canvasFit := math.Min(float64(size)/float64(cw), float64(size)/float64(ch))

	var pl Placement
	switch {
	case len(touched) == 0 || c.nearSquareModerate(bbox, frame):
		scale := math.Min(target/bboxLong, canvasFit)
		pl = Placement{Rule: RuleCentered, Scale: scale}
		dw, dh := scaled(cw, ch, scale)
		pl.Dest = centeredRect(dw, dh, size, size)

	case len(touched) == 1 && c.oppositeMarginOK(bbox, frame, touched[0]) && aspect(bbox) >= c.cfg.MinAspect:
		scale := 1.0
		if bboxLong < target {
			scale = target / bboxLong
		}
		scale = math.Min(scale, canvasFit)
		dw, dh := scaled(cw, ch, scale)
		pl = Placement{Rule: RuleAnchored, Scale: scale}
		pl.Dest = anchoredRect(dw, dh, size, touched[0])

	default:
		scale := math.Min(1.0, canvasFit)
		dw, dh := scaled(cw, ch, scale)
		pl = Placement{Rule: RuleFit, Scale: scale}
		pl.Dest = centeredRect(dw, dh, size, size)
	}

	xdraw.CatmullRom.Scale(canvas, pl.Dest, src, work, xdraw.Over, nil)

	c.log.Debug("compose.place",
		"rule", string(pl.Rule), "scale", pl.Scale,
		"dest", pl.Dest.String(), "touched_edges", len(touched))
	return canvas, pl
}

type edge int

const (
	edgeLeft edge = iota
	edgeTop
	edgeRight
	edgeBottom
)

func touchedEdges(bbox, frame image.Rectangle) []edge {
	var out []edge
	if bbox.Min.X <= frame.Min.X {
		out = append(out, edgeLeft)
	}
	if bbox.Min.Y <= frame.Min.Y {
		out = append(out, edgeTop)
	}
	if bbox.Max.X >= frame.Max.X {
		out = append(out, edgeRight)
	}
	if bbox.Max.Y >= frame.Max.Y {
		out = append(out, edgeBottom)
	}
	return out
}

func (c *Compositor) nearSquareModerate(bbox, frame image.Rectangle) bool {
	frameArea := frame.Dx() * frame.Dy()
	if frameArea == 0 {
		return false
	}
	areaFrac := float64(bbox.Dx()*bbox.Dy()) / float64(frameArea)
	return aspect(bbox) >= c.cfg.NearSquareAspect &&
		areaFrac >= c.cfg.AreaBandLow && areaFrac <= c.cfg.AreaBandHigh
}

func (c *Compositor) oppositeMarginOK(bbox, frame image.Rectangle, e edge) bool {
	switch e {
	case edgeLeft:
		return float64(frame.Max.X-bbox.Max.X) >= c.cfg.MinOppositeMargin*float64(frame.Dx())
	case edgeRight:
		return float64(bbox.Min.X-frame.Min.X) >= c.cfg.MinOppositeMargin*float64(frame.Dx())
	case edgeTop:
		return float64(frame.Max.Y-bbox.Max.Y) >= c.cfg.MinOppositeMargin*float64(frame.Dy())
	default:
		return float64(bbox.Min.Y-frame.Min.Y) >= c.cfg.MinOppositeMargin*float64(frame.Dy())
	}
}

func aspect(r image.Rectangle) float64 {
	long := float64(max(r.Dx(), r.Dy()))
	if long == 0 {
		return 0
	}
	return float64(min(r.Dx(), r.Dy())) / long
}

func growBBox(bbox, frame image.Rectangle, marginFrac float64) image.Rectangle {
	m := int(marginFrac * float64(max(bbox.Dx(), bbox.Dy())))
	return image.Rect(bbox.Min.X-m, bbox.Min.Y-m, bbox.Max.X+m, bbox.Max.Y+m).Intersect(frame)
}

func scaled(w, h int, scale float64) (int, int) {
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

func centeredRect(w, h, canvasW, canvasH int) image.Rectangle {
	x := (canvasW - w) / 2
	y := (canvasH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// anchoredRect keeps the touched edge flush (zero offset on that axis) and
// centers on the perpendicular axis.
func anchoredRect(w, h, size int, e edge) image.Rectangle {
	switch e {
	case edgeLeft:
		y := (size - h) / 2
		return image.Rect(0, y, w, y+h)
	case edgeRight:
		y := (size - h) / 2
		return image.Rect(size-w, y, size, y+h)
	case edgeTop:
		x := (size - w) / 2
		return image.Rect(x, 0, x+w, h)
	default:
		x := (size - w) / 2
		return image.Rect(x, size-h, x+w, size)
	}
}

func fillBackground(img *image.NRGBA, c color.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
}
