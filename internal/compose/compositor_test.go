package compose

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-labs/shotprep/internal/backend"
)

// cutoutWith builds a w×h cutout whose alpha is opaque inside the given
// rectangles and fully transparent elsewhere.
func cutoutWith(w, h int, fills ...image.Rectangle) *backend.Cutout {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for _, r := range fills {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
			}
		}
	}
	return backend.NewCutout(img)
}

func testCompositor() *Compositor {
	return NewCompositor(DefaultConfig(1000), nil)
}

func TestPlaceInteriorSubjectCentered(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200, image.Rect(60, 60, 140, 140))

	canvas, pl := c.Place(cut)

	assert.Equal(t, RuleCentered, pl.Rule)
	require.Equal(t, image.Rect(0, 0, 1000, 1000), canvas.Bounds())

	// The subject's longer side lands on the fill target. The dest rect
	// is the work rect, which carries the crop margin past the subject.
	assert.InDelta(t, 850, 80*pl.Scale, 0.5)

	// Centered on both axes, up to the odd-pixel remainder.
	assert.InDelta(t, pl.Dest.Min.X, 1000-pl.Dest.Max.X, 1)
	assert.InDelta(t, pl.Dest.Min.Y, 1000-pl.Dest.Max.Y, 1)
	assert.True(t, pl.Dest.In(canvas.Bounds()))
}

func TestPlaceBottomTouchStaysFlush(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	// Subject cropped at the bottom of the source frame with plenty of
	// headroom above it.
	cut := cutoutWith(200, 200, image.Rect(60, 100, 140, 200))

	canvas, pl := c.Place(cut)

	assert.Equal(t, RuleAnchored, pl.Rule)
	assert.Equal(t, 1000, pl.Dest.Max.Y, "anchored edge must stay flush")
	assert.GreaterOrEqual(t, pl.Dest.Min.X, 0)
	assert.LessOrEqual(t, pl.Dest.Max.X, 1000)
	assert.True(t, pl.Dest.In(canvas.Bounds()))
}

// The fill target applies to the subject box, not the source frame: an
// edge-touching subject with frame slack on the other sides must still be
// scaled so its own longer side reaches the target.
func TestPlaceAnchoredScalesSubjectToFillTarget(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	// bbox 180×170 inside a 200×200 frame, flush at the bottom. Scaling
	// the frame to the target would leave the subject 10% short.
	cut := cutoutWith(200, 200, image.Rect(10, 30, 190, 200))

	_, pl := c.Place(cut)

	assert.Equal(t, RuleAnchored, pl.Rule)
	assert.InDelta(t, 850, 180*pl.Scale, 0.5)
	assert.Equal(t, 1000, pl.Dest.Max.Y)
	assert.LessOrEqual(t, pl.Dest.Dx(), 1000)
	assert.LessOrEqual(t, pl.Dest.Dy(), 1000)
}

// An extreme sliver touching an edge cannot be anchored convincingly;
// it falls through to the conservative fit rule.
func TestPlaceExtremeAspectFallsBackToFit(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200, image.Rect(95, 50, 105, 200))

	_, pl := c.Place(cut)

	assert.Equal(t, RuleFit, pl.Rule)
	// Fit never enlarges past the source when it already fits.
	assert.LessOrEqual(t, pl.Scale, 5.0)
	assert.LessOrEqual(t, pl.Dest.Dx(), 1000)
	assert.LessOrEqual(t, pl.Dest.Dy(), 1000)
}

// A near-square subject of moderate size gets the centered treatment even
// when it touches an edge; anchoring a box flush looks worse than
// recentering it.
func TestPlaceNearSquareModerateCenteredDespiteTouch(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200, image.Rect(50, 100, 150, 200))

	_, pl := c.Place(cut)
	assert.Equal(t, RuleCentered, pl.Rule)
}

// An all-transparent cutout must still produce an inspectable canvas.
func TestPlaceEmptyMaskDoesNotPanic(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200)

	canvas, pl := c.Place(cut)
	require.NotNil(t, canvas)
	assert.Equal(t, RuleFit, pl.Rule)
}

func TestPlaceFillsBackground(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200, image.Rect(60, 60, 140, 140))

	canvas, _ := c.Place(cut)
	corner := canvas.NRGBAAt(0, 0)
	assert.Equal(t, color.NRGBA{R: 245, G: 245, B: 245, A: 255}, corner)
}

func TestPlaceIsDeterministic(t *testing.T) {
	t.Parallel()

	c := testCompositor()
	cut := cutoutWith(200, 200, image.Rect(30, 40, 170, 160))

	first, pl1 := c.Place(cut)
	second, pl2 := c.Place(cut)

	assert.Equal(t, pl1, pl2)
	assert.Equal(t, first.Pix, second.Pix)
}

func TestAspect(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, aspect(image.Rect(0, 0, 10, 10)), 1e-9)
	assert.InDelta(t, 0.5, aspect(image.Rect(0, 0, 10, 20)), 1e-9)
	assert.Equal(t, 0.0, aspect(image.Rectangle{}))
}

func TestGrowBBoxClampsToFrame(t *testing.T) {
	t.Parallel()

	frame := image.Rect(0, 0, 100, 100)
	grown := growBBox(image.Rect(2, 2, 98, 98), frame, 0.10)
	assert.Equal(t, frame, grown)

	grown = growBBox(image.Rect(40, 40, 60, 60), frame, 0.10)
	assert.Equal(t, image.Rect(38, 38, 62, 62), grown)
}
