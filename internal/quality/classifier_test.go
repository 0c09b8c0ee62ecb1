package quality

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-labs/shotprep/constants"
)

// grayMask builds a w×h mask with the given rectangles filled foreground.
func grayMask(w, h int, fills ...image.Rectangle) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for _, r := range fills {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				m.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return m
}

func balancedClassifier(t *testing.T) *Classifier {
	t.Helper()
	p, err := ProfileByName("balanced")
	require.NoError(t, err)
	return NewClassifier(p, nil)
}

func TestClassifyEmptyMaskNeedsReview(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	res := c.Classify(grayMask(100, 100))

	assert.Equal(t, constants.VerdictNeedsReview, res.Verdict)
	assert.Contains(t, res.Reason, "foreground ratio")
}

func TestClassifyFullCoverageNeedsReview(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	res := c.Classify(grayMask(100, 100, image.Rect(0, 0, 100, 100)))

	assert.Equal(t, constants.VerdictNeedsReview, res.Verdict)
	assert.Contains(t, res.Reason, "total coverage")
}

func TestClassifyInteriorSubjectAutoAccepts(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	res := c.Classify(grayMask(100, 100, image.Rect(30, 30, 70, 70)))

	assert.Equal(t, constants.VerdictAutoAccept, res.Verdict)
	assert.Contains(t, res.Reason, "single dominant component")
}

// Spanning the full width means the subject was likely clipped on both
// sides; balanced allows at most one border contact.
func TestClassifyTwoEdgeTouchesNeedsReview(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	res := c.Classify(grayMask(100, 100, image.Rect(0, 30, 100, 70)))

	assert.Equal(t, constants.VerdictNeedsReview, res.Verdict)
	assert.Contains(t, res.Reason, "borders")
}

func TestClassifySingleEdgeTouchAcceptedByBalanced(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	// Flush against the bottom only, everywhere else clear.
	res := c.Classify(grayMask(100, 100, image.Rect(30, 40, 70, 100)))

	assert.Equal(t, constants.VerdictAutoAccept, res.Verdict)
}

func TestClassifySingleEdgeTouchRejectedByConservative(t *testing.T) {
	t.Parallel()

	p, err := ProfileByName("conservative")
	require.NoError(t, err)
	c := NewClassifier(p, nil)

	res := c.Classify(grayMask(100, 100, image.Rect(30, 40, 70, 100)))
	assert.Equal(t, constants.VerdictNeedsReview, res.Verdict)
}

func TestClassifyTwoSignificantComponentsNeedsReview(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	// Two separated blobs, each well over the 5% area floor.
	res := c.Classify(grayMask(100, 100,
		image.Rect(10, 10, 40, 40),
		image.Rect(60, 60, 90, 90)))

	assert.Equal(t, constants.VerdictNeedsReview, res.Verdict)
	assert.Contains(t, res.Reason, "components")
}

func TestClassifyTinySecondComponentIgnored(t *testing.T) {
	t.Parallel()

	c := balancedClassifier(t)
	// One dominant blob plus a speck far below the area floor.
	res := c.Classify(grayMask(100, 100,
		image.Rect(20, 20, 60, 60),
		image.Rect(80, 80, 84, 84)))

	assert.Equal(t, constants.VerdictAutoAccept, res.Verdict)
}

// Large masks are shrunk before the per-pixel passes; the verdict must
// not change for a clean interior subject.
func TestClassifySubsamplesLargeMasks(t *testing.T) {
	t.Parallel()

	p, err := ProfileByName("balanced")
	require.NoError(t, err)
	p.SubsamplePixels = 64 * 64
	c := NewClassifier(p, nil)

	res := c.Classify(grayMask(400, 400, image.Rect(120, 120, 280, 280)))
	assert.Equal(t, constants.VerdictAutoAccept, res.Verdict)
}

func TestMaskBBox(t *testing.T) {
	t.Parallel()

	m := grayMask(50, 50, image.Rect(10, 15, 30, 40))
	bbox, ok := MaskBBox(m, 128)
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 15, 30, 40), bbox)

	_, ok = MaskBBox(grayMask(50, 50), 128)
	assert.False(t, ok)
}

func TestEdgeTouches(t *testing.T) {
	t.Parallel()

	frame := image.Rect(0, 0, 100, 100)
	assert.Equal(t, 0, EdgeTouches(image.Rect(10, 10, 90, 90), frame))
	assert.Equal(t, 1, EdgeTouches(image.Rect(0, 10, 90, 90), frame))
	assert.Equal(t, 2, EdgeTouches(image.Rect(0, 10, 100, 90), frame))
	assert.Equal(t, 4, EdgeTouches(frame, frame))
}

func TestSignificantComponents(t *testing.T) {
	t.Parallel()

	m := grayMask(100, 100,
		image.Rect(0, 0, 30, 30),
		image.Rect(50, 50, 80, 80),
		image.Rect(90, 90, 92, 92)) // speck

	assert.Equal(t, 2, significantComponents(m, 128, 0.05))
	assert.Equal(t, 3, significantComponents(m, 128, 0.0001))
	assert.Equal(t, 0, significantComponents(grayMask(100, 100), 128, 0.05))
}
