package fallback

import (
	"context"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/backend"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/executor"
	"github.com/aurelia-labs/shotprep/internal/quality"
	"github.com/aurelia-labs/shotprep/internal/resource"
)

type quietDevice struct{}

func (quietDevice) UsedFraction(ctx context.Context) (float64, error) { return 0.10, nil }
func (quietDevice) Reclaim(ctx context.Context, aggressive bool) error {
	return nil
}

// observingDevice counts usage observations so tests can assert the
// pressure check ran.
type observingDevice struct {
	mu        sync.Mutex
	usedCalls int
}

func (d *observingDevice) UsedFraction(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usedCalls++
	return 0.10, nil
}

func (d *observingDevice) Reclaim(ctx context.Context, aggressive bool) error { return nil }

func (d *observingDevice) used() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedCalls
}

// scriptedEngine returns canned Segment results in order, repeating the
// last one once the script runs out.
type scriptedEngine struct {
	id     constants.BackendID
	script []func(ctx context.Context) (*backend.Cutout, error)

	mu    sync.Mutex
	calls int
}

func (e *scriptedEngine) ID() constants.BackendID { return e.id }

func (e *scriptedEngine) Load(ctx context.Context, m constants.DeviceMode) error { return nil }

func (e *scriptedEngine) Unload(ctx context.Context) error { return nil }

func (e *scriptedEngine) Segment(ctx context.Context, img image.Image) (*backend.Cutout, error) {
	e.mu.Lock()
	idx := e.calls
	if idx >= len(e.script) {
		idx = len(e.script) - 1
	}
	e.calls++
	fn := e.script[idx]
	e.mu.Unlock()
	return fn(ctx)
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// acceptableCutout is a clean interior subject the balanced profile
// auto-accepts.
func acceptableCutout() *backend.Cutout {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 30; y < 70; y++ {
		for x := 30; x < 70; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return backend.NewCutout(img)
}

// reviewCutout has no foreground at all, which every profile flags.
func reviewCutout() *backend.Cutout {
	return backend.NewCutout(image.NewNRGBA(image.Rect(0, 0, 100, 100)))
}

func returns(cut *backend.Cutout, err error) func(ctx context.Context) (*backend.Cutout, error) {
	return func(ctx context.Context) (*backend.Cutout, error) { return cut, err }
}

func blocks(d time.Duration) func(ctx context.Context) (*backend.Cutout, error) {
	return func(ctx context.Context) (*backend.Cutout, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return acceptableCutout(), nil
	}
}

func newTestController(t *testing.T, primary, secondary *scriptedEngine, cfg Config) *Controller {
	t.Helper()
	return newControllerWithDevice(t, quietDevice{}, primary, secondary, cfg)
}

func newControllerWithDevice(t *testing.T, dev resource.Device, primary, secondary *scriptedEngine, cfg Config) *Controller {
	t.Helper()

	resCfg := common.ResourceConfig{
		HighWater: 0.90, WarnWater: 0.75, CritWater: 0.85,
		ReloadEvery: 0, AggressivePasses: 1,
		CooldownDelay: time.Millisecond, TimeoutThreshold: 2,
	}
	res := resource.NewManager(resCfg, dev, []backend.Engine{primary, secondary}, nil,
		resource.WithSleeper(func(time.Duration) {}))
	exec := executor.New(res, nil)

	profile, err := quality.ProfileByName("balanced")
	require.NoError(t, err)
	cls := quality.NewClassifier(profile, nil)

	return NewController(res, exec, cls, primary, secondary, cfg, nil)
}

func srcImage() image.Image {
	return image.NewNRGBA(image.Rect(0, 0, 100, 100))
}

func defaultCfg() Config {
	return Config{
		BaseTimeout:      200 * time.Millisecond,
		EscalatedTimeout: 400 * time.Millisecond,
		MaxRetries:       1,
		DegradedAccept:   true,
	}
}

func TestProcessPrimaryAutoAccept(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){returns(acceptableCutout(), nil)}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(acceptableCutout(), nil)}}

	ctrl := newTestController(t, primary, secondary, defaultCfg())
	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)

	assert.Equal(t, constants.BackendPrimary, out.Backend)
	assert.Equal(t, constants.VerdictAutoAccept, out.Verdict)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, secondary.callCount(), "secondary must not run when primary convinces")
}

func TestProcessFallsBackToSecondary(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(acceptableCutout(), nil)}}

	ctrl := newTestController(t, primary, secondary, defaultCfg())
	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)

	assert.Equal(t, constants.BackendSecondary, out.Backend)
	assert.Equal(t, constants.VerdictAutoAccept, out.Verdict)
	assert.Equal(t, 2, out.Attempts)
	require.NotEmpty(t, out.Notes)
	assert.Contains(t, out.Notes[0], "primary needs review")
}

func TestProcessDegradedAcceptPrefersPrimary(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}

	ctrl := newTestController(t, primary, secondary, defaultCfg())
	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)

	assert.Equal(t, constants.BackendPrimary, out.Backend)
	assert.Equal(t, constants.VerdictNeedsReview, out.Verdict)
}

func TestProcessDegradedAcceptUsesSecondaryWhenPrimaryEmpty(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){
			returns(nil, common.Errorf(common.KindBackendFailure, "decode failed"))}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}

	ctrl := newTestController(t, primary, secondary, defaultCfg())
	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)

	assert.Equal(t, constants.BackendSecondary, out.Backend)
	assert.Equal(t, constants.VerdictNeedsReview, out.Verdict)
}

func TestProcessBothFailWithoutDegradedAccept(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(reviewCutout(), nil)}}

	cfg := defaultCfg()
	cfg.DegradedAccept = false

	ctrl := newTestController(t, primary, secondary, cfg)
	out, err := ctrl.Process(context.Background(), srcImage())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, common.KindItemFailure, common.KindOf(err))
	assert.Contains(t, err.Error(), "no usable result")
}

func TestProcessBothErrorIsItemFailure(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){
			returns(nil, common.Errorf(common.KindDeviceError, "cuda fault"))}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){
			returns(nil, common.Errorf(common.KindBackendFailure, "bad response"))}}

	ctrl := newTestController(t, primary, secondary, defaultCfg())
	_, err := ctrl.Process(context.Background(), srcImage())
	require.Error(t, err)
	assert.Equal(t, common.KindItemFailure, common.KindOf(err))
}

// Pressure is reported after every inference, failed ones included: a
// call can fault and still leave allocations behind.
func TestProcessReportsPressureAfterFailedInference(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){
			returns(nil, common.Errorf(common.KindDeviceError, "cuda fault"))}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(acceptableCutout(), nil)}}

	dev := &observingDevice{}
	ctrl := newControllerWithDevice(t, dev, primary, secondary, defaultCfg())

	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)
	assert.Equal(t, constants.BackendSecondary, out.Backend)

	// One observation per Acquire (high-water check) and one per
	// inference: primary acquire, primary failure, secondary acquire,
	// secondary success.
	assert.Equal(t, 4, dev.used())
}

// A hanging primary must not sink the item: the timeout fires, the retry
// budget drains, and the secondary takes over.
func TestProcessPrimaryTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	primary := &scriptedEngine{id: constants.BackendPrimary,
		script: []func(context.Context) (*backend.Cutout, error){blocks(5 * time.Second)}}
	secondary := &scriptedEngine{id: constants.BackendSecondary,
		script: []func(context.Context) (*backend.Cutout, error){returns(acceptableCutout(), nil)}}

	cfg := Config{
		BaseTimeout:      20 * time.Millisecond,
		EscalatedTimeout: 40 * time.Millisecond,
		MaxRetries:       1,
		DegradedAccept:   true,
	}

	ctrl := newTestController(t, primary, secondary, cfg)

	start := time.Now()
	out, err := ctrl.Process(context.Background(), srcImage())
	require.NoError(t, err)

	assert.Equal(t, constants.BackendSecondary, out.Backend)
	assert.Equal(t, constants.VerdictAutoAccept, out.Verdict)
	assert.Equal(t, 3, out.Attempts, "base try + escalated retry + secondary")
	assert.Less(t, time.Since(start), 2*time.Second)

	found := false
	for _, n := range out.Notes {
		if strings.Contains(n, "timeout") {
			found = true
		}
	}
	assert.True(t, found, "notes should record the primary timeouts: %v", out.Notes)
}
