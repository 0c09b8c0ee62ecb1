// Package fallback sequences the two backends for one work item:
// primary → classify → secondary → classify → degraded accept. Every
// failure mode is converted into either a usable outcome or a single
// ITEM_FAILURE error; nothing here aborts the surrounding job.
package fallback

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/backend"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/executor"
	"github.com/aurelia-labs/shotprep/internal/quality"
	"github.com/aurelia-labs/shotprep/internal/resource"
)

type Config struct {
	BaseTimeout      time.Duration
	EscalatedTimeout time.Duration
	MaxRetries       int // bounded retries per backend after a timeout
	DegradedAccept   bool
}

// Outcome is the per-item terminal result handed to the job driver.
type Outcome struct {
	Cutout   *backend.Cutout
	Backend  constants.BackendID
	Verdict  constants.Verdict
	Reason   string
	Attempts int
	Notes    []string
}

type Controller struct {
	res       *resource.Manager
	exec      *executor.Executor
	classify  *quality.Classifier
	primary   backend.Engine
	secondary backend.Engine
	cfg       Config
	log       *slog.Logger
}

func NewController(res *resource.Manager, exec *executor.Executor, cls *quality.Classifier,
	primary, secondary backend.Engine, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		res: res, exec: exec, classify: cls,
		primary: primary, secondary: secondary,
		cfg: cfg, log: logger,
	}
}

// Process runs the full fallback sequence for one image. The returned
// error is always KindItemFailure: both backends exhausted, no result.
func (c *Controller) Process(ctx context.Context, img image.Image) (*Outcome, error) {
	var (
		attempts int
		notes    []string
	)

	primaryCut := c.runBackend(ctx, img, c.primary, &attempts, &notes)

	var primaryResult *quality.Result
	if primaryCut != nil {
		r := c.classify.Classify(primaryCut.Mask)
		primaryResult = &r
		c.log.Info("fallback.primary.classified", "verdict", r.Verdict, "reason", r.Reason)
		if r.Verdict == constants.VerdictAutoAccept {
			return &Outcome{
				Cutout: primaryCut, Backend: constants.BackendPrimary,
				Verdict: r.Verdict, Reason: r.Reason,
				Attempts: attempts, Notes: notes,
			}, nil
		}
		notes = append(notes, "primary needs review: "+r.Reason)
	}

	secondaryCut := c.runBackend(ctx, img, c.secondary, &attempts, &notes)

	var secondaryResult *quality.Result
	if secondaryCut != nil {
		r := c.classify.Classify(secondaryCut.Mask)
		secondaryResult = &r
		c.log.Info("fallback.secondary.classified", "verdict", r.Verdict, "reason", r.Reason)
		if r.Verdict == constants.VerdictAutoAccept {
			return &Outcome{
				Cutout: secondaryCut, Backend: constants.BackendSecondary,
				Verdict: r.Verdict, Reason: r.Reason,
				Attempts: attempts, Notes: notes,
			}, nil
		}
		notes = append(notes, "secondary needs review: "+r.Reason)
	}

	// Degraded accept: a present-but-unconvincing result beats nothing.
	// Primary wins ties; secondary only fills a primary-shaped hole.
	if c.cfg.DegradedAccept {
		if primaryCut != nil {
			return &Outcome{
				Cutout: primaryCut, Backend: constants.BackendPrimary,
				Verdict: constants.VerdictNeedsReview, Reason: primaryResult.Reason,
				Attempts: attempts, Notes: notes,
			}, nil
		}
		if secondaryCut != nil {
			return &Outcome{
				Cutout: secondaryCut, Backend: constants.BackendSecondary,
				Verdict: constants.VerdictNeedsReview, Reason: secondaryResult.Reason,
				Attempts: attempts, Notes: notes,
			}, nil
		}
	}

	return nil, common.Errorf(common.KindItemFailure,
		"no usable result after %d attempts: %s", attempts, strings.Join(notes, "; "))
}

// runBackend acquires the engine and runs it through the bounded executor
// with the per-backend retry policy. A nil return means this backend
// produced nothing; the reason is appended to notes.
func (c *Controller) runBackend(ctx context.Context, img image.Image, eng backend.Engine, attempts *int, notes *[]string) *backend.Cutout {
	id := eng.ID()

	if c.res.TimeoutThresholdReached() {
		c.res.ForceReload(ctx)
	}

	acquired, err := c.res.Acquire(ctx, id)
	if err != nil {
		c.log.Error("fallback.acquire.failed", "backend", id, "error", err)
		*notes = append(*notes, fmt.Sprintf("%s acquire: %v", strings.ToLower(string(id)), err))
		return nil
	}

	timeout := c.cfg.BaseTimeout
	for try := 0; try <= c.cfg.MaxRetries; try++ {
		out := c.exec.Run(ctx, timeout, func(callCtx context.Context) (*backend.Cutout, error) {
			return acquired.Segment(callCtx, img)
		})
		*attempts++

		switch out.Status {
		case executor.Ok:
			c.res.ReportPressure(ctx)
			return out.Cutout

		case executor.TimedOut:
			c.log.Warn("fallback.backend.timeout",
				"backend", id, "try", try+1, "timeout_ms", timeout.Milliseconds())
			*notes = append(*notes, fmt.Sprintf("%s timeout after %s (try %d)",
				strings.ToLower(string(id)), timeout, try+1))
			timeout = c.cfg.EscalatedTimeout
			if c.res.TimeoutThresholdReached() {
				c.res.ForceReload(ctx)
			}

		case executor.Failed:
			kind := common.KindOf(out.Err)
			c.log.Error("fallback.backend.failed", "backend", id, "kind", kind, "error", out.Err)
			*notes = append(*notes, fmt.Sprintf("%s %s: %v", strings.ToLower(string(id)), kind, out.Err))
			// A failed inference can leave as much memory behind as a
			// successful one.
			c.res.ReportPressure(ctx)
			return nil
		}
	}

	return nil
}
