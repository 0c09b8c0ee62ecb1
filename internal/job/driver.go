// Package job is the checkpoint/resume batch driver. It walks the work
// queue one item at a time (the backends share a singleton accelerator, so
// there is deliberately no item-level parallelism), flushes the table and
// checkpoint at a bounded interval with atomic writes, and exits
// Interrupted rather than Failed on a cooperative stop.
package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/artifact"
	"github.com/aurelia-labs/shotprep/internal/checkpoint"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/compose"
	"github.com/aurelia-labs/shotprep/internal/dataset"
	"github.com/aurelia-labs/shotprep/internal/fallback"
	"github.com/aurelia-labs/shotprep/internal/history"
	"github.com/aurelia-labs/shotprep/internal/resource"
)

// Summary is the terminal report of one run.
type Summary struct {
	RunID     string              `json:"run_id"`
	Status    constants.RunStatus `json:"status"`
	Total     int                 `json:"total"`
	Skipped   int                 `json:"skipped"` // already flushed by a prior run
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Reviewed  int                 `json:"reviewed"`
}

// Progress is a live snapshot for the daemon's status endpoint.
type Progress struct {
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
	Reviewed  int    `json:"reviewed"`
	CurrentID string `json:"current_id,omitempty"`
}

type Config struct {
	OutRoot        string
	ProfileName    string
	FlushEvery     int
	ArtifactFormat string // reserved; png only for now
}

type Driver struct {
	table *dataset.Table
	ckpt  *checkpoint.Store
	ctrl  *fallback.Controller
	comp  *compose.Compositor
	res   *resource.Manager
	store artifact.Store
	hist  *history.Store // optional
	cfg   Config
	log   *slog.Logger

	runID string

	mu       sync.Mutex
	progress Progress
}

func NewDriver(table *dataset.Table, ckpt *checkpoint.Store, ctrl *fallback.Controller,
	comp *compose.Compositor, res *resource.Manager, store artifact.Store,
	hist *history.Store, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushEvery < 1 {
		cfg.FlushEvery = 5
	}
	return &Driver{
		table: table, ckpt: ckpt, ctrl: ctrl, comp: comp, res: res,
		store: store, hist: hist, cfg: cfg, log: logger,
		runID: ksuid.New().String(),
	}
}

func (d *Driver) RunID() string { return d.runID }

// ResourceState exposes the resource manager snapshot for status surfaces.
func (d *Driver) ResourceState() resource.State { return d.res.Snapshot() }

// Snapshot returns the live progress, safe to call from other goroutines.
func (d *Driver) Snapshot() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Run executes the job to completion, interruption, or fatal storage
// error. The returned error is non-nil only for fatal errors; an
// interrupted run is a normal, resumable exit.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sig := checkpoint.Signature(d.table.Path(), d.cfg.OutRoot, d.cfg.ProfileName)

	rec, err := d.ckpt.Load(sig)
	if err != nil {
		if errors.Is(err, checkpoint.ErrSignatureMismatch) {
			d.log.Warn("job.checkpoint.mismatch", "path", d.ckpt.Path())
			rec = &checkpoint.Record{JobSignature: sig}
		} else {
			return Summary{Status: constants.RunStatusFailed},
				common.NewError(common.KindFatal, "load checkpoint", err)
		}
	}

	processed := make(map[string]bool, len(rec.ProcessedIDs))
	for _, id := range rec.ProcessedIDs {
		processed[id] = true
	}

	pending := d.table.Pending(processed)
	total := len(d.table.Items())
	summary := Summary{
		RunID:   d.runID,
		Status:  constants.RunStatusRunning,
		Total:   total,
		Skipped: total - len(pending),
	}

	d.setProgress(func(p *Progress) {
		p.RunID = d.runID
		p.Total = total
		p.Done = summary.Skipped
	})

	if d.hist != nil {
		d.hist.StartRun(ctx, d.runID, d.table.Path(), d.cfg.ProfileName)
	}
	d.log.Info("job.start",
		"run_id", d.runID, "total", total, "pending", len(pending),
		"resumed_from_checkpoint", summary.Skipped > 0, "profile", d.cfg.ProfileName)

	sinceFlush := 0
	interrupted := false

	for _, it := range pending {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		d.setProgress(func(p *Progress) { p.CurrentID = it.ID })

		fatal, failed, reviewed := d.processItem(ctx, it, rec)
		if fatal != nil {
			summary.Status = constants.RunStatusFailed
			d.finishHistory(summary)
			return summary, fatal
		}
		if ctx.Err() != nil && failed {
			// The failure was the stop signal racing the in-flight item;
			// leave the row untouched for the next run.
			interrupted = true
			break
		}

		if failed {
			summary.Failed++
		} else {
			summary.Processed++
			if reviewed {
				summary.Reviewed++
			}
		}
		d.setProgress(func(p *Progress) {
			p.Done++
			if failed {
				p.Failed++
			} else if reviewed {
				p.Reviewed++
			}
			p.CurrentID = ""
		})

		d.res.PeriodicReload(ctx)

		sinceFlush++
		if sinceFlush >= d.cfg.FlushEvery {
			if err := d.flush(rec); err != nil {
				summary.Status = constants.RunStatusFailed
				d.finishHistory(summary)
				return summary, err
			}
			sinceFlush = 0
		}
	}

	if err := d.flush(rec); err != nil {
		summary.Status = constants.RunStatusFailed
		d.finishHistory(summary)
		return summary, err
	}

	if interrupted {
		summary.Status = constants.RunStatusInterrupted
	} else {
		summary.Status = constants.RunStatusCompleted
		if err := d.ckpt.Delete(); err != nil {
			d.log.Warn("job.checkpoint.delete_failed", "error", err)
		}
	}

	d.finishHistory(summary)
	d.log.Info("job.done",
		"run_id", d.runID, "status", summary.Status,
		"processed", summary.Processed, "failed", summary.Failed,
		"reviewed", summary.Reviewed, "skipped", summary.Skipped,
		"elapsed_ms", time.Since(start).Milliseconds())
	return summary, nil
}

// processItem runs one work item end to end. It returns a fatal error for
// storage failures, otherwise (failed, reviewed) flags for bookkeeping.
func (d *Driver) processItem(ctx context.Context, it *dataset.Item, rec *checkpoint.Record) (fatal error, failed, reviewed bool) {
	start := time.Now()
	d.log.Info("job.item.start", "item_id", it.ID, "source", it.SourcePath)

	img, err := openImage(it.SourcePath)
	if err != nil {
		d.log.Error("job.item.open_failed", "item_id", it.ID, "error", err)
		if werr := d.table.SetFailure(it, dataset.MarkerErrorPrefix+" open source: "+err.Error(), ""); werr != nil {
			return common.NewError(common.KindFatal, "write failure row", werr), false, false
		}
		return nil, true, false
	}

	outcome, err := d.ctrl.Process(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			// Stop signal raced the item; caller decides.
			return nil, true, false
		}
		d.log.Error("job.item.failed", "item_id", it.ID, "error", err)
		marker := dataset.MarkerErrorPrefix + " " + truncate(err.Error(), 500)
		if strings.Contains(err.Error(), "timeout") {
			marker = dataset.MarkerTimeout
		}
		if werr := d.table.SetFailure(it, marker, truncate(err.Error(), 500)); werr != nil {
			return common.NewError(common.KindFatal, "write failure row", werr), false, false
		}
		if d.hist != nil {
			d.hist.RecordItem(ctx, d.runID, it.ID, constants.VerdictNeedsReview, constants.BackendNone, err.Error())
		}
		return nil, true, false
	}

	canvas, placement := d.comp.Place(outcome.Cutout)

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, canvas); err != nil {
		return common.NewError(common.KindFatal, "encode artifact", err), false, false
	}
	location, err := d.store.Save(ctx, d.runID, it.ID+".png", buf)
	if err != nil {
		return common.NewError(common.KindFatal, "save artifact", err), false, false
	}

	notes := fmt.Sprintf("%s; placement=%s", outcome.Reason, placement.Rule)
	if len(outcome.Notes) > 0 {
		notes += "; " + strings.Join(outcome.Notes, "; ")
	}
	if err := d.table.SetResult(it, location, string(outcome.Verdict), string(outcome.Backend), truncate(notes, 1000)); err != nil {
		return common.NewError(common.KindFatal, "write result row", err), false, false
	}

	rec.ProcessedIDs = append(rec.ProcessedIDs, it.ID)
	if d.hist != nil {
		d.hist.RecordItem(ctx, d.runID, it.ID, outcome.Verdict, outcome.Backend, notes)
	}

	d.log.Info("job.item.ok",
		"item_id", it.ID, "backend", outcome.Backend, "verdict", outcome.Verdict,
		"attempts", outcome.Attempts, "elapsed_ms", time.Since(start).Milliseconds())
	return nil, false, outcome.Verdict == constants.VerdictNeedsReview
}

// flush persists the output table and the checkpoint. Failures here are
// fatal by policy: continuing would risk silent data loss.
func (d *Driver) flush(rec *checkpoint.Record) error {
	start := time.Now()
	if err := d.table.SaveAtomic(); err != nil {
		d.log.Error("job.flush.table_failed", "error", err)
		return common.NewError(common.KindFatal, "flush output table", err)
	}
	if err := d.ckpt.Save(rec); err != nil {
		d.log.Error("job.flush.checkpoint_failed", "error", err)
		return common.NewError(common.KindFatal, "flush checkpoint", err)
	}
	d.log.Debug("job.flush.ok", "processed_ids", len(rec.ProcessedIDs), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (d *Driver) finishHistory(s Summary) {
	if d.hist == nil {
		return
	}
	// Detached context: history must be writable even after a stop signal.
	d.hist.FinishRun(context.Background(), d.runID, s.Status, s.Processed, s.Failed, s.Reviewed)
}

func (d *Driver) setProgress(mut func(*Progress)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mut(&d.progress)
}

func openImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	img, _, err := image.Decode(f)
	return img, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
