// Package executor bounds a single backend call with a hard wall-clock
// limit. The call runs on its own goroutine; when the budget expires the
// caller gets TimedOut immediately and the goroutine is abandoned, never
// joined. The result channel is buffered so the abandoned call can still
// deliver and exit without a receiver.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/aurelia-labs/shotprep/internal/backend"
)

type Status int

const (
	Ok Status = iota
	TimedOut
	Failed
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case TimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Outcome is the observed result of one bounded call.
type Outcome struct {
	Status  Status
	Cutout  *backend.Cutout
	Err     error
	Elapsed time.Duration
}

// Recorder receives timeout bookkeeping. The resource manager implements it
// to track consecutive timeouts across calls.
type Recorder interface {
	NoteTimeout()
	NoteCompletion()
}

// Call is the unit of work the executor bounds.
type Call func(ctx context.Context) (*backend.Cutout, error)

type Executor struct {
	rec Recorder
	log *slog.Logger
}

func New(rec Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{rec: rec, log: logger}
}

type callResult struct {
	cutout *backend.Cutout
	err    error
}

// Run invokes call and waits at most timeout. A timed-out call keeps
// running in the background; its eventual result is dropped.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, call Call) Outcome {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	// Cancellation is best effort; the contract is that the caller
	// returns on time, not that the call stops.
	defer cancel()

	resCh := make(chan callResult, 1)
	go func() {
		cutout, err := call(callCtx)
		resCh <- callResult{cutout: cutout, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		elapsed := time.Since(start)
		if e.rec != nil {
			e.rec.NoteCompletion()
		}
		if res.err != nil {
			e.log.Warn("executor.call.failed", "error", res.err, "elapsed_ms", elapsed.Milliseconds())
			return Outcome{Status: Failed, Err: res.err, Elapsed: elapsed}
		}
		e.log.Debug("executor.call.ok", "elapsed_ms", elapsed.Milliseconds())
		return Outcome{Status: Ok, Cutout: res.cutout, Elapsed: elapsed}

	case <-timer.C:
		elapsed := time.Since(start)
		if e.rec != nil {
			e.rec.NoteTimeout()
		}
		e.log.Warn("executor.call.timeout", "timeout_ms", timeout.Milliseconds(), "elapsed_ms", elapsed.Milliseconds())
		return Outcome{Status: TimedOut, Elapsed: elapsed}

	case <-ctx.Done():
		elapsed := time.Since(start)
		if e.rec != nil {
			e.rec.NoteCompletion()
		}
		e.log.Warn("executor.call.canceled", "error", ctx.Err(), "elapsed_ms", elapsed.Milliseconds())
		return Outcome{Status: Failed, Err: ctx.Err(), Elapsed: elapsed}
	}
}
