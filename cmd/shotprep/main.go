package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurelia-labs/shotprep/constants"
	"github.com/aurelia-labs/shotprep/internal/app"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/history"
)

// Exit codes: 0 completed, 3 interrupted (resumable), 1 fatal.
const (
	exitCompleted   = 0
	exitFatal       = 1
	exitInterrupted = 3
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		datasetPath = flag.String("dataset", "", "input XLSX dataset (required)")
		outRoot     = flag.String("out-root", "", "artifact output root (defaults to ARTIFACT_LOCAL_DIR)")
		profileName = flag.String("profile", "", "quality profile: conservative, balanced, aggressive")
		noHistory   = flag.Bool("no-history", false, "skip the local run-history database")
	)
	flag.Parse()

	if *datasetPath == "" {
		printError("Error: --dataset is required\n")
		os.Exit(exitFatal)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if *outRoot == "" {
		*outRoot = cfg.Storage.LocalDir
	}

	// Cooperative stop: first signal finishes the in-flight work and
	// flushes; a second signal kills the process the usual way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hist *history.Store
	if !*noHistory {
		h, err := history.Open(cfg.Job.HistoryPath, logger)
		if err != nil {
			logger.Warn("history unavailable, continuing without it", "error", err)
		} else {
			hist = h
			defer func() {
				_ = hist.Close()
			}()
		}
	}

	driver, cleanup, err := app.BuildDriver(ctx, cfg, hist, *datasetPath, *outRoot, *profileName, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(exitFatal)
	}
	defer cleanup()

	summary, err := driver.Run(ctx)
	if err != nil {
		logger.Error("run halted", "run_id", summary.RunID, "error", err)
		os.Exit(exitFatal)
	}

	fmt.Printf("Run %s: %s\n", summary.RunID, summary.Status)
	fmt.Printf("- Items total: %d\n", summary.Total)
	fmt.Printf("- Skipped (already done): %d\n", summary.Skipped)
	fmt.Printf("- Processed: %d\n", summary.Processed)
	fmt.Printf("- Needs review: %d\n", summary.Reviewed)
	fmt.Printf("- Failed: %d\n", summary.Failed)

	if summary.Status == constants.RunStatusInterrupted {
		fmt.Println("Interrupted; rerun with the same arguments to resume.")
		os.Exit(exitInterrupted)
	}
	os.Exit(exitCompleted)
}
