// Package app wires the full pipeline for the binaries: backends,
// resource manager, executor, classifier, compositor, stores, and the
// job driver.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/aurelia-labs/shotprep/internal/artifact"
	"github.com/aurelia-labs/shotprep/internal/backend"
	"github.com/aurelia-labs/shotprep/internal/checkpoint"
	"github.com/aurelia-labs/shotprep/internal/common"
	"github.com/aurelia-labs/shotprep/internal/compose"
	"github.com/aurelia-labs/shotprep/internal/dataset"
	"github.com/aurelia-labs/shotprep/internal/executor"
	"github.com/aurelia-labs/shotprep/internal/fallback"
	"github.com/aurelia-labs/shotprep/internal/history"
	"github.com/aurelia-labs/shotprep/internal/job"
	"github.com/aurelia-labs/shotprep/internal/quality"
	"github.com/aurelia-labs/shotprep/internal/resource"
)

// ResolveProfile picks the quality profile: an explicit JSON override file
// wins over the named built-in.
func ResolveProfile(cfg *common.Config, name string) (quality.Profile, error) {
	if cfg.Quality.ProfileFile != "" {
		return quality.LoadProfileFile(cfg.Quality.ProfileFile)
	}
	if name == "" {
		name = cfg.Quality.Profile
	}
	return quality.ProfileByName(name)
}

// NewArtifactStore builds the configured artifact store.
func NewArtifactStore(ctx context.Context, cfg *common.Config, outRoot string) (artifact.Store, error) {
	switch cfg.Storage.Kind {
	case "s3":
		return artifact.NewS3Store(ctx, cfg.Storage.S3Region, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
	case "local", "":
		if outRoot == "" {
			outRoot = cfg.Storage.LocalDir
		}
		return artifact.NewLocalStore(outRoot), nil
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Storage.Kind)
	}
}

// BuildDriver assembles a driver for one run. The returned cleanup closes
// the dataset handle and unloads whatever backend is still resident.
func BuildDriver(ctx context.Context, cfg *common.Config, hist *history.Store,
	datasetPath, outRoot, profileName string, logger *slog.Logger) (*job.Driver, func(), error) {

	profile, err := ResolveProfile(cfg, profileName)
	if err != nil {
		return nil, nil, err
	}

	table, err := dataset.Load(datasetPath, logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := NewArtifactStore(ctx, cfg, outRoot)
	if err != nil {
		_ = table.Close()
		return nil, nil, err
	}

	cli := backend.NewClient(cfg.Backend.BaseURL, logger)
	primary := backend.NewMatteEngine(cli, cfg.Backend.PrimaryModel)
	secondary := backend.NewSalientEngine(cli, cfg.Backend.SecondaryModel)

	res := resource.NewManager(cfg.Resource, cli, []backend.Engine{primary, secondary}, logger)
	exec := executor.New(res, logger)
	classifier := quality.NewClassifier(profile, logger)
	compositor := compose.NewCompositor(compose.DefaultConfig(cfg.Canvas.Size), logger)

	ctrl := fallback.NewController(res, exec, classifier, primary, secondary, fallback.Config{
		BaseTimeout:      cfg.Backend.BaseTimeout,
		EscalatedTimeout: cfg.Backend.EscalatedTimeout,
		MaxRetries:       cfg.Backend.MaxRetries,
		DegradedAccept:   cfg.Job.DegradedAccept,
	}, logger)

	ckptPath := filepath.Join(cfg.Job.CheckpointDir, "checkpoint.json")
	ckpt := checkpoint.NewStore(ckptPath, logger)

	driver := job.NewDriver(table, ckpt, ctrl, compositor, res, store, hist, job.Config{
		OutRoot:     outRoot,
		ProfileName: profile.Name,
		FlushEvery:  cfg.Job.FlushEvery,
	}, logger)

	cleanup := func() {
		res.Shutdown(context.Background())
		if err := table.Close(); err != nil {
			logger.Warn("app.table.close_failed", "error", err)
		}
	}
	return driver, cleanup, nil
}
