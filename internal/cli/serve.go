package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/convert"
	"github.com/fmueller/voxserve/internal/dispatch"
	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/server"
	"github.com/fmueller/voxserve/internal/whisper"
)

const shutdownGrace = 15 * time.Second

// runServe wires the full transcription service and blocks until the
// process receives SIGINT or SIGTERM.
func (app *appState) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.cfg
	logger := app.log()

	resolved, err := app.ensureModelFn(ctx)
	if err != nil {
		return err
	}

	scratchDir, err := platform.ResolveScratchDir(cfg.Scratch.Dir)
	if err != nil {
		return fmt.Errorf("resolve scratch directory: %w", err)
	}
	store, err := scratch.NewStore(scratchDir)
	if err != nil {
		return fmt.Errorf("prepare scratch directory: %w", err)
	}

	engine, err := whisper.NewCLIEngine(whisper.EngineOptions{
		Executable: cfg.Model.WhisperPath,
		ModelPath:  resolved.Path,
		Language:   cfg.Model.Language,
		Device:     cfg.Model.Device,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcription engine: %w", err)
	}

	converter := convert.NewConverter(convert.Options{
		FFmpegPath:    cfg.Convert.FFmpegPath,
		Timeout:       cfg.Convert.TimeoutDuration(),
		MaxConcurrent: cfg.Convert.MaxConcurrent,
	}, store, logger)

	m := metrics.New()

	dispatcher := dispatch.NewDispatcher(engine, dispatch.Options{
		Workers:    cfg.Inference.Workers,
		QueueDepth: cfg.Inference.QueueDepth,
		Timeout:    cfg.Inference.TimeoutDuration(),
	}, logger, m)
	defer dispatcher.Close()

	pipe := pipeline.New(store, converter, dispatcher, pipeline.Options{
		SilenceGate:          cfg.SilenceGate.Enabled,
		SilenceThresholdDBFS: cfg.SilenceGate.ThresholdDBFS,
	}, logger, m)

	srv := server.New(cfg.Server, resolved.Name, pipe, logger, m)

	logger.Info("voxserve starting",
		zap.String("model", resolved.Name),
		zap.String("addr", cfg.Server.ListenAddr()),
		zap.Int("workers", cfg.Inference.Workers),
	)

	errc := srv.Start()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// ensureModel resolves the configured model and downloads it when it is
// missing and auto-download is enabled.
func (app *appState) ensureModel(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := platform.ResolveModelDir(app.cfg.Model.Dir)
	if err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("resolve model directory: %w", err)
	}

	resolved, err := whisper.ResolveModel(app.cfg.Model.Name, modelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}
	if !app.cfg.Model.AutoDownload {
		return whisper.ResolvedModel{}, fmt.Errorf("model %s is not installed; run 'voxserve setup' or enable auto-download", resolved.Name)
	}

	app.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
	if err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		ChecksumURL:    resolved.SHA256URL,
		NoProgress:     app.noProgress,
		Logger:         app.log(),
	}); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %s: %w", resolved.Name, err)
	}

	return resolved, nil
}
