// Package pipeline sequences one transcription job across scratch intake,
// normalization, and inference, and guarantees that every scratch asset a
// job acquired is released whichever way the job exits.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/dispatch"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/whisper"
)

// Normalizer converts an input asset into a fresh canonical WAV asset.
type Normalizer interface {
	Normalize(ctx context.Context, in *scratch.Asset) (*scratch.Asset, error)
}

// Transcriber runs one inference call against the shared engine.
type Transcriber interface {
	Submit(ctx context.Context, audioPath string) (whisper.Result, error)
}

type TranscriptResult struct {
	Text        string  `json:"text"`
	Language    string  `json:"language"`
	Probability float64 `json:"probability"`
}

type Options struct {
	SilenceGate          bool
	SilenceThresholdDBFS float64
}

type Pipeline struct {
	store       *scratch.Store
	normalizer  Normalizer
	transcriber Transcriber
	opts        Options
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func New(store *scratch.Store, normalizer Normalizer, transcriber Transcriber, opts Options, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:       store,
		normalizer:  normalizer,
		transcriber: transcriber,
		opts:        opts,
		logger:      logger,
		metrics:     m,
	}
}

// Run drives one job to a terminal state. The filename is untrusted and
// only contributes a format hint; the upload bytes come from r.
func (p *Pipeline) Run(ctx context.Context, upload io.Reader, filename string) (TranscriptResult, error) {
	job := NewJob()
	logger := p.logger.With(zap.String("job", job.ID))

	tracker := p.store.NewTracker()
	// release runs on success, on every stage failure, and on panic
	defer tracker.ReleaseAll(logger)

	p.metrics.JobStarted()
	started := time.Now()

	input, err := p.store.Acquire(filename)
	if err != nil {
		return TranscriptResult{}, p.fail(job, logger, StageIntake, fmt.Errorf("acquire input asset: %w", err))
	}
	tracker.Track(input)

	size, err := p.store.Write(input, upload)
	if err != nil {
		return TranscriptResult{}, p.fail(job, logger, StageIntake, fmt.Errorf("persist upload: %w", err))
	}
	logger.Debug("upload persisted", zap.Int64("bytes", size), zap.String("state", job.State.String()))

	job.advance(StateNormalizing)
	normalizeStarted := time.Now()
	normalized, err := p.normalizer.Normalize(ctx, input)
	if err != nil {
		return TranscriptResult{}, p.fail(job, logger, StageNormalize, err)
	}
	tracker.Track(normalized)
	job.advance(StateNormalized)
	p.metrics.ObserveStage(StageNormalize, time.Since(normalizeStarted).Seconds())

	if p.opts.SilenceGate {
		if silent := p.gateSilent(logger, normalized.Path); silent {
			job.advance(StateCompleted)
			p.metrics.JobCompleted()
			logger.Info("audio considered silent; skipping inference", zap.Duration("elapsed", time.Since(started)))
			return TranscriptResult{}, nil
		}
	}

	job.advance(StateTranscribing)
	inferStarted := time.Now()
	result, err := p.transcriber.Submit(ctx, normalized.Path)
	if err != nil {
		return TranscriptResult{}, p.fail(job, logger, StageTranscribe, err)
	}
	p.metrics.ObserveStage(StageTranscribe, time.Since(inferStarted).Seconds())

	job.advance(StateCompleted)
	p.metrics.JobCompleted()

	transcript := TranscriptResult{
		Text:        dispatch.JoinSegments(result.Segments),
		Language:    result.Language,
		Probability: result.Probability,
	}

	logger.Info("job completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.String("language", transcript.Language),
		zap.Int("segments", len(result.Segments)),
	)

	return transcript, nil
}

func (p *Pipeline) fail(job *Job, logger *zap.Logger, stage string, err error) error {
	job.fail(stage)
	p.metrics.JobFailed(stage)

	classified := classify(stage, err)
	logger.Warn("job failed",
		zap.String("stage", stage),
		zap.String("kind", classified.Kind.String()),
		zap.Error(err),
	)
	return classified
}

// gateSilent never fails the job: an unreadable measurement just means the
// engine decides.
func (p *Pipeline) gateSilent(logger *zap.Logger, path string) bool {
	silent, m, err := audio.IsSilentWAV(path, p.opts.SilenceThresholdDBFS)
	if err != nil {
		logger.Warn("silence gate analysis failed; continuing to inference", zap.Error(err))
		return false
	}
	if silent {
		logger.Debug("silence gate tripped",
			zap.Float64("rms_dbfs", m.RMSdBFS),
			zap.Float64("peak_dbfs", m.PeakdBFS),
		)
	}
	return silent
}
