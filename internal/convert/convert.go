// Package convert normalizes uploaded audio into the canonical form the
// inference engine expects: mono, 16 kHz, signed 16-bit linear PCM WAV.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/scratch"
)

var (
	ErrConversionUnavailable = errors.New("audio converter unavailable")
	ErrConversionFailed      = errors.New("audio conversion failed")
	ErrConversionTimeout     = errors.New("audio conversion timed out")
)

const stderrTailLimit = 512

type Options struct {
	FFmpegPath    string
	Timeout       time.Duration
	MaxConcurrent int
}

// Converter shells out to ffmpeg, one isolated child process per job,
// bounded by a permit pool so load cannot spawn processes without limit.
type Converter struct {
	ffmpegPath string
	timeout    time.Duration
	permits    chan struct{}
	store      *scratch.Store
	logger     *zap.Logger
}

func NewConverter(opts Options, store *scratch.Store, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	return &Converter{
		ffmpegPath: opts.FFmpegPath,
		timeout:    opts.Timeout,
		permits:    make(chan struct{}, opts.MaxConcurrent),
		store:      store,
		logger:     logger,
	}
}

// Normalize converts in into a fresh canonical WAV asset. Ownership of the
// returned asset transfers to the caller; the input asset is never touched.
func (c *Converter) Normalize(ctx context.Context, in *scratch.Asset) (*scratch.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case c.permits <- struct{}{}:
		defer func() { <-c.permits }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ffmpeg, err := exec.LookPath(c.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrConversionUnavailable, c.ffmpegPath)
	}

	out, err := c.store.Acquire(".wav")
	if err != nil {
		return nil, fmt.Errorf("acquire conversion output: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := buildFFmpegArgs(in.Path, out.Path)
	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	c.logger.Debug("running ffmpeg", zap.String("input", in.Path), zap.String("output", out.Path))
	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if runErr != nil {
		// the child was killed or failed; its partial output must not leak
		if releaseErr := c.store.Release(out); releaseErr != nil {
			c.logger.Warn("failed to release partial conversion output", zap.Error(releaseErr))
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("conversion timed out", zap.Duration("elapsed", elapsed), zap.Duration("timeout", c.timeout))
			return nil, fmt.Errorf("%w after %s", ErrConversionTimeout, c.timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		diagnostic := stderrTail(stderr.String())
		c.logger.Warn("conversion failed", zap.Duration("elapsed", elapsed), zap.String("stderr", diagnostic))
		if diagnostic == "" {
			return nil, fmt.Errorf("%w: %v", ErrConversionFailed, runErr)
		}
		return nil, fmt.Errorf("%w: %v (%s)", ErrConversionFailed, runErr, diagnostic)
	}

	c.logger.Debug("conversion finished", zap.Duration("elapsed", elapsed))
	return out, nil
}

func buildFFmpegArgs(inputPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outputPath,
	}
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}
