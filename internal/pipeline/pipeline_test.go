package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/convert"
	"github.com/fmueller/voxserve/internal/dispatch"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/whisper"
)

type stubNormalizer struct {
	store *scratch.Store
	out   []byte
	err   error
	calls atomic.Int64
}

func (s *stubNormalizer) Normalize(_ context.Context, _ *scratch.Asset) (*scratch.Asset, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}

	asset, err := s.store.Acquire(".wav")
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Write(asset, bytes.NewReader(s.out)); err != nil {
		return nil, err
	}
	return asset, nil
}

type stubTranscriber struct {
	result   whisper.Result
	err      error
	panicMsg string
	calls    atomic.Int64
}

func (s *stubTranscriber) Submit(_ context.Context, _ string) (whisper.Result, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result, s.err
}

func voiceWAV() []byte {
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(0.25 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}
	return audio.MakePCM16WAV(samples, 16000)
}

func silentWAV() []byte {
	return audio.MakePCM16WAV(make([]int16, 16000), 16000)
}

func newTestPipeline(t *testing.T, normalizer Normalizer, transcriber Transcriber, opts Options) (*Pipeline, *scratch.Store) {
	t.Helper()
	store, err := scratch.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(store, normalizer, transcriber, opts, nil, nil), store
}

func requireScratchEmpty(t *testing.T, store *scratch.Store) {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Empty(t, entries, "scratch assets leaked")
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	store, err := scratch.NewStore(t.TempDir())
	require.NoError(t, err)

	normalizer := &stubNormalizer{store: store, out: voiceWAV()}
	transcriber := &stubTranscriber{result: whisper.Result{
		Segments:    []whisper.Segment{{Text: " hello"}, {Text: " world"}},
		Language:    "en",
		Probability: 0.97,
	}}
	p := New(store, normalizer, transcriber, Options{SilenceGate: true, SilenceThresholdDBFS: -65}, nil, nil)

	result, err := p.Run(context.Background(), strings.NewReader("fake-ogg-bytes"), "voice.ogg")
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
	require.Equal(t, "en", result.Language)
	require.InDelta(t, 0.97, result.Probability, 0.001)
	require.EqualValues(t, 1, normalizer.calls.Load())
	require.EqualValues(t, 1, transcriber.calls.Load())

	requireScratchEmpty(t, store)
}

func TestRunSilentAudioSkipsInference(t *testing.T) {
	t.Parallel()

	store, err := scratch.NewStore(t.TempDir())
	require.NoError(t, err)

	normalizer := &stubNormalizer{store: store, out: silentWAV()}
	transcriber := &stubTranscriber{}
	p := New(store, normalizer, transcriber, Options{SilenceGate: true, SilenceThresholdDBFS: -65}, nil, nil)

	result, err := p.Run(context.Background(), strings.NewReader("silence"), "quiet.wav")
	require.NoError(t, err)
	require.Equal(t, "", result.Text)
	require.EqualValues(t, 0, transcriber.calls.Load())

	requireScratchEmpty(t, store)
}

func TestRunEmptyEngineResultIsNotAnError(t *testing.T) {
	t.Parallel()

	normalizer := &stubNormalizer{out: silentWAV()}
	transcriber := &stubTranscriber{result: whisper.Result{Language: "en"}}
	p, store := newTestPipeline(t, normalizer, transcriber, Options{})
	normalizer.store = store

	result, err := p.Run(context.Background(), strings.NewReader("silence"), "quiet.wav")
	require.NoError(t, err)
	require.Equal(t, "", result.Text)
	require.EqualValues(t, 1, transcriber.calls.Load())

	requireScratchEmpty(t, store)
}

func TestRunIntakeFailureStillCleansUp(t *testing.T) {
	t.Parallel()

	transcriber := &stubTranscriber{}
	normalizer := &stubNormalizer{}
	p, store := newTestPipeline(t, normalizer, transcriber, Options{})
	normalizer.store = store

	_, err := p.Run(context.Background(), iotest.ErrReader(errors.New("connection reset")), "voice.ogg")
	require.Error(t, err)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, StageIntake, pErr.Stage)
	require.EqualValues(t, 0, normalizer.calls.Load())

	requireScratchEmpty(t, store)
}

func TestRunNormalizationFailureStillCleansUp(t *testing.T) {
	t.Parallel()

	normalizer := &stubNormalizer{err: fmt.Errorf("%w: exit status 1", convert.ErrConversionFailed)}
	transcriber := &stubTranscriber{}
	p, store := newTestPipeline(t, normalizer, transcriber, Options{})
	normalizer.store = store

	_, err := p.Run(context.Background(), strings.NewReader("garbage"), "voice.ogg")
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, KindConversionFailed, pErr.Kind)
	require.Equal(t, StageNormalize, pErr.Stage)
	require.EqualValues(t, 0, transcriber.calls.Load())

	requireScratchEmpty(t, store)
}

func TestRunInferenceFailureStillCleansUp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"timeout", fmt.Errorf("%w after 2m0s", dispatch.ErrInferenceTimeout), KindInferenceTimeout},
		{"failure", fmt.Errorf("%w: corrupt audio", dispatch.ErrInferenceFailed), KindInferenceFailed},
		{"backpressure", dispatch.ErrQueueFull, KindResourceExhausted},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			normalizer := &stubNormalizer{out: voiceWAV()}
			transcriber := &stubTranscriber{err: tc.err}
			p, store := newTestPipeline(t, normalizer, transcriber, Options{})
			normalizer.store = store

			_, err := p.Run(context.Background(), strings.NewReader("audio"), "voice.ogg")
			var pErr *Error
			require.ErrorAs(t, err, &pErr)
			require.Equal(t, tc.kind, pErr.Kind)
			require.Equal(t, StageTranscribe, pErr.Stage)

			requireScratchEmpty(t, store)
		})
	}
}

func TestRunPanicStillCleansUp(t *testing.T) {
	t.Parallel()

	normalizer := &stubNormalizer{out: voiceWAV()}
	transcriber := &stubTranscriber{panicMsg: "engine crashed"}
	p, store := newTestPipeline(t, normalizer, transcriber, Options{})
	normalizer.store = store

	require.PanicsWithValue(t, "engine crashed", func() {
		_, _ = p.Run(context.Background(), strings.NewReader("audio"), "voice.ogg")
	})

	requireScratchEmpty(t, store)
}

func TestRunManyConcurrentJobsLeaveScratchEmpty(t *testing.T) {
	t.Parallel()

	normalizer := &stubNormalizer{out: voiceWAV()}
	transcriber := &stubTranscriber{result: whisper.Result{
		Segments: []whisper.Segment{{Text: "ok"}},
		Language: "en",
	}}
	p, store := newTestPipeline(t, normalizer, transcriber, Options{})
	normalizer.store = store

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := p.Run(context.Background(), strings.NewReader("audio"), "voice.ogg")
			done <- err
		}()
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}

	requireScratchEmpty(t, store)
}
