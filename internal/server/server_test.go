package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/dispatch"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/pipeline"
)

type fakeRunner struct {
	result   pipeline.TranscriptResult
	err      error
	filename string
	body     []byte
}

func (f *fakeRunner) Run(_ context.Context, upload io.Reader, filename string) (pipeline.TranscriptResult, error) {
	f.filename = filename
	data, err := io.ReadAll(upload)
	if err != nil {
		return pipeline.TranscriptResult{}, err
	}
	f.body = data
	return f.result, f.err
}

func newTestServer(t *testing.T, runner Runner) *Server {
	t.Helper()

	cfg := config.Default().Server
	return New(cfg, "base", runner, zap.NewNop(), metrics.New())
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTranscribeReturnsTranscript(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: pipeline.TranscriptResult{
		Text:        "hello world",
		Language:    "en",
		Probability: 0.97,
	}}
	srv := newTestServer(t, runner)

	buf, contentType := multipartUpload(t, "file", "clip.ogg", []byte("fake-audio"))
	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	require.Equal(t, "hello world", body["text"])
	require.Equal(t, "en", body["language"])
	require.InDelta(t, 0.97, body["probability"], 1e-9)

	require.Equal(t, "clip.ogg", runner.filename)
	require.Equal(t, []byte("fake-audio"), runner.body)
}

func TestTranscribeWithoutFilePart(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRunner{})

	buf, contentType := multipartUpload(t, "attachment", "clip.ogg", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No file provided", decodeBody(t, rec)["error"])
}

func TestTranscribeWithoutMultipartBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No file provided", decodeBody(t, rec)["error"])
}

func TestTranscribeWithEmptyFilename(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	srv := newTestServer(t, runner)

	buf, contentType := multipartUpload(t, "file", "", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No file selected", decodeBody(t, rec)["error"])
	require.Empty(t, runner.filename)
}

func TestTranscribeRejectsNonPost(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/transcribe", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTranscribeMapsFailureKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "queue full",
			err:        &pipeline.Error{Kind: pipeline.KindResourceExhausted, Stage: "transcribing", Err: dispatch.ErrQueueFull},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "Server busy, try again later",
		},
		{
			name:       "conversion failed",
			err:        &pipeline.Error{Kind: pipeline.KindConversionFailed, Stage: "normalizing", Err: errors.New("ffmpeg exit 1")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Audio conversion failed",
		},
		{
			name:       "conversion unavailable",
			err:        &pipeline.Error{Kind: pipeline.KindConversionUnavailable, Stage: "normalizing", Err: errors.New("ffmpeg not found")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Audio conversion unavailable",
		},
		{
			name:       "inference timeout",
			err:        &pipeline.Error{Kind: pipeline.KindInferenceTimeout, Stage: "transcribing", Err: dispatch.ErrInferenceTimeout},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Transcription timed out",
		},
		{
			name:       "validation",
			err:        &pipeline.Error{Kind: pipeline.KindValidation, Stage: "intake", Err: errors.New("Unsupported audio format")},
			wantStatus: http.StatusBadRequest,
			wantError:  "Unsupported audio format",
		},
		{
			name:       "unclassified",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Transcription failed",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(t, &fakeRunner{err: tc.err})

			buf, contentType := multipartUpload(t, "file", "clip.wav", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code)
			require.Equal(t, tc.wantError, decodeBody(t, rec)["error"])
		})
	}
}

func TestTranscribeBusyResponseSetsRetryAfter(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRunner{err: &pipeline.Error{
		Kind:  pipeline.KindResourceExhausted,
		Stage: "transcribing",
		Err:   dispatch.ErrQueueFull,
	}})

	buf, contentType := multipartUpload(t, "file", "clip.wav", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthReportsModel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "base", body["model"])
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: pipeline.TranscriptResult{Text: "ok"}}
	srv := newTestServer(t, runner)

	buf, contentType := multipartUpload(t, "file", "clip.wav", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/transcribe", buf)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "voxserve_http_requests_total")
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Server
	cfg.Port = 0 // let the kernel pick; Start only needs to bind

	srv := New(cfg, "base", &fakeRunner{}, zap.NewNop(), metrics.New())

	errc := srv.Start()
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, <-errc)
}
