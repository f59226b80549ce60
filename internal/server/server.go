// Package server exposes the transcription pipeline over HTTP. It accepts
// multipart uploads on /transcribe, reports readiness on /health, and
// publishes Prometheus instruments on /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/pipeline"
)

// Runner is the job entry point the HTTP layer drives. *pipeline.Pipeline
// satisfies it; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, upload io.Reader, filename string) (pipeline.TranscriptResult, error)
}

type Server struct {
	server  *http.Server
	runner  Runner
	logger  *zap.Logger
	metrics *metrics.Metrics

	model     string
	maxUpload int64
}

func New(cfg config.ServerConfig, model string, runner Runner, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:    runner,
		logger:    logger,
		metrics:   m,
		model:     model,
		maxUpload: cfg.MaxUploadBytes(),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/transcribe", s.withMetrics("/transcribe", s.handleTranscribe))
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Handler exposes the routed handler for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background and returns immediately. Fatal
// listener errors are delivered on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(started).Seconds())
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	file, header, err := s.uploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	result, err := s.runner.Run(r.Context(), file, header.Filename)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// uploadedFile pulls the "file" part out of the multipart form. The error
// messages are part of the API contract.
func (s *Server) uploadedFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, fmt.Errorf("Upload exceeds %d bytes", tooLarge.Limit)
		}
		return nil, nil, errors.New("No file provided")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		// a part named "file" with an empty filename parses as a plain
		// form value, not a file
		if r.MultipartForm != nil && len(r.MultipartForm.Value["file"]) > 0 {
			return nil, nil, errors.New("No file selected")
		}
		return nil, nil, errors.New("No file provided")
	}
	return file, header, nil
}

// writePipelineError maps the failure taxonomy onto HTTP statuses without
// leaking internals to the client.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		s.logger.Error("transcription failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Transcription failed")
		return
	}

	switch perr.Kind {
	case pipeline.KindValidation:
		writeError(w, http.StatusBadRequest, perr.Err.Error())
	case pipeline.KindResourceExhausted:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Server busy, try again later")
	case pipeline.KindConversionUnavailable:
		s.logger.Error("conversion backend unavailable", zap.Error(perr))
		writeError(w, http.StatusInternalServerError, "Audio conversion unavailable")
	case pipeline.KindConversionFailed, pipeline.KindConversionTimeout:
		s.logger.Warn("conversion failed", zap.Error(perr))
		writeError(w, http.StatusInternalServerError, "Audio conversion failed")
	case pipeline.KindInferenceTimeout:
		s.logger.Warn("inference timed out", zap.Error(perr))
		writeError(w, http.StatusInternalServerError, "Transcription timed out")
	default:
		s.logger.Error("transcription failed", zap.Error(perr))
		writeError(w, http.StatusInternalServerError, "Transcription failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"model":  s.model,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
