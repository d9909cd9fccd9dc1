// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/tts"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// HeaderJobID lets a caller choose the job ID of a synthesis request. Replies
// always carry it.
const HeaderJobID = "X-Job-ID"

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
	opDecodeBody           = "decode_body"
	contentTypeJSON        = "application/json"
	healthStatusOK         = "ok"
)

// ErrAddrEmpty indicates a server without a listen address.
var ErrAddrEmpty = errors.New("listen address cannot be empty")

// Synthesizer runs one request to an envelope.
type Synthesizer interface {
	Handle(ctx context.Context, jobID string, raw params.RawRequest) orchestrator.Response
	SampleRate() int
}

// VoiceLister lists cloning references with fresh links.
type VoiceLister interface {
	ListVoices(ctx context.Context, prefix string) ([]objectstore.VoiceReference, error)
}

// Route is an extra handler mounted on its own ServeMux pattern.
type Route interface {
	http.Handler
	Pattern() string
}

// Options configures the HTTP surface.
type Options struct {
	Addr            string
	VoicesPrefix    string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Model           tts.ModelInfo
	Routes          []Route
}

// HealthResponse is the readiness document.
type HealthResponse struct {
	Status     string `json:"status"`
	Model      string `json:"model,omitempty"`
	Device     string `json:"device,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

// VoicesResponse lists cloning references.
type VoicesResponse struct {
	Voices []objectstore.VoiceReference `json:"voices"`
}

// Server serves /health, /v1/synthesize, /v1/voices and any extra routes.
type Server struct {
	synth   Synthesizer
	voices  VoiceLister
	opts    Options
	handler http.Handler
	log     *logger.Logger
}

// New builds the server. The model must already be resident, so /health is
// ready from the first request.
func New(synth Synthesizer, voices VoiceLister, opts Options, log *logger.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{synth: synth, voices: voices, opts: opts, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)

	for _, route := range opts.Routes {
		mux.Handle(route.Pattern(), route)
	}

	s.handler = mux

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Addr == "" {
		return ErrAddrEmpty
	}

	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info("HTTP server listening on %s", s.opts.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     healthStatusOK,
		Model:      s.opts.Model.Model,
		Device:     s.opts.Model.Device,
		SampleRate: s.synth.SampleRate(),
	})
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.Header.Get(HeaderJobID))
	if jobID == "" {
		jobID = uuid.NewString()
	}

	w.Header().Set(HeaderJobID, jobID)

	var raw params.RawRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))

	err := decoder.Decode(&raw)
	if err != nil {
		response := orchestrator.Failure(jobID,
			ttserr.Wrap(ttserr.KindValidation, opDecodeBody, "request body is not a valid request", err).
				WithStage(ttserr.StageValidating))
		s.writeJSON(w, http.StatusBadRequest, response)

		return
	}

	response := s.synth.Handle(r.Context(), jobID, raw)
	s.writeJSON(w, statusFor(response), response)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.voices.ListVoices(r.Context(), s.opts.VoicesPrefix)
	if err != nil {
		s.log.Error("Failed to list voices under %s: %v", s.opts.VoicesPrefix, err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)

		return
	}

	s.writeJSON(w, http.StatusOK, VoicesResponse{Voices: voices})
}

// statusFor maps an envelope onto an HTTP status. The body is authoritative.
func statusFor(response orchestrator.Response) int {
	if response.Succeeded() {
		return http.StatusOK
	}

	switch ttserr.Kind(strings.SplitN(response.ErrorKind, ".", 2)[0]) {
	case ttserr.KindValidation:
		return http.StatusBadRequest
	case ttserr.KindReferenceAudio:
		return http.StatusUnprocessableEntity
	case ttserr.KindTimeout:
		return http.StatusGatewayTimeout
	case ttserr.KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		s.log.Warn("Failed to write response: %v", err)
	}
}
