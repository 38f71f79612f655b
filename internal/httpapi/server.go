package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/transcript"
)

// Pipeline is the call pipeline surface the HTTP and media-stream handlers drive.
type Pipeline interface {
	Sessions() *session.Manager
	RegisterCall(callSid string, meta session.Meta) (session.Snapshot, error)
	StartCall(callSid string, meta session.Meta, t session.Transport) error
	IngestAudio(callSid string, pcm []byte) bool
	NotifyCallEnded(callSid string)
	EndCall(callSid, reason string) (session.Snapshot, error)
}

type Server struct {
	cfg         config.Config
	pipeline    Pipeline
	transcripts transcript.Store
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, pipeline Pipeline, transcripts transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		pipeline:    pipeline,
		transcripts: transcripts,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media streams come from the telephony provider, never from browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/webhooks/voice", s.handleVoiceWebhook)
	r.Post("/v1/webhooks/status", s.handleStatusWebhook)

	r.Get("/v1/calls/stream", s.handleMediaStream)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{callSid}", s.handleGetCall)
	r.Post("/v1/calls/{callSid}/end", s.handleEndCall)
	r.Get("/v1/calls/{callSid}/transcript", s.handleGetTranscript)
	r.Get("/v1/transcripts", s.handleListTranscripts)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.pipeline.Sessions().Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := s.pipeline.Sessions().Count()
	status, code := "ready", http.StatusOK
	if active >= s.cfg.MaxConcurrentCalls {
		status, code = "at_capacity", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":       status,
		"active_calls": active,
		"max_calls":    s.cfg.MaxConcurrentCalls,
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
