package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/transcript"
)

type endCallRequest struct {
	Reason string `json:"reason"`
}

type callListResponse struct {
	Calls []session.Snapshot `json:"calls"`
	Count int                `json:"count"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.pipeline.Sessions().ListActive()
	respondJSON(w, http.StatusOK, callListResponse{Calls: calls, Count: len(calls)})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSid := chi.URLParam(r, "callSid")
	snap, err := s.pipeline.Sessions().Get(callSid)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callSid := strings.TrimSpace(chi.URLParam(r, "callSid"))
	if callSid == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_sid", "missing call sid")
		return
	}
	var req endCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = session.ReasonHangup
	}

	snap, err := s.pipeline.EndCall(callSid, reason)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	snap.History = nil
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	rec, err := s.transcripts.GetTranscript(r.Context(), chi.URLParam(r, "callSid"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	if from == "" {
		respondError(w, http.StatusBadRequest, "missing_from", "query parameter from is required")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	recs, err := s.transcripts.RecentByCaller(r.Context(), from, limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcripts": recs})
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		respondError(w, http.StatusNotFound, "transcript_not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "store_timeout", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}
