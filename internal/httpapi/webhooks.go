package httpapi

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/session"
)

// terminalStatuses are provider call statuses after which the call is over.
var terminalStatuses = map[string]struct{}{
	"completed": {},
	"busy":      {},
	"failed":    {},
	"no-answer": {},
	"canceled":  {},
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

// handleVoiceWebhook registers an incoming call and tells the provider where
// to open the media stream.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSid := strings.TrimSpace(r.PostForm.Get("CallSid"))
	if callSid == "" {
		respondError(w, http.StatusBadRequest, "missing_call_sid", "form field CallSid is required")
		return
	}

	meta := session.Meta{
		From:      r.PostForm.Get("From"),
		To:        r.PostForm.Get("To"),
		Direction: r.PostForm.Get("Direction"),
	}
	if _, err := s.pipeline.RegisterCall(callSid, meta); err != nil {
		if errors.Is(err, session.ErrCapacity) {
			log.Warn().Str("call_sid", callSid).Msg("rejecting call at capacity")
			respondTwiML(w, http.StatusServiceUnavailable, twimlResponse{
				Say:    "All of our agents are busy right now. Please call again later.",
				Hangup: &struct{}{},
			})
			return
		}
		respondError(w, http.StatusInternalServerError, "register_failed", err.Error())
		return
	}

	respondTwiML(w, http.StatusOK, twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL(r)}},
	})
}

type statusResponse struct {
	CallSid string `json:"call_sid"`
	Status  string `json:"status"`
	Ended   bool   `json:"ended"`
}

func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSid := strings.TrimSpace(r.PostForm.Get("CallSid"))
	status := strings.ToLower(strings.TrimSpace(r.PostForm.Get("CallStatus")))
	if callSid == "" || status == "" {
		respondError(w, http.StatusBadRequest, "invalid_status", "CallSid and CallStatus are required")
		return
	}

	resp := statusResponse{CallSid: callSid, Status: status}
	if _, terminal := terminalStatuses[status]; terminal {
		_, err := s.pipeline.EndCall(callSid, status)
		resp.Ended = err == nil
	} else {
		_ = s.pipeline.Sessions().RecordActivity(callSid)
	}
	respondJSON(w, http.StatusOK, resp)
}

func streamURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/v1/calls/stream"
}

func respondTwiML(w http.ResponseWriter, status int, v twimlResponse) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}
