package httpapi

import (
	"net/http"

	"github.com/ent0n29/callpilot/internal/observability"
)

type perfLatencyResponse struct {
	observability.LatencySnapshot
	ActiveCalls int `json:"active_calls"`
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, perfLatencyResponse{
		LatencySnapshot: s.metrics.SnapshotLatency(),
		ActiveCalls:     s.pipeline.Sessions().Count(),
	})
}
