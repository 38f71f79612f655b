package session

import (
	"context"
	"time"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

// State is the lifecycle position of a call.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateActive     State = "ACTIVE"
	StateEnding     State = "ENDING"
	StateEnded      State = "ENDED"
)

// Stage is the turn coordinator's position for a call.
type Stage string

const (
	StageIdle         Stage = "IDLE"
	StageTranscribing Stage = "TRANSCRIBING"
	StageGenerating   Stage = "GENERATING"
	StageSynthesizing Stage = "SYNTHESIZING"
	StageEmitting     Stage = "EMITTING"
)

// End reasons used across the service.
const (
	ReasonCompleted     = "completed"
	ReasonTransfer      = "transfer"
	ReasonInactivity    = "inactivity_timeout"
	ReasonStreamStopped = "stream_stopped"
	ReasonHangup        = "hangup"
	ReasonShutdown      = "shutdown"
)

// Meta is what the telephony provider told us about the call.
type Meta struct {
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	StreamSid  string            `json:"stream_sid,omitempty"`
	Direction  string            `json:"direction,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type OutboundKind string

const (
	OutboundReply     OutboundKind = "reply"
	OutboundCallEnded OutboundKind = "call_ended"
)

// Outbound is one message pushed to the caller's transport.
type Outbound struct {
	Kind        OutboundKind
	TurnID      string
	Text        string
	Intent      string
	Language    language.Tag
	Audio       []byte
	AudioFormat string
	SampleRate  int
	Reason      string
}

// Transport delivers outbound messages to a connected media stream.
type Transport interface {
	Send(ctx context.Context, msg Outbound) error
	Close()
}

// ErrorEntry is one line of a call's bounded error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
}

// CallMetrics are monotonic per-call counters. Chunks processed/failed count
// utterance segments that went through a turn.
type CallMetrics struct {
	ChunksReceived     int          `json:"chunks_received"`
	ChunksProcessed    int          `json:"chunks_processed"`
	ChunksFailed       int          `json:"chunks_failed"`
	AvgProcessingMS    float64      `json:"avg_processing_ms"`
	AvgConfidence      float64      `json:"avg_confidence"`
	WordsTranscribed   int          `json:"words_transcribed"`
	AssistantResponses int          `json:"assistant_responses"`
	Errors             []ErrorEntry `json:"errors,omitempty"`
}

// TurnRecord is what the coordinator reports after a turn.
type TurnRecord struct {
	Latency    time.Duration
	Confidence float64
	Words      int
	Responded  bool
	Failed     bool
}

// Snapshot is a point-in-time copy of a call. History is only filled in the
// snapshot returned from End.
type Snapshot struct {
	CallSid        string              `json:"call_sid"`
	State          State               `json:"state"`
	Stage          Stage               `json:"stage"`
	Meta           Meta                `json:"meta"`
	Language       language.Tag        `json:"language"`
	StartedAt      time.Time           `json:"started_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	EndedAt        time.Time           `json:"ended_at,omitempty"`
	EndReason      string              `json:"end_reason,omitempty"`
	Metrics        CallMetrics         `json:"metrics"`
	Conversation   conversation.Stats  `json:"conversation"`
	History        []conversation.Turn `json:"history,omitempty"`
}

// Duration is the call's wall time up to EndedAt, or up to LastActivityAt
// while the call is live.
func (s Snapshot) Duration() time.Duration {
	end := s.EndedAt
	if end.IsZero() {
		end = s.LastActivityAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}
