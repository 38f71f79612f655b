package transcript

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript not found")

// Turn is one persisted conversation line.
type Turn struct {
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Language    string    `json:"language"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Metrics is the per-call metrics summary stored alongside a transcript.
type Metrics struct {
	ChunksReceived     int     `json:"chunks_received"`
	ChunksProcessed    int     `json:"chunks_processed"`
	ChunksFailed       int     `json:"chunks_failed"`
	AvgProcessingMS    float64 `json:"avg_processing_ms"`
	AvgConfidence      float64 `json:"avg_confidence"`
	WordsTranscribed   int     `json:"words_transcribed"`
	AssistantResponses int     `json:"assistant_responses"`
	Errors             int     `json:"errors"`
}

// Record is a finished call's transcript.
type Record struct {
	ID        string    `json:"id"`
	CallSid   string    `json:"call_sid"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Language  string    `json:"language"`
	EndReason string    `json:"end_reason"`
	Summary   string    `json:"summary"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Metrics   Metrics   `json:"metrics"`
	Turns     []Turn    `json:"turns"`
}

// Store persists finished call transcripts.
type Store interface {
	SaveTranscript(ctx context.Context, rec Record) error
	GetTranscript(ctx context.Context, callSid string) (Record, error)
	RecentByCaller(ctx context.Context, from string, limit int) ([]Record, error)
	Close() error
}
