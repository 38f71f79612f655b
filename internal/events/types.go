package events

import "time"

const (
	TopicCallStarted   = "call.started"
	TopicCallEnded     = "call.ended"
	TopicTurnProcessed = "turn.processed"
)

// Topics lists every topic the pipeline publishes.
func Topics() []string {
	return []string{TopicCallStarted, TopicCallEnded, TopicTurnProcessed}
}

// Sink accepts analytics events. Publish never blocks the caller and never fails.
type Sink interface {
	Publish(topic string, payload any)
}

type NopSink struct{}

func (NopSink) Publish(string, any) {}

type CallStarted struct {
	CallSid   string    `json:"call_sid"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Language  string    `json:"language"`
	StartedAt time.Time `json:"started_at"`
}

type CallEnded struct {
	CallSid            string    `json:"call_sid"`
	Reason             string    `json:"reason"`
	Language           string    `json:"language"`
	DurationMS         int64     `json:"duration_ms"`
	Turns              int       `json:"turns"`
	ChunksReceived     int       `json:"chunks_received"`
	ChunksProcessed    int       `json:"chunks_processed"`
	AssistantResponses int       `json:"assistant_responses"`
	Errors             int       `json:"errors"`
	EndedAt            time.Time `json:"ended_at"`
}

type TurnProcessed struct {
	CallSid        string    `json:"call_sid"`
	TurnID         string    `json:"turn_id"`
	Outcome        string    `json:"outcome"`
	Language       string    `json:"language"`
	LanguageSwitch bool      `json:"language_switch,omitempty"`
	Intent         string    `json:"intent"`
	UserText       string    `json:"user_text,omitempty"`
	ReplyText      string    `json:"reply_text"`
	Confidence     float64   `json:"confidence"`
	STTProvider    string    `json:"stt_provider,omitempty"`
	BrainProvider  string    `json:"brain_provider,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
	Transfer       bool      `json:"transfer,omitempty"`
	EndCall        bool      `json:"end_call,omitempty"`
	PIIRedacted    bool      `json:"pii_redacted,omitempty"`
	At             time.Time `json:"at"`
}
