package brain

import (
	"context"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

// Context is everything a generator sees for one caller utterance.
type Context struct {
	CallSid         string
	CurrentLanguage language.Tag
	UserInput       string
	Confidence      float64
	History         []conversation.Turn
	Metadata        map[string]string
}

// Response is a structured assistant reply.
type Response struct {
	Message          string         `json:"message"`
	Intent           string         `json:"intent"`
	Entities         map[string]any `json:"entities,omitempty"`
	Confidence       float64        `json:"confidence"`
	ShouldTransfer   bool           `json:"should_transfer"`
	ShouldEndCall    bool           `json:"should_end_call"`
	NextActions      []string       `json:"next_actions,omitempty"`
	EmotionalTone    string         `json:"emotional_tone,omitempty"`
	DetectedLanguage language.Tag   `json:"detected_language,omitempty"`
	Provider         string         `json:"provider,omitempty"`
}

// Prompt is what a Provider is asked to complete.
type Prompt struct {
	System string
	User   string
	// JSON asks the provider to constrain output to a JSON object.
	JSON bool
	// Input is the structured request the prompt was built from.
	Input Context
}

// Provider is a raw text completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Generator turns a Context into a parsed Response.
type Generator interface {
	Name() string
	Generate(ctx context.Context, c Context) (Response, error)
}

// Summarizer produces a short summary of a finished conversation.
type Summarizer interface {
	Summarize(ctx context.Context, turns []conversation.Turn) (string, error)
}
