package brain

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ent0n29/callpilot/internal/language"
)

var jsonFencePattern = regexp.MustCompile("```(?:json)?\\s*|\\s*```")

// ParseOutcome is either a valid Response or the raw text that failed to
// parse as one.
type ParseOutcome struct {
	Response Response
	Raw      string
	OK       bool
}

func Valid(r Response) ParseOutcome   { return ParseOutcome{Response: r, OK: true} }
func Invalid(raw string) ParseOutcome { return ParseOutcome{Raw: raw} }

type wireResponse struct {
	Response         string         `json:"response"`
	Message          string         `json:"message"`
	Intent           string         `json:"intent"`
	Entities         map[string]any `json:"entities"`
	Confidence       *float64       `json:"confidence"`
	ShouldTransfer   bool           `json:"shouldTransfer"`
	ShouldEndCall    bool           `json:"shouldEndCall"`
	NextActions      []string       `json:"nextActions"`
	EmotionalTone    string         `json:"emotionalTone"`
	DetectedLanguage string         `json:"detectedLanguage"`
}

// ParseResponse decodes model output into a Response. A ```json fence is
// stripped; anything that is not a JSON object with a non-empty "response"
// (or "message") is Invalid.
func ParseResponse(raw string) ParseOutcome {
	clean := strings.TrimSpace(jsonFencePattern.ReplaceAllString(raw, ""))
	if clean == "" {
		return Invalid(raw)
	}
	var w wireResponse
	if err := json.Unmarshal([]byte(clean), &w); err != nil {
		return Invalid(raw)
	}
	msg := strings.TrimSpace(w.Response)
	if msg == "" {
		msg = strings.TrimSpace(w.Message)
	}
	if msg == "" {
		return Invalid(raw)
	}

	r := Response{
		Message:        msg,
		Intent:         strings.TrimSpace(w.Intent),
		Entities:       w.Entities,
		Confidence:     0.9,
		ShouldTransfer: w.ShouldTransfer,
		ShouldEndCall:  w.ShouldEndCall,
		NextActions:    w.NextActions,
		EmotionalTone:  strings.TrimSpace(w.EmotionalTone),
	}
	if r.Intent == "" {
		r.Intent = "general"
	}
	if r.EmotionalTone == "" {
		r.EmotionalTone = "friendly"
	}
	if w.Confidence != nil {
		r.Confidence = clamp01(*w.Confidence)
	}
	if tag, ok := language.Normalize(w.DetectedLanguage); ok {
		r.DetectedLanguage = tag
	}
	return Valid(r)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
