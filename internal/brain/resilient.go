package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

const (
	IntentErrorRecovery = "error_recovery"
	IntentNoInput       = "no_input"
	ActionRetryInput    = "retry_input"

	SummaryUnavailable = "Summary not available"
)

// Resilient wraps a Generator so that callers always get a speakable reply.
type Resilient struct {
	next Generator
	book *language.Phrasebook
}

func NewResilient(next Generator, book *language.Phrasebook) *Resilient {
	if book == nil {
		book = language.DefaultPhrasebook()
	}
	return &Resilient{next: next, book: book}
}

// Generate never fails. Errors, panics and invalid output all produce the
// fixed error-recovery reply in c.CurrentLanguage and report fellBack=true.
func (r *Resilient) Generate(ctx context.Context, c Context) (resp Response, fellBack bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("call_sid", c.CallSid).Interface("panic", p).Msg("generator panicked")
			resp, fellBack = r.Fallback(c.CurrentLanguage), true
		}
	}()
	if r.next == nil {
		return r.Fallback(c.CurrentLanguage), true
	}
	out, err := r.next.Generate(ctx, c)
	if err != nil {
		log.Warn().Err(err).Str("call_sid", c.CallSid).Str("stage", "generate").Msg("using fallback reply")
		return r.Fallback(c.CurrentLanguage), true
	}
	return out, false
}

// Fallback is the fixed error-recovery reply for lang.
func (r *Resilient) Fallback(lang language.Tag) Response {
	return Response{
		Message:       r.book.Line(lang, language.LineErrorRecovery),
		Intent:        IntentErrorRecovery,
		Entities:      map[string]any{},
		Confidence:    0.5,
		NextActions:   []string{ActionRetryInput},
		EmotionalTone: "helpful",
	}
}

// NoInput is the "didn't catch that" reply for lang.
func (r *Resilient) NoInput(lang language.Tag) Response {
	return Response{
		Message:       r.book.Line(lang, language.LineNoInput),
		Intent:        IntentNoInput,
		Entities:      map[string]any{},
		Confidence:    1,
		NextActions:   []string{ActionRetryInput},
		EmotionalTone: "helpful",
	}
}

// Summarize returns a summary of turns, or SummaryUnavailable when the
// wrapped generator cannot produce one.
func (r *Resilient) Summarize(ctx context.Context, turns []conversation.Turn) string {
	if len(turns) == 0 {
		return SummaryUnavailable
	}
	s, ok := r.next.(Summarizer)
	if !ok {
		return SummaryUnavailable
	}
	summary, err := s.Summarize(ctx, turns)
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			log.Debug().Err(err).Msg("conversation summary failed")
		}
		return SummaryUnavailable
	}
	return strings.TrimSpace(summary)
}

// String helps log which generator is wrapped.
func (r *Resilient) String() string {
	if r.next == nil {
		return "resilient(none)"
	}
	return fmt.Sprintf("resilient(%s)", r.next.Name())
}
