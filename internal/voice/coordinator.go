package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/brain"
	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/events"
	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/policy"
	"github.com/ent0n29/callpilot/internal/session"
)

const (
	OutcomeReplied  = "replied"
	OutcomeNoInput  = "no_input"
	OutcomeFallback = "fallback"

	IntentGreeting = "greeting"

	// A detected language only steers a turn when it is at least this sure.
	languageConfidenceFloor = 0.85
	emitTimeout             = 2 * time.Second
)

type CoordinatorConfig struct {
	SampleRate    int
	MinConfidence float64
	Voice         string
}

// Coordinator runs the per-turn state machine for every call:
// transcribe, prepare context, generate, record, synthesize, emit.
type Coordinator struct {
	sessions *session.Manager
	gateway  *Gateway
	detector *language.Detector
	brain    *brain.Resilient
	sink     events.Sink
	metrics  *observability.Metrics
	cfg      CoordinatorConfig
}

func NewCoordinator(
	sessions *session.Manager,
	gateway *Gateway,
	detector *language.Detector,
	gen *brain.Resilient,
	sink events.Sink,
	metrics *observability.Metrics,
	cfg CoordinatorConfig,
) *Coordinator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Coordinator{
		sessions: sessions,
		gateway:  gateway,
		detector: detector,
		brain:    gen,
		sink:     sink,
		metrics:  metrics,
		cfg:      cfg,
	}
}

type turnResult struct {
	id         string
	outcome    string
	transcript Transcript
	reply      brain.Response
	lang       language.Tag
	switched   bool
	spoken     string
	speech     Speech
}

// HandleSegment processes one utterance. The segmenter guarantees at most one
// call per callSid is in flight.
func (c *Coordinator) HandleSegment(callSid string, seg audio.Segment) {
	ctx, err := c.sessions.Context(callSid)
	if err != nil {
		return
	}
	started := time.Now()
	c.metrics.ObserveSegment(string(seg.Reason))

	id := uuid.NewString()
	res, err := c.runTurn(ctx, callSid, id, seg)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		log.Error().Err(err).Str("call_sid", callSid).Str("turn_id", id).Msg("turn failed, using fallback reply")
		c.sessions.RecordError(callSid, "turn", err)
		lang, lerr := c.sessions.CurrentLanguage(callSid)
		if lerr != nil {
			return
		}
		res = turnResult{
			id:         id,
			outcome:    OutcomeFallback,
			transcript: res.transcript,
			reply:      c.brain.Fallback(lang),
			lang:       lang,
		}
		c.speak(ctx, callSid, &res)
	}
	c.emit(ctx, callSid, res, started)
}

func (c *Coordinator) runTurn(ctx context.Context, callSid, id string, seg audio.Segment) (res turnResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("turn panicked: %v", p)
		}
	}()
	res.id = id

	current, err := c.sessions.CurrentLanguage(callSid)
	if err != nil {
		return res, err
	}
	res.lang = current

	c.sessions.SetStage(callSid, session.StageTranscribing)
	t0 := time.Now()
	tr := c.gateway.SpeechToText(ctx, seg.Audio, c.cfg.SampleRate)
	c.metrics.ObserveStage("transcribe", time.Since(t0))
	res.transcript = tr

	if tr.Empty() || tr.Confidence < c.cfg.MinConfidence {
		log.Debug().
			Str("call_sid", callSid).
			Str("stage", "transcribe").
			Float64("confidence", tr.Confidence).
			Msg("no usable speech in segment")
		res.outcome = OutcomeNoInput
		res.reply = c.brain.NoInput(current)
		c.speak(ctx, callSid, &res)
		return res, nil
	}

	t0 = time.Now()
	var (
		switchTo language.Tag
		switched bool
		detected language.Detection
		history  []conversation.Turn
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		switchTo, switched = c.detector.DetectSwitchRequest(tr.Text, current)
		return nil
	})
	g.Go(func() error {
		detected = c.detector.Detect(gctx, tr.Text)
		return nil
	})
	g.Go(func() error {
		h, err := c.sessions.History(callSid)
		history = h
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	c.metrics.ObserveStage("prepare_context", time.Since(t0))

	turnLang := c.resolveLanguage(current, tr, detected, switchTo, switched)

	c.sessions.SetStage(callSid, session.StageGenerating)
	t0 = time.Now()
	reply, fellBack := c.brain.Generate(ctx, brain.Context{
		CallSid:         callSid,
		CurrentLanguage: turnLang,
		UserInput:       tr.Text,
		Confidence:      tr.Confidence,
		History:         history,
		Metadata: map[string]string{
			"turn_id":        id,
			"segment_reason": string(seg.Reason),
		},
	})
	c.metrics.ObserveStage("generate", time.Since(t0))
	if fellBack {
		// The fallback stays in the call's language and out of history.
		res.outcome = OutcomeFallback
		res.reply = c.brain.Fallback(current)
		res.lang = current
		c.speak(ctx, callSid, &res)
		return res, nil
	}
	res.reply = reply
	res.outcome = OutcomeReplied

	final := turnLang
	switch {
	case switched:
		final = switchTo
	case reply.DetectedLanguage != "" && c.detector.Phrasebook().Has(reply.DetectedLanguage):
		final = reply.DetectedLanguage
	}
	res.lang = final

	if err := c.sessions.Append(callSid, conversation.RoleUser, tr.Text, final); err != nil {
		return res, err
	}
	if err := c.sessions.Append(callSid, conversation.RoleAssistant, reply.Message, final); err != nil {
		return res, err
	}
	if final != current && (switched || reply.DetectedLanguage == final) {
		if err := c.sessions.SetCurrentLanguage(callSid, final); err != nil {
			return res, err
		}
		res.switched = true
		c.metrics.ObserveLanguageSwitch(string(final))
		log.Info().
			Str("call_sid", callSid).
			Str("from", string(current)).
			Str("to", string(final)).
			Bool("explicit", switched).
			Msg("conversation language switched")
	}

	c.speak(ctx, callSid, &res)
	return res, nil
}

// resolveLanguage picks the language one turn is generated in. An explicit
// request wins; otherwise a confident script or STT detection; otherwise the
// call's current language.
func (c *Coordinator) resolveLanguage(current language.Tag, tr Transcript, det language.Detection, switchTo language.Tag, switched bool) language.Tag {
	book := c.detector.Phrasebook()
	if switched {
		return switchTo
	}
	if det.Source == language.SourceScript && det.Confidence >= languageConfidenceFloor && book.Has(det.Language) {
		return det.Language
	}
	if tr.Language != "" && tr.Confidence >= languageConfidenceFloor && book.Has(tr.Language) {
		return tr.Language
	}
	return current
}

func (c *Coordinator) speak(ctx context.Context, callSid string, res *turnResult) {
	c.sessions.SetStage(callSid, session.StageSynthesizing)
	book := c.detector.Phrasebook()
	text := res.reply.Message
	switch {
	case res.reply.ShouldTransfer:
		text = joinSpoken(text, book.Line(res.lang, language.LineTransfer))
	case res.reply.ShouldEndCall:
		text = joinSpoken(text, book.Line(res.lang, language.LineGoodbye))
	}
	res.spoken = text

	t0 := time.Now()
	res.speech = c.gateway.TextToSpeech(ctx, text, res.lang, c.cfg.Voice)
	c.metrics.ObserveStage("synthesize", time.Since(t0))
	if res.speech.Empty() {
		log.Warn().Str("call_sid", callSid).Str("stage", "synthesize").Msg("no audio synthesized, replying with text only")
	}
}

func (c *Coordinator) emit(ctx context.Context, callSid string, res turnResult, started time.Time) {
	c.sessions.SetStage(callSid, session.StageEmitting)
	msg := session.Outbound{
		Kind:        session.OutboundReply,
		TurnID:      res.id,
		Text:        res.spoken,
		Intent:      res.reply.Intent,
		Language:    res.lang,
		Audio:       res.speech.Audio,
		AudioFormat: res.speech.Format,
		SampleRate:  res.speech.SampleRate,
	}
	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	t0 := time.Now()
	err := c.sessions.Emit(emitCtx, callSid, msg)
	cancel()
	c.metrics.ObserveStage("emit", time.Since(t0))
	total := time.Since(started)
	c.sessions.SetStage(callSid, session.StageIdle)

	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotActive) {
		c.metrics.ObserveOutboundMessage(string(session.OutboundReply), "dropped")
		c.metrics.ObserveTurn(res.outcome, total)
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
		c.sessions.RecordError(callSid, "emit", err)
		log.Warn().Err(err).Str("call_sid", callSid).Str("stage", "emit").Str("turn_id", res.id).Msg("reply not delivered")
	}
	c.metrics.ObserveOutboundMessage(string(session.OutboundReply), result)
	c.metrics.ObserveTurn(res.outcome, total)
	c.sessions.RecordTurn(callSid, session.TurnRecord{
		Latency:    total,
		Confidence: res.transcript.Confidence,
		Words:      res.transcript.Words(),
		Responded:  err == nil && res.outcome != OutcomeNoInput,
		Failed:     err != nil || res.outcome == OutcomeFallback,
	})

	if err == nil {
		c.publishTurn(callSid, res, total)
	}

	switch {
	case res.reply.ShouldTransfer:
		c.finish(callSid, session.ReasonTransfer)
	case res.reply.ShouldEndCall:
		c.finish(callSid, session.ReasonCompleted)
	}
}

func (c *Coordinator) finish(callSid, reason string) {
	if err := c.sessions.MarkEnding(callSid); err != nil {
		return
	}
	c.sessions.End(callSid, reason)
}

func (c *Coordinator) publishTurn(callSid string, res turnResult, total time.Duration) {
	userText, userRedacted := policy.RedactPII(res.transcript.Text)
	replyText, replyRedacted := policy.RedactPII(res.spoken)
	c.sink.Publish(events.TopicTurnProcessed, events.TurnProcessed{
		CallSid:        callSid,
		TurnID:         res.id,
		Outcome:        res.outcome,
		Language:       string(res.lang),
		LanguageSwitch: res.switched,
		Intent:         res.reply.Intent,
		UserText:       userText,
		ReplyText:      replyText,
		Confidence:     res.transcript.Confidence,
		STTProvider:    res.transcript.Provider,
		BrainProvider:  res.reply.Provider,
		LatencyMS:      total.Milliseconds(),
		Transfer:       res.reply.ShouldTransfer,
		EndCall:        res.reply.ShouldEndCall,
		PIIRedacted:    userRedacted || replyRedacted,
		At:             time.Now().UTC(),
	})
}

// Greet speaks the greeting line in the call's current language. The
// greeting is not part of the conversation history.
func (c *Coordinator) Greet(ctx context.Context, callSid string) error {
	lang, err := c.sessions.CurrentLanguage(callSid)
	if err != nil {
		return err
	}
	text := c.detector.Phrasebook().Line(lang, language.LineGreeting)
	sp := c.gateway.TextToSpeech(ctx, text, lang, c.cfg.Voice)
	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	err = c.sessions.Emit(emitCtx, callSid, session.Outbound{
		Kind:        session.OutboundReply,
		TurnID:      uuid.NewString(),
		Text:        text,
		Intent:      IntentGreeting,
		Language:    lang,
		Audio:       sp.Audio,
		AudioFormat: sp.Format,
		SampleRate:  sp.SampleRate,
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.ObserveOutboundMessage(IntentGreeting, result)
	return err
}
