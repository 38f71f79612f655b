package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/reliability"
)

type GatewayConfig struct {
	// AttemptTimeout bounds every single provider attempt.
	AttemptTimeout time.Duration
	// MinConfidence is the floor below which a transcript counts as a failed
	// attempt and the next provider is tried.
	MinConfidence float64
}

// Gateway walks ordered STT and TTS provider chains. Attempts are strictly
// sequential and it never returns an error: total failure yields the empty
// Transcript or Speech.
type Gateway struct {
	stt     []STTProvider
	tts     []TTSProvider
	cfg     GatewayConfig
	metrics *observability.Metrics
}

func NewGateway(stt []STTProvider, tts []TTSProvider, cfg GatewayConfig, metrics *observability.Metrics) *Gateway {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &Gateway{stt: stt, tts: tts, cfg: cfg, metrics: metrics}
}

// SpeechToText returns the first confident transcript. If every provider
// failed but some produced low-confidence text, the best of those is
// returned instead of the empty sentinel.
func (g *Gateway) SpeechToText(ctx context.Context, pcm []byte, sampleRate int) Transcript {
	var best Transcript
	for _, p := range g.stt {
		if ctx.Err() != nil {
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		tr, err := p.Transcribe(attemptCtx, pcm, sampleRate)
		cancel()

		if err == nil && tr.Empty() {
			err = reliability.ErrEmptyResult
		}
		if err != nil {
			g.observeFailure("stt", p.Name(), err)
			continue
		}
		if tr.Provider == "" {
			tr.Provider = p.Name()
		}
		if tr.Confidence < g.cfg.MinConfidence {
			g.metrics.ObserveProviderAttempt("stt", p.Name(), errLowConfidence, "low_confidence")
			log.Debug().Str("provider", p.Name()).Float64("confidence", tr.Confidence).Msg("stt result below confidence floor")
			if tr.Confidence > best.Confidence || best.Empty() {
				best = tr
			}
			continue
		}
		g.metrics.ObserveProviderAttempt("stt", p.Name(), nil, "ok")
		return tr
	}
	return best
}

// TextToSpeech synthesizes text with the first provider that returns audio.
func (g *Gateway) TextToSpeech(ctx context.Context, text string, lang language.Tag, voice string) Speech {
	text = sanitizeSpeechText(text)
	if text == "" {
		return Speech{}
	}
	for _, p := range g.tts {
		if ctx.Err() != nil {
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		sp, err := p.Synthesize(attemptCtx, text, lang, strings.TrimSpace(voice))
		cancel()

		if err == nil && sp.Empty() {
			err = reliability.ErrEmptyResult
		}
		if err != nil {
			g.observeFailure("tts", p.Name(), err)
			continue
		}
		if sp.Provider == "" {
			sp.Provider = p.Name()
		}
		g.metrics.ObserveProviderAttempt("tts", p.Name(), nil, "ok")
		return sp
	}
	return Speech{}
}

func (g *Gateway) observeFailure(capability, provider string, err error) {
	code := reliability.ErrorCode(err)
	g.metrics.ObserveProviderAttempt(capability, provider, err, code)
	log.Warn().
		Err(err).
		Str("stage", capability).
		Str("provider", provider).
		Str("code", code).
		Msg("provider attempt failed")
}

var errLowConfidence = errors.New("transcript below confidence floor")
