package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/brain"
	"github.com/ent0n29/callpilot/internal/events"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/policy"
	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/transcript"
)

const persistTimeout = 10 * time.Second

type PipelineConfig struct {
	GreetOnStart     bool
	SilenceAmplitude int
}

// Pipeline is the entry point for telephony adapters. It wires segments from
// the session manager into the coordinator and handles call lifecycle side
// effects: the active-call gauge, lifecycle events and transcript persistence.
type Pipeline struct {
	sessions *session.Manager
	coord    *Coordinator
	brain    *brain.Resilient
	store    transcript.Store
	sink     events.Sink
	metrics  *observability.Metrics
	cfg      PipelineConfig

	wg sync.WaitGroup
}

func NewPipeline(
	sessions *session.Manager,
	coord *Coordinator,
	gen *brain.Resilient,
	store transcript.Store,
	sink events.Sink,
	metrics *observability.Metrics,
	cfg PipelineConfig,
) *Pipeline {
	if sink == nil {
		sink = events.NopSink{}
	}
	p := &Pipeline{
		sessions: sessions,
		coord:    coord,
		brain:    gen,
		store:    store,
		sink:     sink,
		metrics:  metrics,
		cfg:      cfg,
	}
	sessions.SetSegmentHandler(coord.HandleSegment)
	sessions.OnStart(p.onCallStarted)
	sessions.OnEnd(p.onCallEnded)
	return p
}

func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// RegisterCall admits a call announced by the call-start webhook. It stays in
// CONNECTING until its media stream arrives. Registering a live call again
// returns its current snapshot.
func (p *Pipeline) RegisterCall(callSid string, meta session.Meta) (session.Snapshot, error) {
	snap, err := p.sessions.Start(callSid, meta)
	if errors.Is(err, session.ErrExists) {
		return p.sessions.Get(callSid)
	}
	return snap, err
}

// StartCall binds a media stream to the call, creating the call first if no
// webhook announced it, and activates it.
func (p *Pipeline) StartCall(callSid string, meta session.Meta, t session.Transport) error {
	if _, err := p.sessions.Start(callSid, meta); err != nil && !errors.Is(err, session.ErrExists) {
		return err
	}
	if err := p.sessions.AttachTransport(callSid, t, meta); err != nil {
		return err
	}
	if err := p.sessions.Activate(callSid); err != nil {
		return err
	}
	log.Info().Str("call_sid", callSid).Str("stream_sid", meta.StreamSid).Msg("media stream started")

	if p.cfg.GreetOnStart {
		ctx, err := p.sessions.Context(callSid)
		if err != nil {
			return nil
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.coord.Greet(ctx, callSid); err != nil {
				log.Debug().Err(err).Str("call_sid", callSid).Msg("greeting not delivered")
			}
		}()
	}
	return nil
}

// IngestAudio feeds one PCM16 chunk to the call. Audio for unknown or
// non-active calls is dropped; the return value reports whether it was taken.
func (p *Pipeline) IngestAudio(callSid string, pcm []byte) bool {
	err := p.sessions.Ingest(callSid, pcm)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrNotActive) && !errors.Is(err, audio.ErrClosed) {
			log.Warn().Err(err).Str("call_sid", callSid).Msg("audio ingest failed")
		}
		return false
	}
	p.metrics.ObserveChunk(audio.IsSilent(pcm, p.cfg.SilenceAmplitude))
	return true
}

// NotifyCallEnded handles the end of the media stream: whatever is still
// buffered gets one last turn, then the call ends.
func (p *Pipeline) NotifyCallEnded(callSid string) {
	if err := p.sessions.Flush(callSid); err != nil && !errors.Is(err, session.ErrNotFound) && !errors.Is(err, audio.ErrClosed) {
		log.Debug().Err(err).Str("call_sid", callSid).Msg("final flush failed")
	}
	p.sessions.End(callSid, session.ReasonStreamStopped)
}

// EndCall ends the call with reason. Ending an unknown call returns ErrNotFound.
func (p *Pipeline) EndCall(callSid, reason string) (session.Snapshot, error) {
	snap, ok := p.sessions.End(callSid, reason)
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	return snap, nil
}

// Shutdown ends every call and waits for background work until ctx expires.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	n := p.sessions.EndAll(session.ReasonShutdown)
	if n > 0 {
		log.Info().Int("calls", n).Msg("ended live calls for shutdown")
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) onCallStarted(snap session.Snapshot) {
	p.metrics.SetActiveCalls(p.sessions.Count())
	p.metrics.ObserveCallEvent("started")
	p.sink.Publish(events.TopicCallStarted, events.CallStarted{
		CallSid:   snap.CallSid,
		From:      snap.Meta.From,
		To:        snap.Meta.To,
		Direction: snap.Meta.Direction,
		Language:  string(snap.Language),
		StartedAt: snap.StartedAt,
	})
	log.Info().Str("call_sid", snap.CallSid).Str("from", snap.Meta.From).Msg("call started")
}

func (p *Pipeline) onCallEnded(snap session.Snapshot) {
	p.metrics.SetActiveCalls(p.sessions.Count())
	p.metrics.ObserveCallEnd(snap.EndReason)
	p.sink.Publish(events.TopicCallEnded, events.CallEnded{
		CallSid:            snap.CallSid,
		Reason:             snap.EndReason,
		Language:           string(snap.Language),
		DurationMS:         snap.Duration().Milliseconds(),
		Turns:              snap.Conversation.TotalMessages,
		ChunksReceived:     snap.Metrics.ChunksReceived,
		ChunksProcessed:    snap.Metrics.ChunksProcessed,
		AssistantResponses: snap.Metrics.AssistantResponses,
		Errors:             len(snap.Metrics.Errors),
		EndedAt:            snap.EndedAt,
	})

	if p.store == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.store.SaveTranscript(ctx, p.transcriptRecord(ctx, snap)); err != nil {
			log.Error().Err(err).Str("call_sid", snap.CallSid).Msg("transcript not saved")
		}
	}()
}

func (p *Pipeline) transcriptRecord(ctx context.Context, snap session.Snapshot) transcript.Record {
	summary := brain.SummaryUnavailable
	if p.brain != nil {
		summary = p.brain.Summarize(ctx, snap.History)
	}
	summary, _ = policy.RedactPII(summary)

	turns := make([]transcript.Turn, 0, len(snap.History))
	for i, t := range snap.History {
		content, redacted := policy.RedactPII(t.Content)
		turns = append(turns, transcript.Turn{
			Seq:         i + 1,
			Role:        string(t.Role),
			Content:     content,
			Language:    string(t.Language),
			PIIRedacted: redacted,
			CreatedAt:   t.Timestamp,
		})
	}
	m := snap.Metrics
	return transcript.Record{
		CallSid:   snap.CallSid,
		From:      snap.Meta.From,
		To:        snap.Meta.To,
		Language:  string(snap.Language),
		EndReason: snap.EndReason,
		Summary:   summary,
		StartedAt: snap.StartedAt,
		EndedAt:   snap.EndedAt,
		Metrics: transcript.Metrics{
			ChunksReceived:     m.ChunksReceived,
			ChunksProcessed:    m.ChunksProcessed,
			ChunksFailed:       m.ChunksFailed,
			AvgProcessingMS:    m.AvgProcessingMS,
			AvgConfidence:      m.AvgConfidence,
			WordsTranscribed:   m.WordsTranscribed,
			AssistantResponses: m.AssistantResponses,
			Errors:             len(m.Errors),
		},
		Turns: turns,
	}
}
