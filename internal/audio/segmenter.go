package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("segmenter closed")

// SegmentReason records which policy released a segment.
type SegmentReason string

const (
	ReasonThreshold SegmentReason = "threshold"
	ReasonSilence   SegmentReason = "silence"
	ReasonFlush     SegmentReason = "flush"
)

// Segment is one utterance-sized run of buffered, non-silent PCM16LE audio.
type Segment struct {
	Seq       int
	Audio     []byte
	Chunks    int
	StartedAt time.Time
	EndedAt   time.Time
	Reason    SegmentReason
}

// SegmentHandler consumes a segment. It runs on the segmenter's pass
// goroutine; at most one invocation is in flight per segmenter.
type SegmentHandler func(Segment)

type SegmenterConfig struct {
	ChunkThresholdBytes int
	MinChunks           int
	SilenceAmplitude    int
	MaxSilentChunks     int
	// Debounce coalesces bursts of chunks. Zero evaluates synchronously inside Ingest.
	Debounce time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.ChunkThresholdBytes <= 0 {
		c.ChunkThresholdBytes = 4096
	}
	if c.MinChunks <= 0 {
		c.MinChunks = 2
	}
	if c.SilenceAmplitude < 0 {
		c.SilenceAmplitude = 0
	}
	if c.MaxSilentChunks <= 0 {
		c.MaxSilentChunks = 10
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	return c
}

// Segmenter accumulates one call's audio and releases segments when the
// byte/chunk threshold, the silence run, or a flush request says so.
type Segmenter struct {
	cfg     SegmenterConfig
	handler SegmentHandler

	mu           sync.Mutex
	idle         *sync.Cond
	buf          []byte
	chunks       int
	silent       int
	startedAt    time.Time
	lastAt       time.Time
	seq          int
	processing   bool
	pending      bool
	forcePending bool
	timer        *time.Timer
	timerGen     int
	closed       bool
}

func NewSegmenter(cfg SegmenterConfig, handler SegmentHandler) *Segmenter {
	s := &Segmenter{
		cfg:     cfg.withDefaults(),
		handler: handler,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Ingest classifies a PCM16LE chunk and buffers it when it carries speech.
// Silent chunks only advance the consecutive-silence counter.
func (s *Segmenter) Ingest(chunk []byte, at time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if at.IsZero() {
		at = time.Now()
	}

	if IsSilent(chunk, s.cfg.SilenceAmplitude) {
		s.silent++
	} else {
		s.silent = 0
		if len(s.buf) == 0 {
			s.startedAt = at
		}
		s.buf = append(s.buf, chunk...)
		s.chunks++
		s.lastAt = at
	}

	if s.processing {
		s.pending = true
		s.mu.Unlock()
		return nil
	}

	if s.cfg.Debounce <= 0 {
		s.mu.Unlock()
		s.run(false, false)
		return nil
	}
	// The window opens on the first chunk after a pass; later chunks do not
	// extend it.
	if s.timer == nil {
		s.timerGen++
		gen := s.timerGen
		s.timer = time.AfterFunc(s.cfg.Debounce, func() { s.onDebounce(gen) })
	}
	s.mu.Unlock()
	return nil
}

// Flush releases whatever is buffered regardless of thresholds. It waits for
// an in-flight pass to finish first so the flushed audio is handled in order.
func (s *Segmenter) Flush() error {
	s.mu.Lock()
	closed := s.closed
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.run(true, true)
	return nil
}

// Close drops buffered audio and cancels the debounce timer. Idempotent.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buf = nil
	s.chunks = 0
	s.silent = 0
	s.pending = false
	s.forcePending = false
	s.idle.Broadcast()
}

// Buffered returns the number of bytes waiting for the next segment.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Segmenter) onDebounce(gen int) {
	s.mu.Lock()
	if gen != s.timerGen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.run(false, false)
}

// run performs one segmentation pass plus any follow-up passes requested
// while the handler was busy. With wait=false a concurrent pass only records
// the request; with wait=true the caller blocks until it can run its own pass.
func (s *Segmenter) run(force, wait bool) {
	s.mu.Lock()
	for s.processing && !s.closed {
		if !wait {
			s.pending = true
			s.forcePending = s.forcePending || force
			s.mu.Unlock()
			return
		}
		s.idle.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.processing = true

	for {
		seg, ok := s.takeLocked(force)
		if !ok {
			s.finishLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.dispatch(seg)

		s.mu.Lock()
		if s.closed || (!s.pending && !s.forcePending) {
			s.finishLocked()
			s.mu.Unlock()
			return
		}
		force = s.forcePending
		s.pending = false
		s.forcePending = false
	}
}

func (s *Segmenter) finishLocked() {
	s.processing = false
	s.idle.Broadcast()
}

func (s *Segmenter) takeLocked(force bool) (Segment, bool) {
	if len(s.buf) == 0 {
		return Segment{}, false
	}

	var reason SegmentReason
	switch {
	case force:
		reason = ReasonFlush
	case len(s.buf) >= s.cfg.ChunkThresholdBytes && s.chunks >= s.cfg.MinChunks:
		reason = ReasonThreshold
	case s.silent >= s.cfg.MaxSilentChunks:
		reason = ReasonSilence
	default:
		return Segment{}, false
	}

	s.seq++
	seg := Segment{
		Seq:       s.seq,
		Audio:     s.buf,
		Chunks:    s.chunks,
		StartedAt: s.startedAt,
		EndedAt:   s.lastAt,
		Reason:    reason,
	}
	s.buf = nil
	s.chunks = 0
	s.silent = 0
	return seg, true
}

func (s *Segmenter) dispatch(seg Segment) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("seq", seg.Seq).Msg("segment handler panicked")
		}
	}()
	s.handler(seg)
}
