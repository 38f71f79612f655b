package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

var (
	ErrNotFound  = errors.New("call not found")
	ErrExists    = errors.New("call already exists")
	ErrCapacity  = errors.New("call capacity reached")
	ErrNotActive = errors.New("call is not active")
	ErrNoStream  = errors.New("call has no media stream attached")
)

// Options configures admission, expiry and per-call resources.
type Options struct {
	MaxConcurrent     int
	InactivityTimeout time.Duration
	HistoryLimit      int
	DefaultLanguage   language.Tag
	Segmenter         audio.SegmenterConfig
}

// SegmentHandler receives every utterance segment of every call.
type SegmentHandler func(callSid string, seg audio.Segment)

// Manager is the only place calls are created or destroyed.
type Manager struct {
	mu       sync.RWMutex
	calls    map[string]*Call
	opts     Options
	handler  SegmentHandler
	onStart  []func(Snapshot)
	onEnd    []func(Snapshot)
	now      func() time.Time
	notifyTO time.Duration
}

func NewManager(opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 100
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = language.English
	}
	return &Manager{
		calls:    make(map[string]*Call),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		notifyTO: 500 * time.Millisecond,
	}
}

// SetSegmentHandler installs the consumer of finalized segments. Calls
// started before the handler is set still use it.
func (m *Manager) SetSegmentHandler(h SegmentHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnStart registers a hook fired after a call is admitted.
func (m *Manager) OnStart(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = append(m.onStart, hook)
}

// OnEnd registers a hook fired exactly once per call after teardown.
func (m *Manager) OnEnd(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, hook)
}

func (m *Manager) segmentHandler() SegmentHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Start admits a new call in CONNECTING.
func (m *Manager) Start(callSid string, meta Meta) (Snapshot, error) {
	if callSid == "" {
		return Snapshot{}, ErrNotFound
	}
	now := m.now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		sid:            callSid,
		meta:           meta,
		state:          StateConnecting,
		stage:          StageIdle,
		startedAt:      now,
		lastActivityAt: now,
		conv:           conversation.NewState(m.opts.HistoryLimit, m.opts.DefaultLanguage),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.segmenter = audio.NewSegmenter(m.opts.Segmenter, func(seg audio.Segment) {
		if h := m.segmentHandler(); h != nil {
			h(callSid, seg)
		}
	})

	m.mu.Lock()
	if _, ok := m.calls[callSid]; ok {
		m.mu.Unlock()
		cancel()
		return Snapshot{}, ErrExists
	}
	if len(m.calls) >= m.opts.MaxConcurrent {
		m.mu.Unlock()
		cancel()
		return Snapshot{}, ErrCapacity
	}
	m.calls[callSid] = c
	hooks := append([]func(Snapshot){}, m.onStart...)
	m.mu.Unlock()

	snap := c.snapshot()
	for _, hook := range hooks {
		hook(snap)
	}
	return snap, nil
}

func (m *Manager) get(callSid string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callSid]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Activate moves a call from CONNECTING to ACTIVE. Activating an ACTIVE call
// is a no-op.
func (m *Manager) Activate(callSid string) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting:
		c.state = StateActive
		c.lastActivityAt = m.now()
		return nil
	case StateActive:
		return nil
	default:
		return ErrNotActive
	}
}

// AttachTransport binds the media stream that outbound messages go to,
// replacing any previous one.
func (m *Manager) AttachTransport(callSid string, t Transport, meta Meta) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.transport
	c.transport = t
	if meta.StreamSid != "" {
		c.meta.StreamSid = meta.StreamSid
	}
	if len(meta.Parameters) > 0 {
		c.meta.Parameters = meta.Parameters
	}
	if c.meta.From == "" {
		c.meta.From = meta.From
	}
	if c.meta.To == "" {
		c.meta.To = meta.To
	}
	c.mu.Unlock()
	if prev != nil && prev != t {
		prev.Close()
	}
	return nil
}

// RecordActivity refreshes the inactivity clock.
func (m *Manager) RecordActivity(callSid string) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.touch(m.now())
	return nil
}

// Ingest feeds one PCM16 chunk to the call's segmenter. Only ACTIVE calls
// accept audio.
func (m *Manager) Ingest(callSid string, pcm []byte) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	now := m.now()
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.lastActivityAt = now
	c.metrics.ChunksReceived++
	seg := c.segmenter
	c.mu.Unlock()
	return seg.Ingest(pcm, now)
}

// Flush forces out whatever the call has buffered.
func (m *Manager) Flush(callSid string) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	return c.segmenter.Flush()
}

// MarkEnding moves an ACTIVE call to ENDING so no further replies go out.
func (m *Manager) MarkEnding(callSid string) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return ErrNotActive
	}
	c.state = StateEnding
	return nil
}

// End tears the call down and fires end hooks. Only the first End for a
// call does anything; later calls return false.
func (m *Manager) End(callSid, reason string) (Snapshot, bool) {
	m.mu.Lock()
	c, ok := m.calls[callSid]
	if ok {
		delete(m.calls, callSid)
	}
	hooks := append([]func(Snapshot){}, m.onEnd...)
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	if reason == "" {
		reason = ReasonCompleted
	}

	snap, transport := c.teardown(reason, m.now())
	if transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTO)
		if err := transport.Send(ctx, Outbound{Kind: OutboundCallEnded, Reason: reason}); err != nil {
			log.Debug().Err(err).Str("call_sid", callSid).Msg("call_ended notification not delivered")
		}
		cancel()
		transport.Close()
	}
	for _, hook := range hooks {
		hook(snap)
	}
	log.Info().
		Str("call_sid", callSid).
		Str("reason", reason).
		Dur("duration", snap.Duration()).
		Int("turns", snap.Conversation.TotalMessages).
		Msg("call ended")
	return snap, true
}

// EndAll ends every live call, used on shutdown.
func (m *Manager) EndAll(reason string) int {
	m.mu.RLock()
	sids := make([]string, 0, len(m.calls))
	for sid := range m.calls {
		sids = append(sids, sid)
	}
	m.mu.RUnlock()
	n := 0
	for _, sid := range sids {
		if _, ok := m.End(sid, reason); ok {
			n++
		}
	}
	return n
}

func (m *Manager) IsActive(callSid string) bool {
	c, err := m.get(callSid)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// Get returns a snapshot without history.
func (m *Manager) Get(callSid string) (Snapshot, error) {
	c, err := m.get(callSid)
	if err != nil {
		return Snapshot{}, err
	}
	return c.snapshot(), nil
}

// ListActive returns every live call, oldest first.
func (m *Manager) ListActive() []Snapshot {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallSid < out[j].CallSid
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Context is cancelled when the call ends.
func (m *Manager) Context(callSid string) (context.Context, error) {
	c, err := m.get(callSid)
	if err != nil {
		return nil, err
	}
	return c.ctx, nil
}

func (m *Manager) SetStage(callSid string, stage Stage) {
	c, err := m.get(callSid)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.stage = stage
	c.mu.Unlock()
}

func (m *Manager) RecordTurn(callSid string, rec TurnRecord) {
	c, err := m.get(callSid)
	if err != nil {
		return
	}
	c.recordTurn(rec, m.now())
}

func (m *Manager) RecordError(callSid, stage string, cause error) {
	c, err := m.get(callSid)
	if err != nil {
		return
	}
	c.recordError(stage, cause, m.now())
}

// Emit sends msg to the call's transport if the call is still ACTIVE.
func (m *Manager) Emit(ctx context.Context, callSid string, msg Outbound) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNoStream
	}
	return t.Send(ctx, msg)
}

// Conversation accessors, scoped to one call.

func (m *Manager) Append(callSid string, role conversation.Role, content string, lang language.Tag) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.conv.Append(role, content, lang)
	return nil
}

func (m *Manager) History(callSid string) ([]conversation.Turn, error) {
	c, err := m.get(callSid)
	if err != nil {
		return nil, err
	}
	return c.conv.History(), nil
}

func (m *Manager) CurrentLanguage(callSid string) (language.Tag, error) {
	c, err := m.get(callSid)
	if err != nil {
		return "", err
	}
	return c.conv.CurrentLanguage(), nil
}

func (m *Manager) SetCurrentLanguage(callSid string, lang language.Tag) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.conv.SetCurrentLanguage(lang)
	return nil
}

func (m *Manager) ClearHistory(callSid string) error {
	c, err := m.get(callSid)
	if err != nil {
		return err
	}
	c.conv.Clear()
	return nil
}

// StartJanitor ends calls that have been idle longer than the inactivity
// timeout, checking every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(m.now())
			}
		}
	}()
}

func (m *Manager) expireInactive(now time.Time) []string {
	m.mu.RLock()
	var expired []string
	for sid, c := range m.calls {
		c.mu.Lock()
		idle := now.Sub(c.lastActivityAt)
		c.mu.Unlock()
		if idle > m.opts.InactivityTimeout {
			expired = append(expired, sid)
		}
	}
	m.mu.RUnlock()

	ended := expired[:0]
	for _, sid := range expired {
		if _, ok := m.End(sid, ReasonInactivity); ok {
			ended = append(ended, sid)
		}
	}
	return ended
}
