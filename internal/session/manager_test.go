package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

func testOptions() Options {
	return Options{
		MaxConcurrent:     2,
		InactivityTimeout: 30 * time.Second,
		HistoryLimit:      4,
		DefaultLanguage:   language.English,
		Segmenter: audio.SegmenterConfig{
			ChunkThresholdBytes: 4096,
			MinChunks:           2,
			SilenceAmplitude:    500,
			MaxSilentChunks:     10,
		},
	}
}

func loudChunk(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		out[i] = 0xe8
		out[i+1] = 0x03 // 1000
	}
	return out
}

func TestManagerStartActivateEnd(t *testing.T) {
	m := NewManager(testOptions())
	snap, err := m.Start("CA1", Meta{From: "+15550001"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if snap.State != StateConnecting {
		t.Fatalf("State = %q, want %q", snap.State, StateConnecting)
	}
	if m.IsActive("CA1") {
		t.Fatalf("IsActive() = true before Activate")
	}
	if err := m.Activate("CA1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !m.IsActive("CA1") {
		t.Fatalf("IsActive() = false after Activate")
	}

	ended, ok := m.End("CA1", ReasonCompleted)
	if !ok {
		t.Fatalf("End() ok = false, want true")
	}
	if ended.State != StateEnded || ended.EndReason != ReasonCompleted {
		t.Fatalf("ended snapshot = %+v", ended)
	}
	if _, err := m.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndIsIdempotent(t *testing.T) {
	m := NewManager(testOptions())
	var fired atomic.Int32
	m.OnEnd(func(Snapshot) { fired.Add(1) })
	if _, err := m.Start("CA1", Meta{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := m.End("CA1", ReasonHangup); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("successful End() calls = %d, want 1", wins.Load())
	}
	if fired.Load() != 1 {
		t.Fatalf("end hooks fired = %d, want 1", fired.Load())
	}
	if _, ok := m.End("CA1", ReasonHangup); ok {
		t.Fatalf("End() on ended call ok = true, want false")
	}
}

func TestManagerAdmission(t *testing.T) {
	m := NewManager(testOptions())
	if _, err := m.Start("CA1", Meta{}); err != nil {
		t.Fatalf("Start(CA1) error = %v", err)
	}
	if _, err := m.Start("CA1", Meta{}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Start() error = %v, want ErrExists", err)
	}
	if _, err := m.Start("CA2", Meta{}); err != nil {
		t.Fatalf("Start(CA2) error = %v", err)
	}
	if _, err := m.Start("CA3", Meta{}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Start() over capacity error = %v, want ErrCapacity", err)
	}
	m.End("CA1", ReasonCompleted)
	if _, err := m.Start("CA3", Meta{}); err != nil {
		t.Fatalf("Start(CA3) after a slot freed error = %v", err)
	}
	if got := len(m.ListActive()); got != 2 {
		t.Fatalf("len(ListActive()) = %d, want 2", got)
	}
}

func TestManagerHistoryIsScopedAndCapped(t *testing.T) {
	m := NewManager(testOptions())
	for _, sid := range []string{"CA1", "CA2"} {
		if _, err := m.Start(sid, Meta{}); err != nil {
			t.Fatalf("Start(%s) error = %v", sid, err)
		}
	}
	for i := 0; i < 6; i++ {
		_ = m.Append("CA1", conversation.RoleUser, string(rune('a'+i)), language.English)
	}
	_ = m.Append("CA2", conversation.RoleUser, "other", language.Hindi)

	h1, _ := m.History("CA1")
	if len(h1) != 4 {
		t.Fatalf("len(history CA1) = %d, want 4", len(h1))
	}
	if h1[0].Content != "c" || h1[3].Content != "f" {
		t.Fatalf("history CA1 = %+v, want c..f", h1)
	}
	h2, _ := m.History("CA2")
	if len(h2) != 1 || h2[0].Content != "other" {
		t.Fatalf("history CA2 = %+v", h2)
	}

	if err := m.SetCurrentLanguage("CA2", language.Hindi); err != nil {
		t.Fatalf("SetCurrentLanguage() error = %v", err)
	}
	if lang, _ := m.CurrentLanguage("CA1"); lang != language.English {
		t.Fatalf("CurrentLanguage(CA1) = %q, want en-US", lang)
	}
	if err := m.Append("missing", conversation.RoleUser, "x", language.English); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Append(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndReturnsHistoryAndClearsIt(t *testing.T) {
	m := NewManager(testOptions())
	_, _ = m.Start("CA1", Meta{})
	_ = m.Append("CA1", conversation.RoleUser, "hello", language.English)
	_ = m.Append("CA1", conversation.RoleAssistant, "Hi there!", language.English)

	snap, ok := m.End("CA1", ReasonCompleted)
	if !ok {
		t.Fatalf("End() ok = false")
	}
	if len(snap.History) != 2 {
		t.Fatalf("len(snapshot history) = %d, want 2", len(snap.History))
	}
	if snap.Conversation.AssistantMessages != 1 {
		t.Fatalf("AssistantMessages = %d, want 1", snap.Conversation.AssistantMessages)
	}
}

func TestManagerExpireInactiveEndsOnceAndReleases(t *testing.T) {
	m := NewManager(testOptions())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	var ended []Snapshot
	m.OnEnd(func(s Snapshot) { ended = append(ended, s) })

	_, _ = m.Start("CA1", Meta{})
	_ = m.Activate("CA1")
	_, _ = m.Start("CA2", Meta{})
	_ = m.Append("CA1", conversation.RoleUser, "hello", language.English)
	if err := m.Ingest("CA1", loudChunk(320)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	m.now = func() time.Time { return base.Add(20 * time.Second) }
	_ = m.RecordActivity("CA2")

	got := m.expireInactive(base.Add(31 * time.Second))
	if len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("expired = %v, want [CA1]", got)
	}
	if again := m.expireInactive(base.Add(31 * time.Second)); len(again) != 0 {
		t.Fatalf("second sweep expired = %v, want none", again)
	}
	if len(ended) != 1 || ended[0].EndReason != ReasonInactivity {
		t.Fatalf("end hooks = %+v, want one inactivity end", ended)
	}
	if len(ended[0].History) != 1 {
		t.Fatalf("ended history len = %d, want 1", len(ended[0].History))
	}
	if m.IsActive("CA1") {
		t.Fatalf("CA1 still active after expiry")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	opts := testOptions()
	opts.InactivityTimeout = 30 * time.Millisecond
	m := NewManager(opts)
	_, _ = m.Start("CA1", Meta{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if _, err := m.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound after expiry", err)
	}
}

func TestManagerIngestRoutesSegmentsAndCancelsContext(t *testing.T) {
	m := NewManager(testOptions())
	var mu sync.Mutex
	var segs []audio.Segment
	m.SetSegmentHandler(func(sid string, seg audio.Segment) {
		if sid != "CA1" {
			t.Errorf("segment for %q, want CA1", sid)
		}
		mu.Lock()
		segs = append(segs, seg)
		mu.Unlock()
	})

	_, _ = m.Start("CA1", Meta{})
	if err := m.Ingest("CA1", loudChunk(4096)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Ingest() before Activate error = %v, want ErrNotActive", err)
	}
	_ = m.Activate("CA1")
	ctx, err := m.Context("CA1")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Ingest("CA1", loudChunk(4096)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}
	mu.Lock()
	n := len(segs)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("segments = %d, want 1", n)
	}

	snap, _ := m.Get("CA1")
	if snap.Metrics.ChunksReceived != 2 {
		t.Fatalf("ChunksReceived = %d, want 2", snap.Metrics.ChunksReceived)
	}

	m.End("CA1", ReasonHangup)
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("call context not cancelled by End")
	}
}

func TestManagerEmitRequiresActiveCall(t *testing.T) {
	m := NewManager(testOptions())
	tr := NewChannelTransport(4, 50*time.Millisecond)
	_, _ = m.Start("CA1", Meta{})
	_ = m.AttachTransport("CA1", tr, Meta{StreamSid: "MZ1"})

	if err := m.Emit(context.Background(), "CA1", Outbound{Kind: OutboundReply, Text: "hi"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Emit() while CONNECTING error = %v, want ErrNotActive", err)
	}
	_ = m.Activate("CA1")
	if err := m.Emit(context.Background(), "CA1", Outbound{Kind: OutboundReply, Text: "hi"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if msg := <-tr.Messages(); msg.Text != "hi" {
		t.Fatalf("delivered text = %q, want hi", msg.Text)
	}

	_ = m.MarkEnding("CA1")
	if err := m.Emit(context.Background(), "CA1", Outbound{Kind: OutboundReply}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Emit() while ENDING error = %v, want ErrNotActive", err)
	}

	m.End("CA1", ReasonTransfer)
	msg := <-tr.Messages()
	if msg.Kind != OutboundCallEnded || msg.Reason != ReasonTransfer {
		t.Fatalf("final message = %+v, want call_ended/transfer", msg)
	}
	select {
	case <-tr.Done():
	default:
		t.Fatalf("transport not closed by End")
	}
}

func TestManagerRecordTurnAndErrors(t *testing.T) {
	m := NewManager(testOptions())
	_, _ = m.Start("CA1", Meta{})
	m.RecordTurn("CA1", TurnRecord{Latency: 100 * time.Millisecond, Confidence: 0.8, Words: 3, Responded: true})
	m.RecordTurn("CA1", TurnRecord{Latency: 300 * time.Millisecond, Confidence: 0.6, Words: 2, Responded: true, Failed: true})
	for i := 0; i < 25; i++ {
		m.RecordError("CA1", "transcribe", errors.New("boom"))
	}

	snap, _ := m.Get("CA1")
	mt := snap.Metrics
	if mt.ChunksProcessed != 2 || mt.ChunksFailed != 1 {
		t.Fatalf("processed/failed = %d/%d, want 2/1", mt.ChunksProcessed, mt.ChunksFailed)
	}
	if mt.AvgProcessingMS != 200 {
		t.Fatalf("AvgProcessingMS = %v, want 200", mt.AvgProcessingMS)
	}
	if mt.AvgConfidence < 0.699 || mt.AvgConfidence > 0.701 {
		t.Fatalf("AvgConfidence = %v, want 0.7", mt.AvgConfidence)
	}
	if mt.WordsTranscribed != 5 || mt.AssistantResponses != 2 {
		t.Fatalf("words/responses = %d/%d, want 5/2", mt.WordsTranscribed, mt.AssistantResponses)
	}
	if len(mt.Errors) != 20 {
		t.Fatalf("len(Errors) = %d, want 20", len(mt.Errors))
	}
}
