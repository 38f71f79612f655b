package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/brain"
	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/events"
	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/protocol"
	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/transcript"
	"github.com/ent0n29/callpilot/internal/voice"
)

type testEnv struct {
	server   *httptest.Server
	pipeline *voice.Pipeline
	store    *transcript.InMemoryStore
}

func newTestEnv(t *testing.T, maxCalls int) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.MaxConcurrentCalls = maxCalls
	cfg.Debounce = 0
	cfg.GreetOnStart = false

	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	book := language.DefaultPhrasebook()
	sessions := session.NewManager(session.Options{
		MaxConcurrent:     cfg.MaxConcurrentCalls,
		InactivityTimeout: cfg.InactivityTimeout,
		HistoryLimit:      cfg.HistoryLimit,
		DefaultLanguage:   language.English,
		Segmenter: audio.SegmenterConfig{
			ChunkThresholdBytes: cfg.ChunkThresholdBytes,
			MinChunks:           cfg.MinChunks,
			SilenceAmplitude:    cfg.SilenceAmplitude,
			MaxSilentChunks:     cfg.MaxSilentChunks,
		},
	})
	mock := voice.NewMockProvider()
	gateway := voice.NewGateway([]voice.STTProvider{mock}, []voice.TTSProvider{mock}, voice.GatewayConfig{AttemptTimeout: time.Second, MinConfidence: cfg.SpeechMinConfidence}, metrics)
	gen := brain.NewResilient(brain.NewGenerator(brain.NewMockProvider()), book)
	coord := voice.NewCoordinator(sessions, gateway, language.NewDetector(book, nil, language.English), gen, events.NopSink{}, metrics, voice.CoordinatorConfig{
		SampleRate:    cfg.SampleRate,
		MinConfidence: cfg.SpeechMinConfidence,
		Voice:         cfg.TTSVoice,
	})
	store := transcript.NewInMemoryStore()
	pipeline := voice.NewPipeline(sessions, coord, gen, store, events.NopSink{}, metrics, voice.PipelineConfig{SilenceAmplitude: cfg.SilenceAmplitude})

	srv := New(cfg, pipeline, store, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, pipeline: pipeline, store: store}
}

func postForm(t *testing.T, target string, form url.Values) *http.Response {
	t.Helper()
	res, err := http.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s error = %v", target, err)
	}
	return res
}

func TestVoiceWebhookRegistersCallAndReturnsStream(t *testing.T) {
	env := newTestEnv(t, 10)

	res := postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}, "To": {"+15559999"}})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("voice webhook status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `<Stream url="ws://`) || !strings.Contains(string(body), "/v1/calls/stream") {
		t.Fatalf("twiml = %s, want a Stream pointing at /v1/calls/stream", body)
	}

	getRes, err := http.Get(env.server.URL + "/v1/calls/CA1")
	if err != nil {
		t.Fatalf("GET call error = %v", err)
	}
	defer getRes.Body.Close()
	var snap session.Snapshot
	if err := json.NewDecoder(getRes.Body).Decode(&snap); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if snap.State != session.StateConnecting || snap.Meta.From != "+15550001" {
		t.Fatalf("call = %+v, want CONNECTING from +15550001", snap)
	}

	listRes, err := http.Get(env.server.URL + "/v1/calls")
	if err != nil {
		t.Fatalf("GET calls error = %v", err)
	}
	defer listRes.Body.Close()
	var list callListResponse
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Calls[0].CallSid != "CA1" {
		t.Fatalf("list = %+v, want CA1 only", list)
	}
}

func TestVoiceWebhookRejectsMissingCallSid(t *testing.T) {
	env := newTestEnv(t, 10)
	res := postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"From": {"+1"}})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStatusWebhookEndsCallOnTerminalStatus(t *testing.T) {
	env := newTestEnv(t, 10)
	postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA2"}}).Body.Close()

	res := postForm(t, env.server.URL+"/v1/webhooks/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"ringing"}})
	var got statusResponse
	_ = json.NewDecoder(res.Body).Decode(&got)
	res.Body.Close()
	if got.Ended {
		t.Fatalf("ringing must not end the call")
	}

	res = postForm(t, env.server.URL+"/v1/webhooks/status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"no-answer"}})
	_ = json.NewDecoder(res.Body).Decode(&got)
	res.Body.Close()
	if !got.Ended {
		t.Fatalf("no-answer should end the call, got %+v", got)
	}
	if _, err := env.pipeline.Sessions().Get("CA2"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestEndCall(t *testing.T) {
	env := newTestEnv(t, 10)
	postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA3"}}).Body.Close()

	res, err := http.Post(env.server.URL+"/v1/calls/CA3/end", "application/json", strings.NewReader(`{"reason":"agent_hangup"}`))
	if err != nil {
		t.Fatalf("end call request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if snap.State != session.StateEnded || snap.EndReason != "agent_hangup" {
		t.Fatalf("ended call = %+v", snap)
	}

	again, err := http.Post(env.server.URL+"/v1/calls/CA3/end", "application/json", nil)
	if err != nil {
		t.Fatalf("second end request error = %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second end status = %d, want %d", again.StatusCode, http.StatusNotFound)
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/calls/stream"
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) (map[string]any, []string) {
	t.Helper()
	var seen []string
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		ev, _ := frame["event"].(string)
		seen = append(seen, ev)
		if ev == event {
			return frame, seen
		}
	}
	t.Fatalf("no %q frame in %v", event, seen)
	return nil, seen
}

func TestMediaStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	frames := []any{
		protocol.Connected{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"},
		protocol.Start{Event: protocol.EventStart, StreamSid: "MZ1", Start: protocol.StartInfo{
			CallSid:     "CA-ws",
			StreamSid:   "MZ1",
			MediaFormat: protocol.MediaFormat{Encoding: protocol.EncodingMuLaw, SampleRate: 8000, Channels: 1},
		}},
	}
	speech := audio.EncodeMuLaw(audio.Tone(440, 2048, 8000, 3000))
	for i := 0; i < 2; i++ {
		frames = append(frames, protocol.NewMedia("MZ1", speech))
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	reply, _ := readUntil(t, conn, "reply")
	if reply["text"] != "I heard you: simulated caller input" || reply["language"] != "en-US" {
		t.Fatalf("reply = %v", reply)
	}
	_, seen := readUntil(t, conn, "mark")
	if seen[0] != "media" {
		t.Fatalf("frames after reply = %v, want media before mark", seen)
	}

	if err := conn.WriteJSON(protocol.Stop{Event: protocol.EventStop, StreamSid: "MZ1", Stop: protocol.StopInfo{CallSid: "CA-ws"}}); err != nil {
		t.Fatalf("WriteJSON(stop) error = %v", err)
	}
	ended, _ := readUntil(t, conn, "call_ended")
	if ended["reason"] != session.ReasonStreamStopped {
		t.Fatalf("call_ended = %v, want reason %s", ended, session.ReasonStreamStopped)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := env.store.GetTranscript(context.Background(), "CA-ws")
		if err == nil {
			if len(rec.Turns) != 2 {
				t.Fatalf("transcript turns = %d, want 2", len(rec.Turns))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript not persisted: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMediaStreamRejectedAtCapacity(t *testing.T) {
	env := newTestEnv(t, 1)
	postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA-first"}}).Body.Close()

	res := postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA-busy"}})
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "<Hangup>") {
		t.Fatalf("webhook at capacity = %d %s, want 503 with Hangup", res.StatusCode, body)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	start := protocol.Start{Event: protocol.EventStart, StreamSid: "MZ2", Start: protocol.StartInfo{CallSid: "CA-second"}}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseTryAgainLater {
		t.Fatalf("ReadMessage() error = %v, want close 1013", err)
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)
	postForm(t, env.server.URL+"/v1/webhooks/voice", url.Values{"CallSid": {"CA4"}}).Body.Close()

	res, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), "test_httpapi_active_calls 1") {
		t.Fatalf("metrics missing active call gauge:\n%s", body)
	}

	res, err = http.Get(env.server.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var perf map[string]any
	if err := json.NewDecoder(res.Body).Decode(&perf); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	if perf["active_calls"] != float64(1) {
		t.Fatalf("perf = %v, want active_calls 1", perf)
	}
	if _, ok := perf["stages"]; !ok {
		t.Fatalf("perf = %v, want stages", perf)
	}

	res, err = http.Get(env.server.URL + "/v1/calls/CA-missing/transcript")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("transcript status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
