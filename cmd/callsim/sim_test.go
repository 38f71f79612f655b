package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/protocol"
)

func TestPercentile(t *testing.T) {
	values := []time.Duration{50, 10, 40, 20, 30}
	cases := []struct {
		p    float64
		want time.Duration
	}{
		{50, 30},
		{95, 50},
		{100, 50},
		{1, 10},
	}
	for _, tc := range cases {
		if got := percentile(values, tc.p); got != tc.want {
			t.Fatalf("percentile(p%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestStreamURL(t *testing.T) {
	got, err := streamURL("https://calls.example.com/base/")
	if err != nil {
		t.Fatalf("streamURL() error = %v", err)
	}
	if got != "wss://calls.example.com/base/v1/calls/stream" {
		t.Fatalf("streamURL() = %q", got)
	}
	if _, err := streamURL("ftp://example.com"); err == nil {
		t.Fatalf("streamURL(ftp) error = nil")
	}
}

func TestBuildUtteranceFromWAV(t *testing.T) {
	pcm := audio.Tone(300, 1600, 16000, 4000)
	path := filepath.Join(t.TempDir(), "hello.wav")
	if err := audio.WriteWAVPCM16LEFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}
	o := defaultOptions()
	o.wavPath = path
	got, err := buildUtterance(o)
	if err != nil {
		t.Fatalf("buildUtterance() error = %v", err)
	}
	if len(got) != 800 {
		t.Fatalf("len(mulaw) = %d, want 800 (resampled to 8kHz)", len(got))
	}
}

// fakeServer replies once per burst of speech and ends the call on stop.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/calls/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		streamSid := ""
		replied := false
		turn := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			_ = json.Unmarshal(data, &env)
			switch env.Event {
			case protocol.EventStart:
				var s protocol.Start
				_ = json.Unmarshal(data, &s)
				streamSid = s.StreamSid
				_ = conn.WriteJSON(protocol.Reply{Event: protocol.EventReply, StreamSid: streamSid, TurnID: "greet", Intent: greetingIntent, Text: "Hello"})
			case protocol.EventMedia:
				var m protocol.Media
				_ = json.Unmarshal(data, &m)
				raw, _ := m.Decode()
				if audio.IsSilent(audio.DecodeMuLaw(raw), 500) {
					replied = false
					continue
				}
				if !replied {
					replied = true
					turn++
					_ = conn.WriteJSON(protocol.Reply{
						Event:      protocol.EventReply,
						StreamSid:  streamSid,
						TurnID:     "turn",
						Text:       "ok",
						Audio:      base64.StdEncoding.EncodeToString(audio.Tone(440, 80, 8000, 1000)),
						SampleRate: 8000,
					})
				}
			case protocol.EventStop:
				_ = conn.WriteJSON(protocol.NewCallEnded(streamSid, "stream_stopped"))
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRunAgainstFakeServer(t *testing.T) {
	ts := fakeServer(t)
	dir := t.TempDir()

	o := defaultOptions()
	o.baseURL = ts.URL
	o.callSid = "CA-sim"
	o.register = false
	o.turns = 2
	o.speech = 100 * time.Millisecond
	o.silence = 60 * time.Millisecond
	o.realtime = 20
	o.turnTimeout = 2 * time.Second
	o.recordDir = dir
	if err := o.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := run(ctx, o)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if rep.Replies != 2 || rep.Missed != 0 || len(rep.Latencies) != 2 {
		t.Fatalf("report = %+v, want 2 replies and 2 latencies", rep)
	}
	if rep.EndReason != "stream_stopped" {
		t.Fatalf("EndReason = %q, want stream_stopped", rep.EndReason)
	}
	if _, err := os.Stat(filepath.Join(dir, "CA-sim-001.wav")); err != nil {
		t.Fatalf("first reply not recorded: %v", err)
	}
}
