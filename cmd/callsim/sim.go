package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/protocol"
)

const (
	telephonyRate  = 8000
	greetingIntent = "greeting"
)

type options struct {
	baseURL     string
	callSid     string
	from        string
	register    bool
	turns       int
	chunk       time.Duration
	speech      time.Duration
	silence     time.Duration
	realtime    float64
	toneHz      float64
	wavPath     string
	recordDir   string
	turnTimeout time.Duration
}

func defaultOptions() options {
	return options{
		baseURL:     "http://127.0.0.1:8080",
		from:        "+15550000000",
		register:    true,
		turns:       5,
		chunk:       20 * time.Millisecond,
		speech:      800 * time.Millisecond,
		silence:     600 * time.Millisecond,
		realtime:    1.0,
		toneHz:      440,
		turnTimeout: 15 * time.Second,
	}
}

func (o *options) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	switch {
	case o.baseURL == "":
		return fmt.Errorf("base-url is required")
	case o.turns <= 0:
		return fmt.Errorf("turns must be > 0")
	case o.chunk < 10*time.Millisecond || o.chunk > 2*time.Second:
		return fmt.Errorf("chunk must be in [10ms,2s]")
	case o.realtime <= 0:
		return fmt.Errorf("realtime must be > 0")
	case o.speech <= 0 && o.wavPath == "":
		return fmt.Errorf("speech must be > 0")
	case o.turnTimeout < 100*time.Millisecond:
		return fmt.Errorf("turn-timeout must be at least 100ms")
	}
	return nil
}

type report struct {
	CallSid   string
	Turns     int
	Replies   int
	Missed    int
	Latencies []time.Duration
	EndReason string
}

func (r report) print(w io.Writer) {
	fmt.Fprintf(w, "call %s: %d utterances, %d replies, %d missed, ended=%s\n", r.CallSid, r.Turns, r.Replies, r.Missed, r.EndReason)
	if len(r.Latencies) == 0 {
		return
	}
	fmt.Fprintf(w, "reply latency p50=%s p95=%s max=%s\n",
		percentile(r.Latencies, 50), percentile(r.Latencies, 95), percentile(r.Latencies, 100))
}

// percentile uses nearest rank on a sorted copy.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(float64(len(sorted))*p/100+0.999999) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

type inbound struct {
	at    time.Time
	reply *protocol.Reply
	ended string
}

func run(ctx context.Context, o options) (report, error) {
	rep := report{CallSid: o.callSid, Turns: o.turns}

	utterance, err := buildUtterance(o)
	if err != nil {
		return rep, err
	}
	if o.register {
		if err := registerCall(ctx, o); err != nil {
			return rep, fmt.Errorf("register call: %w", err)
		}
	}

	target, err := streamURL(o.baseURL)
	if err != nil {
		return rep, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return rep, fmt.Errorf("open media stream: %w", err)
	}
	defer conn.Close()

	streamSid := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	start := protocol.Start{
		Event:     protocol.EventStart,
		StreamSid: streamSid,
		Start: protocol.StartInfo{
			CallSid:          o.callSid,
			StreamSid:        streamSid,
			Tracks:           []string{protocol.TrackInbound},
			CustomParameters: map[string]string{"From": o.from},
			MediaFormat:      protocol.MediaFormat{Encoding: protocol.EncodingMuLaw, SampleRate: telephonyRate, Channels: 1},
		},
	}
	if err := conn.WriteJSON(protocol.Connected{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return rep, err
	}
	if err := conn.WriteJSON(start); err != nil {
		return rep, err
	}
	log.Info().Str("call_sid", o.callSid).Str("url", target).Msg("media stream open")

	frames := make(chan inbound, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, frames, readErr)

	silence := audio.EncodeMuLaw(make([]byte, int(o.silence.Seconds()*telephonyRate)*2))
	frameBytes := int(o.chunk.Seconds() * telephonyRate)
	for turn := 1; turn <= o.turns; turn++ {
		drainReplies(frames, &rep, o)

		if err := sendAudio(conn, streamSid, utterance, frameBytes, o.realtime); err != nil {
			return rep, fmt.Errorf("turn %d: %w", turn, err)
		}
		spokeAt := time.Now()
		if err := sendAudio(conn, streamSid, silence, frameBytes, o.realtime); err != nil {
			return rep, fmt.Errorf("turn %d: %w", turn, err)
		}

		latency, ok, err := awaitReply(ctx, frames, readErr, spokeAt, o.turnTimeout, &rep, o)
		if err != nil {
			return rep, fmt.Errorf("turn %d: %w", turn, err)
		}
		if !ok {
			rep.Missed++
			log.Warn().Int("turn", turn).Msg("no reply before timeout")
			continue
		}
		rep.Latencies = append(rep.Latencies, latency)
		log.Info().Int("turn", turn).Dur("latency", latency).Msg("reply received")
	}

	if err := conn.WriteJSON(protocol.Stop{Event: protocol.EventStop, StreamSid: streamSid, Stop: protocol.StopInfo{CallSid: o.callSid}}); err != nil {
		return rep, err
	}
	timer := time.NewTimer(o.turnTimeout)
	defer timer.Stop()
	for rep.EndReason == "" {
		select {
		case in := <-frames:
			if in.reply != nil {
				recordReply(o, &rep, in.reply)
			}
			rep.EndReason = in.ended
		case err := <-readErr:
			return rep, fmt.Errorf("waiting for call_ended: %w", err)
		case <-timer.C:
			return rep, fmt.Errorf("no call_ended within %s", o.turnTimeout)
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}
	return rep, nil
}

func buildUtterance(o options) ([]byte, error) {
	if o.wavPath == "" {
		samples := int(o.speech.Seconds() * telephonyRate)
		return audio.EncodeMuLaw(audio.Tone(o.toneHz, samples, telephonyRate, 6000)), nil
	}
	raw, err := os.ReadFile(o.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", o.wavPath, err)
	}
	return audio.EncodeMuLaw(audio.Resample(pcm, rate, telephonyRate)), nil
}

func registerCall(ctx context.Context, o options) error {
	form := url.Values{"CallSid": {o.callSid}, "From": {o.from}, "Direction": {"inbound"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/webhooks/voice", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if !strings.Contains(string(body), "<Stream") {
		return fmt.Errorf("call rejected: %s", strings.TrimSpace(string(body)))
	}
	return nil
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/calls/stream"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out chan<- inbound, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Event {
		case protocol.EventReply:
			var r protocol.Reply
			if err := json.Unmarshal(data, &r); err != nil {
				continue
			}
			out <- inbound{at: time.Now(), reply: &r}
		case protocol.EventCallEnded:
			var e protocol.CallEnded
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			out <- inbound{at: time.Now(), ended: e.Reason}
		}
	}
}

// sendAudio streams mulaw in frames of frameBytes, paced at realtime speed.
func sendAudio(conn *websocket.Conn, streamSid string, mulaw []byte, frameBytes int, realtime float64) error {
	frameBytes = max(frameBytes, 1)
	for off := 0; off < len(mulaw); off += frameBytes {
		end := min(off+frameBytes, len(mulaw))
		if err := conn.WriteJSON(protocol.NewMedia(streamSid, mulaw[off:end])); err != nil {
			return err
		}
		pace := time.Duration(float64(end-off) / telephonyRate / realtime * float64(time.Second))
		time.Sleep(pace)
	}
	return nil
}

// awaitReply waits for the first non-greeting reply. Replies that arrive
// while the utterance is still being sent count with zero latency.
func awaitReply(ctx context.Context, frames <-chan inbound, readErr <-chan error, spokeAt time.Time, timeout time.Duration, rep *report, o options) (time.Duration, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case in := <-frames:
			if in.ended != "" {
				rep.EndReason = in.ended
				return 0, false, fmt.Errorf("call ended early: %s", in.ended)
			}
			if in.reply.Intent == greetingIntent {
				continue
			}
			recordReply(o, rep, in.reply)
			return max(in.at.Sub(spokeAt), 0), true, nil
		case err := <-readErr:
			return 0, false, err
		case <-timer.C:
			return 0, false, nil
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}

func drainReplies(frames <-chan inbound, rep *report, o options) {
	for {
		select {
		case in := <-frames:
			if in.reply != nil && in.reply.Intent != greetingIntent {
				recordReply(o, rep, in.reply)
			}
		default:
			return
		}
	}
}

func recordReply(o options, rep *report, r *protocol.Reply) {
	rep.Replies++
	log.Debug().Str("turn_id", r.TurnID).Str("language", r.Language).Str("text", r.Text).Msg("reply")
	if o.recordDir == "" || r.Audio == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(r.Audio)
	if err != nil {
		return
	}
	path := filepath.Join(o.recordDir, fmt.Sprintf("%s-%03d.wav", o.callSid, rep.Replies))
	if err := audio.WriteWAVPCM16LEFile(path, pcm, r.SampleRate); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("reply audio not recorded")
	}
}
