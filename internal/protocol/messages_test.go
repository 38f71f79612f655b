package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInboundStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA123","tracks":["inbound"],"customParameters":{"lang":"hi-IN"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)
	msg, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}

	start, ok := msg.(Start)
	if !ok {
		t.Fatalf("message type = %T, want Start", msg)
	}
	if start.Start.CallSid != "CA123" || start.StreamSid != "MZ1" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.Start.CustomParameters["lang"] != "hi-IN" {
		t.Fatalf("customParameters = %v, want lang=hi-IN", start.Start.CustomParameters)
	}
	if start.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", start.Start.MediaFormat.SampleRate)
	}
}

func TestParseInboundStartRejectsMissingCallSid(t *testing.T) {
	if _, err := ParseInbound([]byte(`{"event":"start","streamSid":"MZ1","start":{}}`)); err == nil {
		t.Fatalf("ParseInbound() expected error for start without callSid")
	}
	raw := []byte(`{"event":"start","start":{"callSid":"CA1","mediaFormat":{"encoding":"audio/l16"}}}`)
	if _, err := ParseInbound(raw); err == nil {
		t.Fatalf("ParseInbound() expected error for non-mulaw encoding")
	}
}

func TestParseInboundMediaDecodesPayload(t *testing.T) {
	raw := []byte(`{"event":"media","sequenceNumber":"3","streamSid":"MZ1","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"/38A"}}`)
	msg, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	media, ok := msg.(Media)
	if !ok {
		t.Fatalf("message type = %T, want Media", msg)
	}
	got, err := media.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0xff, 0x7f, 0x00}) {
		t.Fatalf("Decode() = %v, want [255 127 0]", got)
	}
}

func TestParseInboundRejectsEmptyMediaAndUnknownEvents(t *testing.T) {
	if _, err := ParseInbound([]byte(`{"event":"media","media":{"payload":""}}`)); err == nil {
		t.Fatalf("ParseInbound() expected error for empty media payload")
	}
	if _, err := ParseInbound([]byte(`{"event":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if _, err := ParseInbound([]byte(`not json`)); err == nil {
		t.Fatalf("ParseInbound() expected error for invalid json")
	}
}

func TestParseInboundStopAndMark(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"event":"stop","sequenceNumber":"9","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA123"}}`))
	if err != nil {
		t.Fatalf("ParseInbound(stop) error = %v", err)
	}
	if stop := msg.(Stop); stop.Stop.CallSid != "CA123" {
		t.Fatalf("unexpected stop: %+v", stop)
	}

	msg, err = ParseInbound([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"turn-1"}}`))
	if err != nil {
		t.Fatalf("ParseInbound(mark) error = %v", err)
	}
	if mark := msg.(Mark); mark.Mark.Name != "turn-1" {
		t.Fatalf("unexpected mark: %+v", mark)
	}
}

func TestOutboundFramesUseTelephonyFieldNames(t *testing.T) {
	raw, err := json.Marshal(NewMedia("MZ1", []byte{0xff}))
	if err != nil {
		t.Fatalf("Marshal(media) error = %v", err)
	}
	if string(raw) != `{"event":"media","streamSid":"MZ1","media":{"payload":"/w=="}}` {
		t.Fatalf("media frame = %s", raw)
	}

	raw, err = json.Marshal(NewCallEnded("MZ1", "transfer"))
	if err != nil {
		t.Fatalf("Marshal(call_ended) error = %v", err)
	}
	if string(raw) != `{"event":"call_ended","streamSid":"MZ1","reason":"transfer"}` {
		t.Fatalf("call_ended frame = %s", raw)
	}
}
