package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media-stream frame variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"

	// Outbound-only frames.
	EventReply     EventType = "reply"
	EventCallEnded EventType = "call_ended"
	EventClear     EventType = "clear"
)

const (
	EncodingMuLaw = "audio/x-mulaw"
	TrackInbound  = "inbound"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartInfo struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type Start struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber"`
	StreamSid      string    `json:"streamSid"`
	Start          StartInfo `json:"start"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// Decode returns the raw μ-law bytes carried by the frame.
func (m Media) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}

type MarkName struct {
	Name string `json:"name"`
}

type Mark struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSid      string    `json:"streamSid"`
	Mark           MarkName  `json:"mark"`
}

type StopInfo struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type Stop struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber"`
	StreamSid      string    `json:"streamSid"`
	Stop           StopInfo  `json:"stop"`
}

// Reply carries an assistant turn's text alongside its audio.
type Reply struct {
	Event       EventType `json:"event"`
	StreamSid   string    `json:"streamSid"`
	TurnID      string    `json:"turnId"`
	Text        string    `json:"text"`
	Intent      string    `json:"intent,omitempty"`
	Language    string    `json:"language"`
	Audio       string    `json:"audio,omitempty"`
	AudioFormat string    `json:"audioFormat,omitempty"`
	SampleRate  int       `json:"sampleRate,omitempty"`
}

type CallEnded struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"streamSid"`
	Reason    string    `json:"reason"`
}

func NewMedia(streamSid string, mulaw []byte) Media {
	return Media{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

func NewMark(streamSid, name string) Mark {
	return Mark{Event: EventMark, StreamSid: streamSid, Mark: MarkName{Name: name}}
}

func NewCallEnded(streamSid, reason string) CallEnded {
	return CallEnded{Event: EventCallEnded, StreamSid: streamSid, Reason: reason}
}

// ParseInbound decodes one frame sent by the telephony provider.
func ParseInbound(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.CallSid == "" {
			return nil, errors.New("invalid start: missing callSid")
		}
		if msg.StreamSid == "" {
			msg.StreamSid = msg.Start.StreamSid
		}
		if msg.Start.MediaFormat.Encoding != "" && msg.Start.MediaFormat.Encoding != EncodingMuLaw {
			return nil, fmt.Errorf("invalid start: unsupported encoding %q", msg.Start.MediaFormat.Encoding)
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("invalid media: empty payload")
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
