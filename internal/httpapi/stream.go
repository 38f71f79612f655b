package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/protocol"
	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/voice"
)

const (
	telephonySampleRate = 8000
	// 1s of μ-law per outbound media frame.
	mediaFrameBytes    = 8000
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	outboundBuffer     = 64
	outboundSendWait   = 600 * time.Millisecond
)

// mediaStream is the state of one telephony media-stream connection.
type mediaStream struct {
	callSid    string
	streamSid  string
	sampleRate int
	transport  *session.ChannelTransport
	writerDone chan struct{}
}

// handleMediaStream serves the provider's bidirectional media stream:
// start admits and activates the call, media frames feed the pipeline and
// stop (or a dropped socket) flushes and ends it.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveCallEvent("ws_connected")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

	var stream *mediaStream
	stopped := false
	for !stopped {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if stream != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("call_sid", stream.callSid).Msg("media stream read ended")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			s.metrics.ObserveOutboundMessage("inbound_frame", "invalid")
			log.Debug().Err(err).Msg("ignoring invalid media stream frame")
			continue
		}

		switch m := parsed.(type) {
		case protocol.Connected:
		case protocol.Start:
			if stream != nil {
				continue
			}
			stream, err = s.startStream(conn, m)
			if err != nil {
				code := websocket.CloseInternalServerErr
				if errors.Is(err, session.ErrCapacity) {
					code = websocket.CloseTryAgainLater
				}
				log.Warn().Err(err).Str("call_sid", m.Start.CallSid).Msg("media stream rejected")
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
				return
			}
		case protocol.Media:
			if stream == nil || (m.Media.Track != "" && m.Media.Track != protocol.TrackInbound) {
				continue
			}
			raw, err := m.Decode()
			if err != nil {
				continue
			}
			pcm := audio.DecodeMuLaw(raw)
			if stream.sampleRate != s.cfg.SampleRate {
				pcm = audio.Resample(pcm, stream.sampleRate, s.cfg.SampleRate)
			}
			s.pipeline.IngestAudio(stream.callSid, pcm)
		case protocol.Mark:
			if stream != nil {
				log.Debug().Str("call_sid", stream.callSid).Str("mark", m.Mark.Name).Msg("playback mark reached")
			}
		case protocol.Stop:
			stopped = true
		}
	}

	if stream == nil {
		return
	}
	s.pipeline.NotifyCallEnded(stream.callSid)
	stream.transport.Close()
	<-stream.writerDone
	s.metrics.ObserveCallEvent("ws_disconnected")
}

func (s *Server) startStream(conn *websocket.Conn, m protocol.Start) (*mediaStream, error) {
	stream := &mediaStream{
		callSid:    m.Start.CallSid,
		streamSid:  m.StreamSid,
		sampleRate: m.Start.MediaFormat.SampleRate,
		transport:  session.NewChannelTransport(outboundBuffer, outboundSendWait),
		writerDone: make(chan struct{}),
	}
	if stream.sampleRate <= 0 {
		stream.sampleRate = telephonySampleRate
	}
	go s.writeLoop(conn, stream)

	params := m.Start.CustomParameters
	meta := session.Meta{
		StreamSid:  stream.streamSid,
		Parameters: params,
		From:       params["From"],
		To:         params["To"],
		Direction:  params["Direction"],
	}
	if err := s.pipeline.StartCall(stream.callSid, meta, stream.transport); err != nil {
		stream.transport.Close()
		<-stream.writerDone
		return nil, err
	}
	return stream, nil
}

// writeLoop is the only writer of data frames on conn. After the transport
// closes it flushes what is still queued, which includes call_ended.
func (s *Server) writeLoop(conn *websocket.Conn, stream *mediaStream) {
	defer close(stream.writerDone)
	t := stream.transport
	for {
		select {
		case msg := <-t.Messages():
			if err := s.writeOutbound(conn, stream.streamSid, msg); err != nil {
				s.metrics.ObserveOutboundMessage(string(msg.Kind), "write_error")
				log.Debug().Err(err).Str("call_sid", stream.callSid).Msg("media stream write failed")
				t.Close()
				return
			}
		case <-t.Done():
			for {
				select {
				case msg := <-t.Messages():
					if err := s.writeOutbound(conn, stream.streamSid, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeOutbound(conn *websocket.Conn, streamSid string, msg session.Outbound) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	switch msg.Kind {
	case session.OutboundCallEnded:
		return conn.WriteJSON(protocol.NewCallEnded(streamSid, msg.Reason))
	case session.OutboundReply:
		reply := protocol.Reply{
			Event:       protocol.EventReply,
			StreamSid:   streamSid,
			TurnID:      msg.TurnID,
			Text:        msg.Text,
			Intent:      msg.Intent,
			Language:    string(msg.Language),
			AudioFormat: msg.AudioFormat,
			SampleRate:  msg.SampleRate,
		}
		if len(msg.Audio) > 0 {
			reply.Audio = base64.StdEncoding.EncodeToString(msg.Audio)
		}
		if err := conn.WriteJSON(reply); err != nil {
			return err
		}
		if len(msg.Audio) > 0 && msg.AudioFormat == voice.FormatPCM16 {
			pcm := msg.Audio
			if msg.SampleRate > 0 && msg.SampleRate != telephonySampleRate {
				pcm = audio.Resample(pcm, msg.SampleRate, telephonySampleRate)
			}
			mulaw := audio.EncodeMuLaw(pcm)
			for off := 0; off < len(mulaw); off += mediaFrameBytes {
				end := min(off+mediaFrameBytes, len(mulaw))
				if err := conn.WriteJSON(protocol.NewMedia(streamSid, mulaw[off:end])); err != nil {
					return err
				}
			}
			if err := conn.WriteJSON(protocol.NewMark(streamSid, msg.TurnID)); err != nil {
				return err
			}
		}
		s.metrics.ObserveOutboundMessage(string(msg.Kind), "sent")
		return nil
	default:
		return nil
	}
}
