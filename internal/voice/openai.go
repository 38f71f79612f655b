package voice

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/reliability"
)

// OpenAI TTS "pcm" output is fixed at 24 kHz mono PCM16LE.
const openAITTSSampleRate = 24000

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	STTModel string
	TTSModel string
}

// OpenAIProvider transcribes with Whisper and synthesizes with OpenAI TTS.
type OpenAIProvider struct {
	client   *openai.Client
	sttModel string
	ttsModel string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = openai.Whisper1
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientCfg),
		sttModel: cfg.STTModel,
		ttsModel: cfg.TTSModel,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return Transcript{}, errors.Wrap(err, "encode wav")
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.sttModel,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(wav),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcript{}, errors.Wrap(classifyOpenAIError(err), "openai transcription")
	}

	tr := Transcript{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: segmentConfidence(resp),
		Provider:   p.Name(),
	}
	if tag, ok := language.Normalize(resp.Language); ok {
		tr.Language = tag
	}
	return tr, nil
}

// segmentConfidence averages exp(avg_logprob) across segments. Whisper does
// not return a confidence, and a response with text but no segments is
// treated as moderately confident.
func segmentConfidence(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return 0
		}
		return 0.8
	}
	var sum float64
	for _, seg := range resp.Segments {
		sum += math.Exp(seg.AvgLogprob)
	}
	c := sum / float64(len(resp.Segments))
	return math.Max(0, math.Min(1, c))
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, _ language.Tag, voice string) (Speech, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(p.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return Speech{}, errors.Wrap(classifyOpenAIError(err), "openai speech")
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return Speech{}, errors.Wrap(err, "read openai speech")
	}
	return Speech{
		Audio:      pcm,
		Format:     FormatPCM16,
		SampleRate: openAITTSSampleRate,
		Provider:   p.Name(),
	}, nil
}

// classifyOpenAIError surfaces the HTTP status so ErrorCode can label it.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &reliability.StatusError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &reliability.StatusError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
