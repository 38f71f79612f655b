package voice

import (
	"context"
	"unicode/utf8"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/language"
)

const mockSampleRate = 8000

// MockProvider is the offline STT/TTS backend used when no speech API is
// configured. Any audio with signal transcribes to Text; pure silence
// transcribes to nothing. Synthesis renders a short tone sized to the text.
type MockProvider struct {
	text       string
	confidence float64
}

func NewMockProvider() *MockProvider {
	return &MockProvider{text: "simulated caller input", confidence: 0.9}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Transcribe(ctx context.Context, pcm []byte, _ int) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if audio.MeanAmplitude(pcm) < 1 {
		return Transcript{}, nil
	}
	return Transcript{Text: p.text, Confidence: p.confidence, Provider: p.Name()}, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text string, _ language.Tag, _ string) (Speech, error) {
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}
	samples := utf8.RuneCountInString(text) * mockSampleRate / 20
	if samples > mockSampleRate*4 {
		samples = mockSampleRate * 4
	}
	return Speech{
		Audio:      audio.Tone(440, samples, mockSampleRate, 2000),
		Format:     FormatPCM16,
		SampleRate: mockSampleRate,
		Provider:   p.Name(),
	}, nil
}
