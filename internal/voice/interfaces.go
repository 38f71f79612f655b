package voice

import (
	"context"
	"strings"

	"github.com/ent0n29/callpilot/internal/language"
)

// Transcript is the result of one speech-to-text pass. The zero value is the
// "nothing usable was heard" sentinel.
type Transcript struct {
	Text       string
	Confidence float64
	Language   language.Tag
	Provider   string
}

func (t Transcript) Empty() bool { return strings.TrimSpace(t.Text) == "" }

// Words counts whitespace-separated words in the transcript.
func (t Transcript) Words() int { return len(strings.Fields(t.Text)) }

// Speech is synthesized audio. Format "pcm16" means little-endian 16-bit mono
// at SampleRate.
type Speech struct {
	Audio      []byte
	Format     string
	SampleRate int
	Provider   string
}

func (s Speech) Empty() bool { return len(s.Audio) == 0 }

const FormatPCM16 = "pcm16"

type STTProvider interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}

type TTSProvider interface {
	Name() string
	Synthesize(ctx context.Context, text string, lang language.Tag, voice string) (Speech, error)
}
