package language

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	tag   Tag
	err   error
	calls int
}

func (s *stubClassifier) ClassifyLanguage(context.Context, string) (Tag, error) {
	s.calls++
	return s.tag, s.err
}

func TestHeuristic(t *testing.T) {
	cases := []struct {
		text string
		want Tag
		ok   bool
	}{
		{"hello there", English, true},
		{"नमस्ते", Hindi, true},
		{"mera order कहाँ है", Hindi, true},
		{"12345 !!", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := Heuristic(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.want, got.Language, tc.text)
		if ok {
			assert.Equal(t, SourceScript, got.Source)
			assert.GreaterOrEqual(t, got.Confidence, 0.7)
			assert.LessOrEqual(t, got.Confidence, 0.95)
		}
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	a, _ := Heuristic("ok 123456")
	b, _ := Heuristic("ok 123456")
	assert.Equal(t, a, b)
	assert.InDelta(t, 0.7+(2.0/9.0)*0.3, a.Confidence, 1e-9)

	long, _ := Heuristic("please help me with billing")
	assert.Equal(t, 0.95, long.Confidence, "confidence is capped")
}

func TestDetectFallsBackToClassifierOnlyWhenInconclusive(t *testing.T) {
	cls := &stubClassifier{tag: "hindi"}
	d := NewDetector(DefaultPhrasebook(), cls, English)

	got := d.Detect(context.Background(), "hello")
	assert.Equal(t, English, got.Language)
	assert.Zero(t, cls.calls)

	got = d.Detect(context.Background(), "123 456")
	assert.Equal(t, Hindi, got.Language)
	assert.Equal(t, SourceModel, got.Source)
	assert.Equal(t, 1, cls.calls)
}

func TestDetectDefaultsWhenClassifierFails(t *testing.T) {
	d := NewDetector(DefaultPhrasebook(), &stubClassifier{err: errors.New("quota")}, Hindi)
	got := d.Detect(context.Background(), "...")
	assert.Equal(t, Hindi, got.Language)
	assert.Equal(t, SourceDefault, got.Source)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestDetectSwitchRequest(t *testing.T) {
	d := NewDetector(DefaultPhrasebook(), nil, English)

	tag, ok := d.DetectSwitchRequest("Can you please speak in Hindi?", English)
	require.True(t, ok)
	assert.Equal(t, Hindi, tag)

	tag, ok = d.DetectSwitchRequest("हिंदी में बात करिए", English)
	require.True(t, ok)
	assert.Equal(t, Hindi, tag)

	tag, ok = d.DetectSwitchRequest("switch to english", Hindi)
	require.True(t, ok)
	assert.Equal(t, English, tag)

	_, ok = d.DetectSwitchRequest("switch to hindi", Hindi)
	assert.False(t, ok, "requesting the current language is not a switch")

	_, ok = d.DetectSwitchRequest("I need help with my bill", English)
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	cases := map[string]Tag{
		"hindi":   Hindi,
		"English": English,
		"hi":      Hindi,
		"hi-IN":   Hindi,
		"en":      English,
		"en_US":   English,
	}
	for raw, want := range cases {
		got, ok := Normalize(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := Normalize("klingon")
	assert.False(t, ok)
	_, ok = Normalize("")
	assert.False(t, ok)
	assert.Equal(t, "hi", Hindi.Base())
}

func TestPhrasebookLines(t *testing.T) {
	book := DefaultPhrasebook()
	assert.Equal(t, []Tag{English, Hindi}, book.Supported())
	assert.Contains(t, book.Line(English, LineNoInput), "didn't catch that")
	assert.Contains(t, book.Line(Hindi, LineErrorRecovery), "माफ़ करें")
	assert.Equal(t, book.Line(English, LineGoodbye), book.Line("fr-FR", LineGoodbye), "unknown languages fall back to English")
	assert.Equal(t, "Hindi", book.Name(Hindi))
}

func TestParsePhrasebookRejectsBadTrigger(t *testing.T) {
	_, err := ParsePhrasebook([]byte("languages:\n  en-US:\n    no_input: a\n    error_recovery: b\n    switch_triggers: ['(']\n"))
	assert.Error(t, err)

	_, err = ParsePhrasebook([]byte("languages: {}\n"))
	assert.Error(t, err)
}
