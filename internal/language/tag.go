package language

import (
	"strings"

	textlang "golang.org/x/text/language"
)

// Tag is a BCP 47 language tag for a conversational language, e.g. "en-US".
type Tag string

const (
	English Tag = "en-US"
	Hindi   Tag = "hi-IN"
)

var (
	supported = []textlang.Tag{
		textlang.MustParse(string(English)),
		textlang.MustParse(string(Hindi)),
	}
	matcher = textlang.NewMatcher(supported)

	names = map[string]Tag{
		"english":  English,
		"hindi":    Hindi,
		"hinglish": Hindi,
	}
)

// Normalize maps provider-reported languages ("hi", "hi-IN", "hindi",
// "en_GB") onto a supported Tag. ok is false when nothing matches well.
func Normalize(raw string) (Tag, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if t, ok := names[strings.ToLower(raw)]; ok {
		return t, true
	}
	parsed, err := textlang.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return "", false
	}
	_, idx, conf := matcher.Match(parsed)
	if conf < textlang.High {
		return "", false
	}
	return Tag(supported[idx].String()), true
}

// Base returns the ISO 639 base language ("en", "hi").
func (t Tag) Base() string {
	parsed, err := textlang.Parse(string(t))
	if err != nil {
		return strings.ToLower(string(t))
	}
	base, _ := parsed.Base()
	return base.String()
}

func (t Tag) String() string { return string(t) }
