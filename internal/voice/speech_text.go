package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxSpokenRunes caps a single synthesized reply. Longer text is cut at the
// last sentence end that fits.
const maxSpokenRunes = 600

type textRewrite struct {
	pattern *regexp.Regexp
	with    string
}

// Applied in order: code first so link and URL rules never see backticks.
var spokenRewrites = []textRewrite{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[(.*?)\]\((.*?)\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
	{regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`), ""},
}

var markupStripper = strings.NewReplacer(
	"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
	"#", " ", "~", " ", "<", " ", ">", " ",
)

type runeClass int

const (
	runeKeep runeClass = iota
	runeDrop
	runeSpace
)

func classifySpoken(r rune) runeClass {
	switch {
	case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		return runeDrop
	case unicode.IsSpace(r):
		return runeSpace
	case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		return runeDrop
	case strings.ContainsRune(".,!?:;'\"-()।", r):
		return runeKeep
	case unicode.IsPunct(r):
		return runeSpace
	}
	return runeKeep
}

// sanitizeSpeechText turns model output into plain sentences a phone voice
// can read: markup, code, links, emoji and list bullets are removed and
// whitespace is collapsed.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, rw := range spokenRewrites {
		raw = rw.pattern.ReplaceAllString(raw, rw.with)
	}
	raw = markupStripper.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range raw {
		switch classifySpoken(r) {
		case runeDrop:
		case runeSpace:
			pendingSpace = b.Len() > 0
		default:
			if pendingSpace && !strings.ContainsRune(".,!?:;)।", r) {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return truncateSpoken(b.String(), maxSpokenRunes)
}

func endsSentence(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '।'
}

// truncateSpoken shortens text to at most limit runes, preferring the last
// sentence boundary inside the limit.
func truncateSpoken(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)[:limit]
	for i := len(runes) - 1; i > 0; i-- {
		if endsSentence(runes[i]) {
			return string(runes[:i+1])
		}
	}
	return strings.TrimSpace(string(runes))
}

// joinSpoken appends a closing line (transfer or goodbye) to a reply so the
// caller hears both as separate sentences.
func joinSpoken(reply, closing string) string {
	reply = strings.TrimSpace(reply)
	closing = strings.TrimSpace(closing)
	if closing == "" {
		return reply
	}
	if reply == "" {
		return closing
	}
	if last, _ := utf8.DecodeLastRuneInString(reply); !endsSentence(last) {
		reply += "."
	}
	return reply + " " + closing
}
