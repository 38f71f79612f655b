package language

import (
	"context"
	"math"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Detection sources.
const (
	SourceScript  = "script"
	SourceModel   = "model"
	SourceDefault = "default"
)

// Detection is the outcome of classifying one utterance.
type Detection struct {
	Language   Tag
	Confidence float64
	Source     string
}

// Classifier is a model-backed language classifier consulted only when the
// script heuristic is inconclusive.
type Classifier interface {
	ClassifyLanguage(ctx context.Context, text string) (Tag, error)
}

type Detector struct {
	book       *Phrasebook
	classifier Classifier
	fallback   Tag
	timeout    time.Duration
}

func NewDetector(book *Phrasebook, classifier Classifier, fallback Tag) *Detector {
	if book == nil {
		book = DefaultPhrasebook()
	}
	if fallback == "" {
		fallback = English
	}
	return &Detector{
		book:       book,
		classifier: classifier,
		fallback:   fallback,
		timeout:    2 * time.Second,
	}
}

// Heuristic classifies text by script: any Devanagari rune means Hindi,
// otherwise any Latin letter means English. It is pure.
func Heuristic(text string) (Detection, bool) {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return Detection{}, false
	}
	var devanagari, latin int
	for _, r := range text {
		switch {
		case r >= 0x0900 && r <= 0x097F:
			devanagari++
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin++
		}
	}
	switch {
	case devanagari > 0:
		return Detection{Language: Hindi, Confidence: scriptConfidence(devanagari, total), Source: SourceScript}, true
	case latin > 0:
		return Detection{Language: English, Confidence: scriptConfidence(latin, total), Source: SourceScript}, true
	default:
		return Detection{}, false
	}
}

func scriptConfidence(matched, total int) float64 {
	return math.Min(0.95, 0.7+float64(matched)/float64(total)*0.3)
}

// Detect runs the script heuristic and falls back to the classifier, then to
// the default language.
func (d *Detector) Detect(ctx context.Context, text string) Detection {
	if det, ok := Heuristic(text); ok {
		return det
	}
	if d.classifier != nil && text != "" {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		tag, err := d.classifier.ClassifyLanguage(cctx, text)
		if err == nil {
			if norm, ok := Normalize(string(tag)); ok && d.book.Has(norm) {
				return Detection{Language: norm, Confidence: 0.7, Source: SourceModel}
			}
		} else {
			log.Warn().Err(err).Msg("language classifier failed")
		}
	}
	return Detection{Language: d.fallback, Confidence: 0.5, Source: SourceDefault}
}

// DetectSwitchRequest returns the language the caller explicitly asked for,
// only when it differs from current.
func (d *Detector) DetectSwitchRequest(text string, current Tag) (Tag, bool) {
	if text == "" {
		return "", false
	}
	for _, tag := range d.book.order {
		if tag == current {
			continue
		}
		for _, re := range d.book.triggers[tag] {
			if re.MatchString(text) {
				return tag, true
			}
		}
	}
	return "", false
}

// Phrasebook exposes the detector's phrasebook.
func (d *Detector) Phrasebook() *Phrasebook { return d.book }
