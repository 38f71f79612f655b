package brain

import (
	"context"
	"strings"

	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/reliability"
)

// Classifier asks an LLM provider which language a text is in. It satisfies
// language.Classifier.
type Classifier struct {
	providers []Provider
}

func NewClassifier(providers ...Provider) *Classifier {
	return &Classifier{providers: providers}
}

func (c *Classifier) ClassifyLanguage(ctx context.Context, text string) (language.Tag, error) {
	err := error(reliability.ErrEmptyResult)
	for _, p := range c.providers {
		raw, cerr := p.Complete(ctx, ClassifyPrompt(text))
		if cerr != nil {
			err = cerr
			if ctx.Err() != nil {
				break
			}
			continue
		}
		answer := strings.Trim(strings.ToLower(strings.TrimSpace(raw)), `."'`)
		if tag, ok := language.Normalize(answer); ok {
			return tag, nil
		}
		err = reliability.ErrInvalidOutput
	}
	return "", err
}
