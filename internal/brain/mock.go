package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/callpilot/internal/language"
)

// MockProvider answers deterministically without a network. It recognises a
// few keywords so transfer and end-of-call paths can be exercised offline.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !prompt.JSON {
		if strings.HasPrefix(prompt.System, "Detect whether") {
			if d, ok := language.Heuristic(prompt.User); ok && d.Language == language.Hindi {
				return "hindi", nil
			}
			return "english", nil
		}
		return fmt.Sprintf("Caller spoke %d times.", strings.Count(prompt.User, "USER:")), nil
	}

	in := prompt.Input
	lower := strings.ToLower(in.UserInput)
	reply := map[string]any{
		"intent":           "general",
		"entities":         map[string]any{},
		"confidence":       0.9,
		"shouldTransfer":   false,
		"shouldEndCall":    false,
		"nextActions":      []string{},
		"emotionalTone":    "friendly",
		"detectedLanguage": in.CurrentLanguage.String(),
	}
	hindi := in.CurrentLanguage.Base() == "hi"
	switch {
	case strings.Contains(lower, "human") || strings.Contains(lower, "agent"):
		reply["intent"] = "transfer_request"
		reply["shouldTransfer"] = true
		reply["response"] = pick(hindi, "ज़रूर।", "Sure.")
	case strings.Contains(lower, "bye") || strings.Contains(lower, "that's all"):
		reply["intent"] = "goodbye"
		reply["shouldEndCall"] = true
		reply["response"] = pick(hindi, "आपसे बात करके अच्छा लगा।", "It was a pleasure helping you.")
	default:
		reply["response"] = pick(hindi, "मैंने सुना: "+in.UserInput, "I heard you: "+in.UserInput)
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func pick(hindi bool, hi, en string) string {
	if hindi {
		return hi
	}
	return en
}
