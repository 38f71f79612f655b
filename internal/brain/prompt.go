package brain

import (
	"fmt"
	"strings"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/language"
)

// historyWindow is how many recent turns go into a prompt.
const historyWindow = 10

const personaPrompt = `You are a warm, friendly, and professional AI assistant working in a call center. Behave like a caring human representative who is genuinely interested in helping the caller.

PERSONALITY:
- Warm and empathetic, but professional
- Patient, calm and reassuring
- Naturally conversational, slightly informal but respectful

GUIDELINES:
- Keep replies to 1-3 sentences; this is a phone call
- Ask a clarifying question when the request is unclear
- Acknowledge the caller's emotions

LANGUAGE SWITCHING:
- If the caller asks to switch languages, acknowledge warmly and switch immediately
- Support English and Hindi

ESCALATION:
- Transfer to a human for complex technical issues
- Transfer for billing or account problems that need verification
- Transfer if the caller is still frustrated after 3 exchanges
- Transfer for complaints about service quality`

const hindiSpecifics = `

HINDI:
- Use respectful Hindi with honorifics (आप, जी)
- Natural expressions: "अच्छा", "समझ गया", "बिल्कुल"
- Example: "जी हाँ, मैं समझ गया। आइए इसे हल करते हैं।"`

const englishSpecifics = `

ENGLISH:
- Warm conversational English with natural contractions
- Empathetic phrases: "I understand", "I'm sorry to hear that"
- Example: "Oh, I see what you mean. Let me help you with that."`

// SystemPrompt returns the persona prompt for lang.
func SystemPrompt(lang language.Tag) string {
	if lang.Base() == "hi" {
		return personaPrompt + hindiSpecifics
	}
	return personaPrompt + englishSpecifics
}

// BuildPrompt renders the reply prompt for c.
func BuildPrompt(c Context) Prompt {
	var b strings.Builder
	b.WriteString("CONVERSATION HISTORY:\n")
	writeTurns(&b, recent(c.History, historyWindow))
	fmt.Fprintf(&b, "\nUSER INPUT: %s\n", c.UserInput)
	fmt.Fprintf(&b, "CONFIDENCE: %.2f\n", c.Confidence)
	fmt.Fprintf(&b, "LANGUAGE: %s\n\n", c.CurrentLanguage)
	b.WriteString(`Respond with a JSON object of this shape:
{
  "response": "your natural spoken reply",
  "intent": "detected intent",
  "entities": {},
  "confidence": 0.9,
  "shouldTransfer": false,
  "shouldEndCall": false,
  "nextActions": ["next actions"],
  "emotionalTone": "friendly",
  "detectedLanguage": "`)
	b.WriteString(c.CurrentLanguage.String())
	b.WriteString(`"
}
Respond ONLY with valid JSON.`)

	return Prompt{
		System: SystemPrompt(c.CurrentLanguage),
		User:   b.String(),
		JSON:   true,
		Input:  c,
	}
}

// SummaryPrompt asks for a 2-3 sentence call summary.
func SummaryPrompt(turns []conversation.Turn) Prompt {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	writeTurns(&b, turns)
	b.WriteString("\nSummary:")
	return Prompt{
		System: "You are an expert conversation summarizer. Produce a concise summary in 2-3 sentences highlighting key points, resolutions, and next steps.",
		User:   b.String(),
	}
}

// ClassifyPrompt asks which supported language text is written in.
func ClassifyPrompt(text string) Prompt {
	return Prompt{
		System: "Detect whether the following text is English or Hindi. Reply with only 'english' or 'hindi'.",
		User:   text,
	}
}

func writeTurns(b *strings.Builder, turns []conversation.Turn) {
	for _, t := range turns {
		fmt.Fprintf(b, "%s: %s\n", strings.ToUpper(string(t.Role)), t.Content)
	}
}

func recent(turns []conversation.Turn, n int) []conversation.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
