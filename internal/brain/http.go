package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/reliability"
)

// HTTPProvider posts prompts to a JSON endpoint. The endpoint may answer with
// a JSON body, plain text, or an SSE/NDJSON stream of deltas.
type HTTPProvider struct {
	url    string
	client *http.Client
}

type httpRequest struct {
	CallSid  string              `json:"call_sid,omitempty"`
	System   string              `json:"system"`
	Prompt   string              `json:"prompt"`
	JSON     bool                `json:"json"`
	Language string              `json:"language,omitempty"`
	Input    string              `json:"input_text,omitempty"`
	History  []conversation.Turn `json:"history,omitempty"`
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	payload, err := json.Marshal(httpRequest{
		CallSid:  prompt.Input.CallSid,
		System:   prompt.System,
		Prompt:   prompt.User,
		JSON:     prompt.JSON,
		Language: prompt.Input.CurrentLanguage.String(),
		Input:    prompt.Input.UserInput,
		History:  recent(prompt.Input.History, historyWindow),
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send request")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Provider: p.Name(), StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	return unwrapBody(body), nil
}

// unwrapBody returns the body unchanged when it already looks like a reply
// object, or the first text-like field of an envelope object.
func unwrapBody(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body))
	}
	if _, ok := obj["response"]; ok {
		return string(body)
	}
	if _, ok := obj["message"]; ok {
		return string(body)
	}
	if text := extractText(obj); text != "" {
		return text
	}
	return string(body)
}

func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}
		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "stream read")
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
