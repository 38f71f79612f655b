package brain

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/ent0n29/callpilot/internal/reliability"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	if prompt.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt.User), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", errors.Wrap(&reliability.StatusError{Provider: p.Name(), StatusCode: apiErr.Code, Body: apiErr.Message}, "gemini generate")
		}
		return "", errors.Wrap(err, "gemini generate")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", reliability.ErrEmptyResult
	}
	return text, nil
}
