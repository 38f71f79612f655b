package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/conversation"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/reliability"
)

// ProviderGenerator prompts a Provider and parses its output strictly.
type ProviderGenerator struct {
	provider Provider
}

func NewGenerator(p Provider) *ProviderGenerator {
	return &ProviderGenerator{provider: p}
}

func (g *ProviderGenerator) Name() string { return g.provider.Name() }

func (g *ProviderGenerator) Generate(ctx context.Context, c Context) (Response, error) {
	raw, err := g.provider.Complete(ctx, BuildPrompt(c))
	if err != nil {
		return Response{}, err
	}
	out := ParseResponse(raw)
	if !out.OK {
		return Response{}, fmt.Errorf("%s: %w: %.120q", g.provider.Name(), reliability.ErrInvalidOutput, out.Raw)
	}
	out.Response.Provider = g.provider.Name()
	return out.Response, nil
}

func (g *ProviderGenerator) Summarize(ctx context.Context, turns []conversation.Turn) (string, error) {
	raw, err := g.provider.Complete(ctx, SummaryPrompt(turns))
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", reliability.ErrEmptyResult
	}
	return summary, nil
}

// Chain tries generators in order until one returns a valid response. Each
// attempt gets its own timeout; a cancelled parent context stops the chain.
type Chain struct {
	generators []Generator
	timeout    time.Duration
	metrics    *observability.Metrics
}

func NewChain(timeout time.Duration, metrics *observability.Metrics, generators ...Generator) *Chain {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Chain{generators: generators, timeout: timeout, metrics: metrics}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.generators))
	for _, g := range c.generators {
		names = append(names, g.Name())
	}
	return strings.Join(names, ",")
}

func (c *Chain) Generate(ctx context.Context, in Context) (Response, error) {
	if len(c.generators) == 0 {
		return Response{}, errors.New("brain chain has no generators")
	}
	var errs []error
	for _, g := range c.generators {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := g.Generate(attemptCtx, in)
		cancel()
		code := reliability.ErrorCode(err)
		c.metrics.ObserveProviderAttempt("brain", g.Name(), err, code)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		log.Warn().
			Err(err).
			Str("call_sid", in.CallSid).
			Str("stage", "generate").
			Str("provider", g.Name()).
			Str("code", code).
			Bool("retryable", reliability.IsRetryable(err)).
			Msg("generator attempt failed")
	}
	return Response{}, errors.Join(errs...)
}

func (c *Chain) Summarize(ctx context.Context, turns []conversation.Turn) (string, error) {
	var errs []error
	for _, g := range c.generators {
		s, ok := g.(Summarizer)
		if !ok {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		summary, err := s.Summarize(attemptCtx, turns)
		cancel()
		if err == nil {
			return summary, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", reliability.ErrEmptyResult
	}
	return "", errors.Join(errs...)
}
