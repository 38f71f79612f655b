package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/brain"
	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/voice"
)

type speechSetup struct {
	stt    []voice.STTProvider
	tts    []voice.TTSProvider
	detail string
}

func resolveSpeechProviders(cfg config.Config) (speechSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if mode == "" {
		mode = "auto"
	}

	tryOpenAI := func() (speechSetup, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return speechSetup{}, false
		}
		p := voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			STTModel: cfg.OpenAISTTModel,
			TTSModel: cfg.OpenAITTSModel,
		})
		return speechSetup{
			stt:    []voice.STTProvider{p},
			tts:    []voice.TTSProvider{p},
			detail: "openai (" + cfg.OpenAISTTModel + " + " + cfg.OpenAITTSModel + ")",
		}, true
	}
	mock := func(detail string) speechSetup {
		p := voice.NewMockProvider()
		return speechSetup{stt: []voice.STTProvider{p}, tts: []voice.TTSProvider{p}, detail: detail}
	}

	switch mode {
	case "openai":
		if setup, ok := tryOpenAI(); ok {
			return setup, nil
		}
		return speechSetup{}, fmt.Errorf("SPEECH_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryOpenAI(); ok {
			return setup, nil
		}
		return mock("mock (no OPENAI_API_KEY)"), nil
	default:
		return speechSetup{}, fmt.Errorf("invalid SPEECH_PROVIDER: %q (expected auto|openai|mock)", cfg.SpeechProvider)
	}
}

type brainSetup struct {
	generator  *brain.Resilient
	classifier language.Classifier
	detail     string
}

// resolveBrainProviders builds the generator chain. BRAIN_PROVIDER is either
// "auto" (every configured provider, mock last resort) or a comma-separated
// ordered list of openai, gemini, http and mock.
func resolveBrainProviders(ctx context.Context, cfg config.Config, book *language.Phrasebook, metrics *observability.Metrics) (brainSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.BrainProvider))
	if mode == "" {
		mode = "auto"
	}

	var names []string
	strict := mode != "auto"
	if strict {
		for _, n := range strings.Split(mode, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	} else {
		names = []string{"openai", "gemini", "http"}
	}

	var (
		providers []brain.Provider
		llms      []brain.Provider
	)
	for _, name := range names {
		switch name {
		case "openai":
			if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
				if strict {
					return brainSetup{}, fmt.Errorf("BRAIN_PROVIDER lists openai but OPENAI_API_KEY is not set")
				}
				continue
			}
			p := brain.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIChatModel)
			providers = append(providers, p)
			llms = append(llms, p)
		case "gemini":
			if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
				if strict {
					return brainSetup{}, fmt.Errorf("BRAIN_PROVIDER lists gemini but GEMINI_API_KEY is not set")
				}
				continue
			}
			p, err := brain.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				if strict {
					return brainSetup{}, fmt.Errorf("gemini provider init failed: %w", err)
				}
				log.Warn().Err(err).Msg("gemini provider unavailable")
				continue
			}
			providers = append(providers, p)
			llms = append(llms, p)
		case "http":
			if strings.TrimSpace(cfg.BrainHTTPURL) == "" {
				if strict {
					return brainSetup{}, fmt.Errorf("BRAIN_PROVIDER lists http but BRAIN_HTTP_URL is not set")
				}
				continue
			}
			providers = append(providers, brain.NewHTTPProvider(cfg.BrainHTTPURL))
		case "mock":
			providers = append(providers, brain.NewMockProvider())
		default:
			return brainSetup{}, fmt.Errorf("invalid BRAIN_PROVIDER entry: %q (expected openai|gemini|http|mock)", name)
		}
	}
	if len(providers) == 0 {
		providers = append(providers, brain.NewMockProvider())
	}

	generators := make([]brain.Generator, 0, len(providers))
	for _, p := range providers {
		generators = append(generators, brain.NewGenerator(p))
	}
	chain := brain.NewChain(cfg.ProviderTimeout, metrics, generators...)

	setup := brainSetup{
		generator: brain.NewResilient(chain, book),
		detail:    chain.Name(),
	}
	if len(llms) > 0 {
		setup.classifier = brain.NewClassifier(llms...)
	}
	return setup, nil
}

func loadPhrasebook(cfg config.Config) (*language.Phrasebook, error) {
	if strings.TrimSpace(cfg.PhrasebookFile) == "" {
		return language.DefaultPhrasebook(), nil
	}
	book, err := language.LoadPhrasebook(cfg.PhrasebookFile)
	if err != nil {
		return nil, fmt.Errorf("phrasebook load failed: %w", err)
	}
	return book, nil
}
