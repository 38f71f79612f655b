package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/audio"
	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/events"
	"github.com/ent0n29/callpilot/internal/httpapi"
	"github.com/ent0n29/callpilot/internal/language"
	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/session"
	"github.com/ent0n29/callpilot/internal/transcript"
	"github.com/ent0n29/callpilot/internal/voice"
)

const busCloseTimeout = 5 * time.Second

type ProviderInfo struct {
	Speech string
	Brain  string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Pipeline  *voice.Pipeline
	Metrics   *observability.Metrics
	Providers ProviderInfo

	// LocalEvents is set when events stay in process (no REDIS_ADDR); it
	// receives everything the bus publishes.
	LocalEvents message.Subscriber

	// Cleanup should be called on shutdown, after the pipeline has drained,
	// to flush the event bus and release the transcript store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	defaultLang, ok := language.Normalize(cfg.DefaultLanguage)
	if !ok {
		return nil, fmt.Errorf("unsupported DEFAULT_LANGUAGE: %q", cfg.DefaultLanguage)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	book, err := loadPhrasebook(cfg)
	if err != nil {
		return nil, err
	}
	if !book.Has(defaultLang) {
		return nil, fmt.Errorf("phrasebook has no lines for DEFAULT_LANGUAGE %s (supported: %v)", defaultLang, book.Supported())
	}

	speech, err := resolveSpeechProviders(cfg)
	if err != nil {
		return nil, err
	}
	brainSetup, err := resolveBrainProviders(ctx, cfg, book, metrics)
	if err != nil {
		return nil, err
	}

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	pub, localSub, err := events.NewPublisher(ctx, cfg.RedisAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}
	bus := events.NewBus(pub, events.BusConfig{Prefix: cfg.EventsStreamPrefix}, metrics)

	sessions := session.NewManager(session.Options{
		MaxConcurrent:     cfg.MaxConcurrentCalls,
		InactivityTimeout: cfg.InactivityTimeout,
		HistoryLimit:      cfg.HistoryLimit,
		DefaultLanguage:   defaultLang,
		Segmenter: audio.SegmenterConfig{
			ChunkThresholdBytes: cfg.ChunkThresholdBytes,
			MinChunks:           cfg.MinChunks,
			SilenceAmplitude:    cfg.SilenceAmplitude,
			MaxSilentChunks:     cfg.MaxSilentChunks,
			Debounce:            cfg.Debounce,
		},
	})

	gateway := voice.NewGateway(speech.stt, speech.tts, voice.GatewayConfig{
		AttemptTimeout: cfg.ProviderTimeout,
		MinConfidence:  cfg.SpeechMinConfidence,
	}, metrics)
	detector := language.NewDetector(book, brainSetup.classifier, defaultLang)
	coord := voice.NewCoordinator(sessions, gateway, detector, brainSetup.generator, bus, metrics, voice.CoordinatorConfig{
		SampleRate:    cfg.SampleRate,
		MinConfidence: cfg.SpeechMinConfidence,
		Voice:         cfg.TTSVoice,
	})
	pipeline := voice.NewPipeline(sessions, coord, brainSetup.generator, store, bus, metrics, voice.PipelineConfig{
		GreetOnStart:     cfg.GreetOnStart,
		SilenceAmplitude: cfg.SilenceAmplitude,
	})

	api := httpapi.New(cfg, pipeline, store, metrics)

	cleanup := func() error {
		var errs []string
		closeCtx, cancel := context.WithTimeout(context.Background(), busCloseTimeout)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	info := ProviderInfo{Speech: speech.detail, Brain: brainSetup.detail}
	log.Info().
		Str("speech", info.Speech).
		Str("brain", info.Brain).
		Interface("languages", book.Supported()).
		Bool("postgres", strings.TrimSpace(cfg.DatabaseURL) != "").
		Bool("redis", strings.TrimSpace(cfg.RedisAddr) != "").
		Msg("providers resolved")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Pipeline:    pipeline,
		Metrics:     metrics,
		Providers:   info,
		LocalEvents: localSub,
		Cleanup:     cleanup,
	}, nil
}

// EventTopics returns the fully-qualified topics the bus publishes to.
func EventTopics(prefix string) []string {
	topics := events.Topics()
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		out = append(out, events.Topic(prefix, t))
	}
	return out
}
