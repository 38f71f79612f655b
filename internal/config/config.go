package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the call pipeline service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`

	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HistoryLimit       int           `yaml:"history_limit"`

	ChunkThresholdBytes int           `yaml:"chunk_threshold_bytes"`
	MinChunks           int           `yaml:"min_chunks"`
	SilenceAmplitude    int           `yaml:"silence_amplitude"`
	MaxSilentChunks     int           `yaml:"max_silent_chunks"`
	Debounce            time.Duration `yaml:"debounce"`
	SampleRate          int           `yaml:"sample_rate"`

	ProviderTimeout     time.Duration `yaml:"provider_timeout"`
	SpeechMinConfidence float64       `yaml:"speech_min_confidence"`
	DefaultLanguage     string        `yaml:"default_language"`
	TTSVoice            string        `yaml:"tts_voice"`
	GreetOnStart        bool          `yaml:"greet_on_start"`
	PhrasebookFile      string        `yaml:"phrasebook_file"`

	SpeechProvider string `yaml:"speech_provider"`
	BrainProvider  string `yaml:"brain_provider"`

	OpenAIAPIKey    string `yaml:"-"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	OpenAISTTModel  string `yaml:"openai_stt_model"`
	OpenAITTSModel  string `yaml:"openai_tts_model"`
	OpenAIChatModel string `yaml:"openai_chat_model"`

	GeminiAPIKey string `yaml:"-"`
	GeminiModel  string `yaml:"gemini_model"`

	BrainHTTPURL string `yaml:"brain_http_url"`

	DatabaseURL        string `yaml:"-"`
	RedisAddr          string `yaml:"redis_addr"`
	EventsStreamPrefix string `yaml:"events_stream_prefix"`
}

// Default returns the baseline configuration before any file or env overlay.
func Default() Config {
	return Config{
		BindAddr:            ":8080",
		ShutdownTimeout:     15 * time.Second,
		MetricsNamespace:    "callpilot",
		LogLevel:            "info",
		LogFormat:           "console",
		MaxConcurrentCalls:  100,
		InactivityTimeout:   30 * time.Second,
		SweepInterval:       5 * time.Second,
		HistoryLimit:        20,
		ChunkThresholdBytes: 4096,
		MinChunks:           2,
		SilenceAmplitude:    500,
		MaxSilentChunks:     10,
		Debounce:            200 * time.Millisecond,
		SampleRate:          8000,
		ProviderTimeout:     5 * time.Second,
		SpeechMinConfidence: 0.3,
		DefaultLanguage:     "en-US",
		TTSVoice:            "alloy",
		GreetOnStart:        true,
		SpeechProvider:      "auto",
		BrainProvider:       "auto",
		OpenAISTTModel:      "whisper-1",
		OpenAITTSModel:      "tts-1",
		OpenAIChatModel:     "gpt-4o-mini",
		GeminiModel:         "gemini-2.0-flash",
		EventsStreamPrefix:  "callpilot",
	}
}

// Load reads CALLPILOT_CONFIG_FILE (when set) and then environment variables.
func Load() (Config, error) {
	return LoadFrom(stringsTrimSpace("CALLPILOT_CONFIG_FILE"))
}

// LoadFrom applies the YAML file at path (if non-empty) over the defaults,
// then environment variables over that, and validates the result.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.DefaultLanguage = envOrDefault("DEFAULT_LANGUAGE", cfg.DefaultLanguage)
	cfg.TTSVoice = envOrDefault("TTS_VOICE", cfg.TTSVoice)
	cfg.PhrasebookFile = envOrDefault("PHRASEBOOK_FILE", cfg.PhrasebookFile)
	cfg.SpeechProvider = envOrDefault("SPEECH_PROVIDER", cfg.SpeechProvider)
	cfg.BrainProvider = envOrDefault("BRAIN_PROVIDER", cfg.BrainProvider)
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAISTTModel = envOrDefault("OPENAI_STT_MODEL", cfg.OpenAISTTModel)
	cfg.OpenAITTSModel = envOrDefault("OPENAI_TTS_MODEL", cfg.OpenAITTSModel)
	cfg.OpenAIChatModel = envOrDefault("OPENAI_CHAT_MODEL", cfg.OpenAIChatModel)
	cfg.GeminiAPIKey = stringsTrimSpace("GEMINI_API_KEY")
	cfg.GeminiModel = envOrDefault("GEMINI_MODEL", cfg.GeminiModel)
	cfg.BrainHTTPURL = envOrDefault("BRAIN_HTTP_URL", cfg.BrainHTTPURL)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.EventsStreamPrefix = envOrDefault("EVENTS_STREAM_PREFIX", cfg.EventsStreamPrefix)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CALL_INACTIVITY_TIMEOUT", &cfg.InactivityTimeout},
		{"CALL_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"AUDIO_DEBOUNCE", &cfg.Debounce},
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CALL_MAX_CONCURRENT", &cfg.MaxConcurrentCalls},
		{"CALL_HISTORY_LIMIT", &cfg.HistoryLimit},
		{"AUDIO_CHUNK_THRESHOLD_BYTES", &cfg.ChunkThresholdBytes},
		{"AUDIO_MIN_CHUNKS", &cfg.MinChunks},
		{"AUDIO_SILENCE_AMPLITUDE", &cfg.SilenceAmplitude},
		{"AUDIO_MAX_SILENT_CHUNKS", &cfg.MaxSilentChunks},
		{"AUDIO_SAMPLE_RATE", &cfg.SampleRate},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.SpeechMinConfidence, err = floatFromEnv("SPEECH_MIN_CONFIDENCE", cfg.SpeechMinConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetOnStart, err = boolFromEnv("CALL_GREET_ON_START", cfg.GreetOnStart)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("CALL_MAX_CONCURRENT must be positive")
	}
	if c.InactivityTimeout < time.Second {
		return fmt.Errorf("CALL_INACTIVITY_TIMEOUT must be at least 1s")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("CALL_HISTORY_LIMIT must be positive")
	}
	if c.ChunkThresholdBytes <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_THRESHOLD_BYTES must be positive")
	}
	if c.MinChunks <= 0 {
		return fmt.Errorf("AUDIO_MIN_CHUNKS must be positive")
	}
	if c.SilenceAmplitude < 0 {
		return fmt.Errorf("AUDIO_SILENCE_AMPLITUDE must be >= 0")
	}
	if c.MaxSilentChunks <= 0 {
		return fmt.Errorf("AUDIO_MAX_SILENT_CHUNKS must be positive")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("AUDIO_DEBOUNCE must be >= 0")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.SpeechMinConfidence < 0 || c.SpeechMinConfidence > 1 {
		return fmt.Errorf("SPEECH_MIN_CONFIDENCE must be within [0,1]")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
