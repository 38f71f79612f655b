package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChunkThresholdBytes != 4096 {
		t.Fatalf("ChunkThresholdBytes = %d, want 4096", cfg.ChunkThresholdBytes)
	}
	if cfg.MinChunks != 2 {
		t.Fatalf("MinChunks = %d, want 2", cfg.MinChunks)
	}
	if cfg.MaxSilentChunks != 10 {
		t.Fatalf("MaxSilentChunks = %d, want 10", cfg.MaxSilentChunks)
	}
	if cfg.InactivityTimeout != 30*time.Second {
		t.Fatalf("InactivityTimeout = %s, want 30s", cfg.InactivityTimeout)
	}
	if cfg.HistoryLimit != 20 {
		t.Fatalf("HistoryLimit = %d, want 20", cfg.HistoryLimit)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "callpilot.yaml")
	body := []byte("bind_addr: \":7070\"\nmax_concurrent_calls: 7\ndebounce: 50ms\ndefault_language: hi-IN\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CALLPILOT_CONFIG_FILE", path)
	t.Setenv("CALL_MAX_CONCURRENT", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":7070")
	}
	if cfg.MaxConcurrentCalls != 3 {
		t.Fatalf("MaxConcurrentCalls = %d, want 3 (env wins)", cfg.MaxConcurrentCalls)
	}
	if cfg.Debounce != 50*time.Millisecond {
		t.Fatalf("Debounce = %s, want 50ms", cfg.Debounce)
	}
	if cfg.DefaultLanguage != "hi-IN" {
		t.Fatalf("DefaultLanguage = %q, want hi-IN", cfg.DefaultLanguage)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUDIO_MIN_CHUNKS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for AUDIO_MIN_CHUNKS=0")
	}

	setCoreEnvEmpty(t)
	t.Setenv("SPEECH_MIN_CONFIDENCE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for SPEECH_MIN_CONFIDENCE=1.5")
	}

	setCoreEnvEmpty(t)
	t.Setenv("AUDIO_DEBOUNCE", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected parse error for AUDIO_DEBOUNCE")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"CALLPILOT_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"CALL_MAX_CONCURRENT",
		"CALL_INACTIVITY_TIMEOUT",
		"CALL_SWEEP_INTERVAL",
		"CALL_HISTORY_LIMIT",
		"CALL_GREET_ON_START",
		"AUDIO_CHUNK_THRESHOLD_BYTES",
		"AUDIO_MIN_CHUNKS",
		"AUDIO_SILENCE_AMPLITUDE",
		"AUDIO_MAX_SILENT_CHUNKS",
		"AUDIO_DEBOUNCE",
		"AUDIO_SAMPLE_RATE",
		"PROVIDER_TIMEOUT",
		"SPEECH_MIN_CONFIDENCE",
		"DEFAULT_LANGUAGE",
		"TTS_VOICE",
		"PHRASEBOOK_FILE",
		"SPEECH_PROVIDER",
		"BRAIN_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_STT_MODEL",
		"OPENAI_TTS_MODEL",
		"OPENAI_CHAT_MODEL",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"BRAIN_HTTP_URL",
		"DATABASE_URL",
		"REDIS_ADDR",
		"EVENTS_STREAM_PREFIX",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
