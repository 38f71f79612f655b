package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupLoggingJSON(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	if err := setupLogging(&buf, "warn", "json"); err != nil {
		t.Fatalf("setupLogging() error = %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("call_sid", "CA1").Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("want exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "shown" || line["call_sid"] != "CA1" {
		t.Fatalf("log line = %v", line)
	}
}

func TestSetupLoggingRejectsUnknownValues(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	if err := setupLogging(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatalf("setupLogging(level=loud) error = nil")
	}
	if err := setupLogging(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatalf("setupLogging(format=xml) error = nil")
	}
}
