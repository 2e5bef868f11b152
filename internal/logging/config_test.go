package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{raw: "", want: zerolog.InfoLevel, wantOK: false},
		{raw: "DEBUG", want: zerolog.DebugLevel, wantOK: true},
		{raw: " warning ", want: zerolog.WarnLevel, wantOK: true},
		{raw: "off", want: zerolog.Disabled, wantOK: true},
		{raw: "loud", want: zerolog.InfoLevel, wantOK: false},
	}
	for _, tc := range tests {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("raw=%q got=%v ok=%v", tc.raw, got, ok)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogJSON, "true")
	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.JSON {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestApplyJSONTagsComponent(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	apply(Config{Level: zerolog.DebugLevel, JSON: true}, &buf)
	logger := Component("server")
	logger.Info().Str("name", "telegram").Msg("identified")
	out := buf.String()
	if !strings.Contains(out, `"component":"server"`) || !strings.Contains(out, `"name":"telegram"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}
