package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{name: "default debug", raw: "", want: slog.LevelDebug},
		{name: "info", raw: "info", want: slog.LevelInfo},
		{name: "upper case", raw: "WARN", want: slog.LevelWarn},
		{name: "warning alias", raw: "warning", want: slog.LevelWarn},
		{name: "error", raw: "error", want: slog.LevelError},
		{name: "numeric", raw: "-4", want: slog.LevelDebug},
		{name: "invalid", raw: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLogLevel(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse level: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSelectedLogLevel(t *testing.T) {
	cases := []struct {
		flag, env, cfg string
		raw, source    string
	}{
		{"debug", "error", "warn", "debug", "flag"},
		{"", "warn", "info", "warn", "env"},
		{"", "", "error", "error", "config"},
		{"", " ", "", "", "default"},
	}
	for _, c := range cases {
		raw, source := selectedLogLevel(c.flag, c.env, c.cfg)
		if raw != c.raw || source != c.source {
			t.Fatalf("selectedLogLevel(%q,%q,%q) = %q,%q; want %q,%q", c.flag, c.env, c.cfg, raw, source, c.raw, c.source)
		}
	}
}

func TestConfigureLoggerForCLI(t *testing.T) {
	t.Run("flag overrides invalid env", func(t *testing.T) {
		t.Setenv(logLevelEnvKey, "invalid")
		warning, err := configureLoggerForCLI("debug", "info")
		if err != nil {
			t.Fatalf("configure logger: %v", err)
		}
		if warning != "" {
			t.Fatalf("expected no warning, got %q", warning)
		}
	})

	t.Run("invalid flag returns error", func(t *testing.T) {
		t.Setenv(logLevelEnvKey, "")
		if _, err := configureLoggerForCLI("verbose", "info"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid env warns and falls back", func(t *testing.T) {
		t.Setenv(logLevelEnvKey, "verbose")
		warning, err := configureLoggerForCLI("", "info")
		if err != nil {
			t.Fatalf("configure logger: %v", err)
		}
		if !strings.Contains(warning, logLevelEnvKey) || !strings.Contains(warning, "defaulting to debug") {
			t.Fatalf("expected env fallback warning, got %q", warning)
		}
	})

	t.Run("invalid config warns and falls back", func(t *testing.T) {
		t.Setenv(logLevelEnvKey, "")
		warning, err := configureLoggerForCLI("", "verbose")
		if err != nil {
			t.Fatalf("configure logger: %v", err)
		}
		if !strings.Contains(warning, "invalid log_level") {
			t.Fatalf("expected config warning, got %q", warning)
		}
	})
}

func TestNewLoggerFormats(t *testing.T) {
	var text bytes.Buffer
	newLogger(&text, slog.LevelInfo, "").Info("hello", "code", "ABCD1234")
	if !strings.Contains(text.String(), "msg=hello") || !strings.Contains(text.String(), "code=ABCD1234") {
		t.Fatalf("unexpected text record: %q", text.String())
	}

	var structured bytes.Buffer
	newLogger(&structured, slog.LevelInfo, "json").Info("hello", "code", "ABCD1234")
	var record map[string]any
	if err := json.Unmarshal(structured.Bytes(), &record); err != nil {
		t.Fatalf("expected json record, got %q: %v", structured.String(), err)
	}
	if record["msg"] != "hello" || record["code"] != "ABCD1234" {
		t.Fatalf("unexpected json record: %v", record)
	}

	var filtered bytes.Buffer
	newLogger(&filtered, slog.LevelWarn, "").Info("dropped")
	if filtered.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", filtered.String())
	}
}
