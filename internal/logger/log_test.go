package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"ipttool/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"info":    log.InfoLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCreateWriter(t *testing.T) {
	tests := []struct {
		name      string
		output    config.LogOutput
		expectNil bool
		expectErr bool
	}{
		{name: "disabled output", output: config.LogOutput{Type: "console"}, expectNil: true},
		{name: "console without settings", output: config.LogOutput{Type: "console", Enabled: true}, expectErr: true},
		{name: "file without settings", output: config.LogOutput{Type: "file", Enabled: true}, expectErr: true},
		{name: "unknown type", output: config.LogOutput{Type: "journald", Enabled: true}, expectErr: true},
		{name: "syslog is not an output", output: config.LogOutput{Type: "syslog", Enabled: true}, expectErr: true},
		{
			name: "unknown console format",
			output: config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{
				Format: "xml",
			}},
			expectErr: true,
		},
		{
			name: "console",
			output: config.LogOutput{Type: "console", Enabled: true, Console: &config.ConsoleConfig{
				Format: "logfmt", Writer: "stdout",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := createWriter(tt.output)
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if (w == nil) != tt.expectNil {
				t.Errorf("Expected nil writer: %v, got %v", tt.expectNil, w)
			}
		})
	}
}

func TestCreateConsoleWriter_JSON(t *testing.T) {
	w, err := createConsoleWriter(&config.ConsoleConfig{Format: "json", Writer: "stdout"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := w.(*log.IOWriter); !ok {
		t.Errorf("Expected IOWriter for json format, got %T", w)
	}
}

func TestCreateMultiWriter_FallsBackToStderr(t *testing.T) {
	w, err := createMultiWriter([]config.LogOutput{{Type: "console", Enabled: false}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := w.(*log.IOWriter); !ok {
		t.Errorf("Expected stderr IOWriter fallback, got %T", w)
	}
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := log.Logger{
		Level: log.InfoLevel,
		Writer: &log.ConsoleWriter{
			Formatter: GlogFormatter{}.Formatter,
			Writer:    &buf,
		},
	}
	l.Info().Str("pid", "42").Msg("trace written")

	got := buf.String()
	if !strings.HasPrefix(got, "I") {
		t.Errorf("Expected info level marker, got %q", got)
	}
	if !strings.Contains(got, "] trace written") {
		t.Errorf("Expected message in %q", got)
	}
	if !strings.Contains(got, "pid=42") {
		t.Errorf("Expected key values in %q", got)
	}
}

func TestNewLoggerWithContext(t *testing.T) {
	saved := log.DefaultLogger
	defer func() { log.DefaultLogger = saved }()

	var buf bytes.Buffer
	log.DefaultLogger = log.Logger{Level: log.InfoLevel, Writer: &log.IOWriter{Writer: &buf}}

	l := NewLoggerWithContext("ipt_session")
	l.Info().Uint32("pid", 7).Msg("trace started")

	out := buf.String()
	if !strings.Contains(out, `"component":"ipt_session"`) {
		t.Errorf("Expected component field in %q", out)
	}
	if !strings.Contains(out, `"pid":7`) {
		t.Errorf("Expected pid field in %q", out)
	}
}
