package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_NilLogger(t *testing.T) {
	logger := NewLogger(nil)
	logger.Info("dropped", entitlement.Field{Key: "k", Value: "v"})
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("m") }, "debug"},
		{"info", func(l *Logger) { l.Info("m") }, "info"},
		{"warn", func(l *Logger) { l.Warn("m") }, "warn"},
		{"error", func(l *Logger) { l.Error("m") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("invalid log line %q: %v", output.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Error("apply failed",
		entitlement.Field{Key: "subscription_id", Value: "sub_1"},
		entitlement.Field{Key: "error", Value: errors.New("boom")},
		entitlement.Field{Key: "attempt", Value: 2},
	)

	line := output.String()
	for _, want := range []string{`"subscription_id":"sub_1"`, `"error":"boom"`, `"attempt":2`, `"message":"apply failed"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("hidden")
	logger.Info("hidden")
	if output.Len() != 0 {
		t.Errorf("expected no output below warn level, got %q", output.String())
	}

	logger.Warn("shown")
	if output.Len() == 0 {
		t.Error("expected warn log to be written")
	}
}
