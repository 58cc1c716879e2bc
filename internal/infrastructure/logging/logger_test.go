package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

func TestNew_JSONFormat(t *testing.T) {
	logger := New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "1.0.0")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_TextFormat(t *testing.T) {
	logger := New(config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, "1.0.0")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected zapcore.Level
	}{
		{name: "debug level", input: "debug", expected: zapcore.DebugLevel},
		{name: "info level", input: "info", expected: zapcore.InfoLevel},
		{name: "warn level", input: "warn", expected: zapcore.WarnLevel},
		{name: "warning level", input: "warning", expected: zapcore.WarnLevel},
		{name: "error level", input: "error", expected: zapcore.ErrorLevel},
		{name: "unknown defaults to info", input: "unknown", expected: zapcore.InfoLevel},
		{name: "empty defaults to info", input: "", expected: zapcore.InfoLevel},
		{name: "case insensitive", input: "DEBUG", expected: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_KeyValueFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromCore(core)

	logger.Info("device discovered", "device_id", "AA11", "sightings", 1)

	entries := logs.FilterMessage("device discovered").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["device_id"] != "AA11" {
		t.Errorf("device_id = %v, want AA11", fields["device_id"])
	}
	if fields["sightings"] != int64(1) {
		t.Errorf("sightings = %v (%T), want 1", fields["sightings"], fields["sightings"])
	}
}

func TestLogger_With(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewFromCore(core)
	child := logger.With("component", "mqtt")

	if child == logger {
		t.Error("expected child logger to be different from parent")
	}

	child.Warn("connection lost")
	logger.Info("parent entry")

	warn := logs.FilterMessage("connection lost").All()
	if len(warn) != 1 || warn[0].ContextMap()["component"] != "mqtt" {
		t.Errorf("child entry missing component field: %+v", warn)
	}

	parent := logs.FilterMessage("parent entry").All()
	if len(parent) != 1 {
		t.Fatalf("got %d parent entries, want 1", len(parent))
	}
	if _, ok := parent[0].ContextMap()["component"]; ok {
		t.Error("parent logger should not carry child fields")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := NewFromCore(core)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	if got := logs.Len(); got != 2 {
		t.Errorf("logged %d entries at warn level, want 2", got)
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}
