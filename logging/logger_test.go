package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedpals/davi-cma-agent/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_JSONDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3", &buf)

	logger.Debug("hidden")
	logger.Info("Vita connected", "device", "usb:054c:04e4")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Vita connected", rec["msg"])
	assert.Equal(t, "davi-cma-agent", rec["service"])
	assert.Equal(t, "1.2.3", rec["version"])
	assert.Equal(t, "usb:054c:04e4", rec["device"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "debug"}, "dev", &buf)

	logger.Debug("Starting event loop")
	assert.Contains(t, buf.String(), "msg=\"Starting event loop\"")
	assert.Contains(t, buf.String(), "service=davi-cma-agent")
}
