package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			require.NotNil(t, logger)
		})
	}
}

func TestLoggerWithDevice(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	deviceLogger := logger.WithDevice(2)
	deviceLogger.Info("device ready")
	require.Contains(t, buf.String(), "device_idx=2")

	buf.Reset()
	egLogger := deviceLogger.WithEG(7)
	egLogger.Info("eg ready")
	output := buf.String()
	require.Contains(t, output, "device_idx=2")
	require.Contains(t, output, "eg_id=7")
}

func TestLoggerWithModel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	modelLogger := logger.WithModel(123)
	modelLogger.Debug("infer posted")
	require.Contains(t, buf.String(), "nn_id=123")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	errLogger := logger.WithError(errors.New("boom"))
	errLogger.Error("operation failed")
	require.Contains(t, buf.String(), "boom")

	// WithError(nil) must not panic and must not add a field.
	buf.Reset()
	logger.WithError(nil).Info("fine")
	require.NotContains(t, buf.String(), "error=")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	require.True(t, strings.Contains(buf.String(), "debug message"))
	require.True(t, strings.Contains(buf.String(), "key=value"))

	buf.Reset()
	Info("info message")
	require.Contains(t, buf.String(), "info message")

	buf.Reset()
	Warn("warning message")
	require.Contains(t, buf.String(), "warning message")

	buf.Reset()
	Error("error message")
	require.Contains(t, buf.String(), "error message")
}
