package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{" WARN ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"chatty", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)

	logger, err := New(Options{Level: "debug", Path: path})
	require.NoError(t, err)
	logger.Debug("step started", zap.Int("step", 1))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"step started"`)
	assert.Contains(t, string(data), `"step":1`)
}

func TestNewWithoutPath(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud", Path: filepath.Join(t.TempDir(), DefaultFile)})
	assert.Error(t, err)
}
