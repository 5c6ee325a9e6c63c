package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLogConfig_BuildLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		wantLevel zapcore.Level
	}{
		{
			name:      "defaults",
			cfg:       DefaultLogConfig(),
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "debug json",
			cfg:       LogConfig{Level: "debug", Format: "json"},
			wantLevel: zapcore.DebugLevel,
		},
		{
			name:      "error console with caller",
			cfg:       LogConfig{Level: "error", Format: "console", EnableCaller: true},
			wantLevel: zapcore.ErrorLevel,
		},
		{
			name:      "unknown level falls back to info",
			cfg:       LogConfig{Level: "shout", Format: "json"},
			wantLevel: zapcore.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := tt.cfg.BuildLogger()
			require.NotNil(t, logger)

			assert.True(t, logger.Core().Enabled(tt.wantLevel))
			if tt.wantLevel > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.wantLevel-1))
			}
		})
	}
}
