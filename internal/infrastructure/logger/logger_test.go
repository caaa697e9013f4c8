package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfigs(t *testing.T) {
	dev := DefaultConfig()
	assert.Equal(t, "info", dev.Level)
	assert.Equal(t, "console", dev.Format)
	assert.Equal(t, "stdout", dev.Output)

	prod := ProductionConfig()
	assert.Equal(t, "json", prod.Format)
}

func TestConfigForEnvironment(t *testing.T) {
	tests := map[string]string{
		"development": "console",
		"production":  "json",
		"test":        "console",
	}
	for env, format := range tests {
		t.Run(env, func(t *testing.T) {
			cfg := ConfigForEnvironment(env)
			assert.Equal(t, format, cfg.Format)
			l, err := New(cfg)
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, parseLevel(in))
		})
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")
	l, err := New(&Config{Level: "debug", Format: "json", Output: path, Service: "verifactu"})
	require.NoError(t, err)

	l.Debug("record chained", zap.String("entity_id", "B12345678"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"msg":"record chained"`)
	assert.Contains(t, line, `"service":"verifactu"`)
	assert.Contains(t, line, `"entity_id":"B12345678"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestNew_RespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	l, err := New(&Config{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestCreateWriter(t *testing.T) {
	for _, out := range []string{"", "stdout", "STDERR"} {
		w, err := createWriter(out)
		require.NoError(t, err)
		assert.NotNil(t, w)
	}

	_, err := createWriter(filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	assert.Error(t, err)
}
