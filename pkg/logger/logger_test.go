package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoylab/imgate/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGetLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"dpanic":  zapcore.DPanicLevel,
		"panic":   zapcore.PanicLevel,
		"fatal":   zapcore.FatalLevel,
		"unknown": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, exp := range cases {
		assert.Equal(t, exp, getLogLevel(in), in)
	}
}

func TestSetLoggerDefaults(t *testing.T) {
	cfg := &config.LoggerConfig{}
	setLoggerDefaults(cfg)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 3, cfg.MaxBackups)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.Equal(t, "Local", cfg.TimeZone)
	assert.NotEmpty(t, cfg.TimeFormat)
	assert.NotEmpty(t, cfg.FilePath)
}

func TestResolveTimeZone(t *testing.T) {
	assert.Equal(t, time.Local, resolveTimeZone(""))
	assert.Equal(t, time.Local, resolveTimeZone("local"))
	assert.Equal(t, "UTC", resolveTimeZone("UTC").String())
	assert.Equal(t, time.Local, resolveTimeZone("Not/AZone"))
}

func TestNewLogger_Stdout(t *testing.T) {
	lg, err := NewLogger(&config.LoggerConfig{Format: "console", Color: true})
	require.NoError(t, err)
	assert.NotNil(t, lg)
	assert.True(t, lg.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, lg.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_FileWithStacktrace(t *testing.T) {
	tmp := t.TempDir()
	cfg := &config.LoggerConfig{
		Output:     "file",
		FilePath:   filepath.Join(tmp, "logs", "app.log"),
		Format:     "json",
		Stacktrace: true,
		Level:      "debug",
		TimeZone:   "UTC",
	}

	lg, err := NewLogger(cfg)
	require.NoError(t, err)
	lg.Debug("debug message")
	lg.Error("error message")
	_ = lg.Sync()

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug message")
	assert.Contains(t, string(data), "stacktrace")
}
