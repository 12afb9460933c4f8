package logbridge

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/arzzra/rtp_sender/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelMapping(t *testing.T) {
	toHost := []struct {
		in   rtp.LogLevel
		want slog.Level
		ok   bool
	}{
		{rtp.LogNone, 0, false},
		{rtp.LogError, slog.LevelError, true},
		{rtp.LogInfo, slog.LevelInfo, true},
		{rtp.LogDebug, slog.LevelDebug, true},
		{rtp.LogTrace, LevelTrace, true},
	}
	for _, tt := range toHost {
		t.Run("to_host_"+tt.in.String(), func(t *testing.T) {
			got, ok := ToHost(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	assert.Equal(t, rtp.LogError, ToLibrary(slog.LevelError))
	assert.Equal(t, rtp.LogError, ToLibrary(slog.LevelWarn), "предупреждение хоста соответствует ошибке библиотеки")
	assert.Equal(t, rtp.LogInfo, ToLibrary(slog.LevelInfo))
	assert.Equal(t, rtp.LogDebug, ToLibrary(slog.LevelDebug))
	assert.Equal(t, rtp.LogTrace, ToLibrary(LevelTrace))
}

func TestForward(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))

	Forward(logger, rtp.LogMessage{Level: rtp.LogInfo, Module: "encoder", File: "encoder.go", Line: 42, Text: "opened"})

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "opened", record["msg"])
	assert.Equal(t, "encoder", record["module"])
	assert.Equal(t, "encoder.go", record["file"])
	assert.Equal(t, float64(42), record["line"])

	buf.Reset()
	Forward(logger, rtp.LogMessage{Level: rtp.LogNone, Text: "hidden"})
	assert.Zero(t, buf.Len(), "LogNone не выводится")
}

func TestInstallOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	assert.True(t, Install(logger, slog.LevelDebug))
	assert.False(t, Install(slog.Default(), slog.LevelError), "повторная установка игнорируется")
	assert.Equal(t, rtp.LogDebug, rtp.GetLogLevel())

	ctx, err := rtp.OpenContext(rtp.ContextConfig{})
	require.NoError(t, err)
	require.NoError(t, ctx.Close())

	assert.Contains(t, buf.String(), "context opened")
	assert.Contains(t, buf.String(), "component=rtp")
}
