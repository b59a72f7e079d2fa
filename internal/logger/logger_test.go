package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error", "none"} {
		l, err := NewLogger("json", level)
		require.NoError(t, err, level)
		require.NotNil(t, l)
	}

	_, err := NewLogger("json", "verbose")
	require.Error(t, err)
}

func TestContextLoggingAddsRequestID(t *testing.T) {
	l, logs := NewObserverLogger("debug")
	ctx := ContextWithRequestID(context.Background(), "req-1")

	l.WarnWithContext(ctx, "stage failed", zap.String("stage", "threats"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, zapcore.WarnLevel, entry.Level)
	require.Equal(t, map[string]interface{}{
		"stage":      "threats",
		"request_id": "req-1",
	}, entry.ContextMap())
}

func TestWithCarriesFields(t *testing.T) {
	l, logs := NewObserverLogger("info")
	l.With(zap.String("component", "pipeline")).Info("hello")
	l.Debug("dropped below level")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "pipeline", logs.All()[0].ContextMap()["component"])
}

func TestOrNoop(t *testing.T) {
	require.NotNil(t, OrNoop(nil))
	l := NewNoopLogger()
	require.Same(t, l, OrNoop(l))
}
