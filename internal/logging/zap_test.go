package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLogger(zap.New(core))
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	wantMsgs := []string{"dbg", "inf", "wrn", "err"}
	for i, e := range entries {
		assert.Equal(t, wantLevels[i], e.Level)
		assert.Equal(t, wantMsgs[i], e.Message)
		assert.Len(t, e.Context, 1)
	}
}

func TestZapLogger_With_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZapLogger(zap.New(core)).With("module", "reconciler")

	log.Info(context.Background(), "pass complete", "created", 2)

	entries := logs.FilterField(zap.String("module", "reconciler")).AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["created"])
}

func TestNewZap_Modes(t *testing.T) {
	for _, mode := range []string{"dev", "prod"} {
		l, err := NewZap(mode, zapcore.InfoLevel)
		require.NoError(t, err, mode)
		require.NotNil(t, l)
	}
}

func TestNop_DoesNotPanic(t *testing.T) {
	l := Nop().With("k", "v")
	l.Info(context.Background(), "ignored")
}
