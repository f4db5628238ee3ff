package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrappersWriteToInstalledLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Set(zap.New(core))
	defer Set(prev)

	Debug("Resolver: cache miss", zap.String("handle", "@alice@remote.example"))
	Info("Engine: follow stored")
	Warn("Delivery: retry scheduled", zap.Int("attempts", 2))
	Error("Delivery: gave up")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "@alice@remote.example", entries[0].ContextMap()["handle"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "Delivery: gave up", entries[3].Message)
}

func TestInit(t *testing.T) {
	prev := L()
	defer Set(prev)

	require.NoError(t, Init(true))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init(false))
	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))
}
