package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFromZap_KeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core))

	log.Info("Connected to bid feed", "url", "ws://feed")
	log.Warn("Dropping malformed feed message", "error", "bad amount")
	log.Debug("Bid sent", "item_id", "42")
	log.Error("Failed to publish bid update", "sequence", 3)

	entries := logs.AllUntimed()
	assert.Len(t, entries, 4)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "ws://feed", entries[0].ContextMap()["url"])
	assert.Equal(t, int64(3), entries[3].ContextMap()["sequence"])
}

func TestWith_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := NewFromZap(zap.New(core))
	feed := base.With("component", "feed")

	feed.Info("Reconnecting to bid feed", "attempt", 2)
	base.Info("Starting bid client")

	entries := logs.AllUntimed()
	assert.Len(t, entries, 2)
	assert.Equal(t, "feed", entries[0].ContextMap()["component"])
	assert.Equal(t, int64(2), entries[0].ContextMap()["attempt"])
	assert.NotContains(t, entries[1].ContextMap(), "component")
}

func TestNewWithLevel_UnknownFallsBackToInfo(t *testing.T) {
	log, ok := NewWithLevel("chatty").(*ZapLogger)
	assert.True(t, ok)
	assert.False(t, log.logger.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	debug := NewWithLevel("debug").(*ZapLogger)
	assert.True(t, debug.logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Info("ignored", "k", "v")
	assert.NoError(t, log.(*ZapLogger).Sync())
}
