package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")

	l, err := New(&Config{LogFile: path, MaxSize: 1, MaxAge: 1, MaxBackups: 1})
	require.NoError(t, err)

	l.WithComponent("ledger").Info("position opened", zap.String("position_id", "p1"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"position opened"`)
	assert.Contains(t, string(data), `"component":"ledger"`)
	assert.Contains(t, string(data), `"position_id":"p1"`)
}

func TestWithOperationAddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	WithOperation(base, "sell").Info("a")
	WithOperation(base, "sell").Info("b")

	entries := logs.All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()["correlation_id"]
	second := entries[1].ContextMap()["correlation_id"]
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "sell", entries[0].ContextMap()["operation"])
}

func TestTrackPerformance(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	end := TrackPerformance(zap.New(core), "quote")
	end()

	entries := logs.FilterMessage("Operation completed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "duration_ms")
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, "So11...1112", ShortAddress("So11111111111111111111111111111111111111112"))
	assert.Equal(t, "short", ShortAddress("short"))
}
