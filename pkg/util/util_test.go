package util

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.InfoLevel, ParseLevel(""))
	assert.Equal(t, zap.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("loud"))
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	logger, err := NewLoggerWithFile(path, "info")
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()
	assert.FileExists(t, path)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, RealClock{}, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, Sleep(context.Background(), RealClock{}, 0))
	assert.NoError(t, Sleep(context.Background(), nil, time.Millisecond))
}
