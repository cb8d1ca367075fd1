package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfig)

	reloaded := make(chan *GatewayConfig, 4)
	w, err := NewWatcher(path, func(cfg *GatewayConfig) {
		reloaded <- cfg
	}, WithDebounceDelay(100*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	updated := sampleConfig + `
  - name: notifications
    instances: ["localhost:8004"]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Len(t, cfg.Services, 3)
		assert.Same(t, cfg, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfig)

	var reloads atomic.Int32
	var failures atomic.Int32
	w, err := NewWatcher(path,
		func(*GatewayConfig) { reloads.Add(1) },
		WithErrorHandler(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)

	require.NoError(t, w.Reload())
	first := w.Current()
	require.NotNil(t, first)

	require.NoError(t, os.WriteFile(path, []byte("services:\n  - name: BAD\n"), 0o600))
	assert.Error(t, w.Reload())

	assert.Same(t, first, w.Current())
	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, int32(1), failures.Load())
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
