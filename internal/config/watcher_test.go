package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".memograph")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(ConfigPath(ws), []byte("database_path: a.db\n"), 0o644))

	w, err := NewWatcher(ws)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w.Subscribe(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(ConfigPath(ws), []byte("database_path: b.db\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "b.db", cfg.DatabasePath)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver the reloaded config")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
