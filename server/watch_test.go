package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "istag")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))

	var lastMod time.Time
	assert.True(t, changed(&lastMod, path), "first stat records the mtime")
	assert.False(t, changed(&lastMod, path), "unchanged file does not fire")

	// Bump the mtime past the recorded one.
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.True(t, changed(&lastMod, path))

	assert.False(t, changed(&lastMod, filepath.Join(t.TempDir(), "missing")))
}

func TestWatchFile_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icapd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("istag: one"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchFile(ctx, path, func() { fired <- struct{}{} })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("istag: two"), 0644))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered by file write")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchFile_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icapd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("istag: one"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 8)
	go WatchFile(ctx, path, func() { fired <- struct{}{} })

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))

	select {
	case <-fired:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(500 * time.Millisecond):
	}
}
