package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDefaults for WatchFile. The fallback ticker is a safety net for
// filesystems where fsnotify drops events (NFS, some containers).
const (
	fallbackPollInterval = 60 * time.Second
	pollInterval         = 10 * time.Second
)

// WatchFile invokes reload whenever path changes, until ctx is canceled.
// The watch is on the containing directory so atomic rename-into-place
// writes (the usual way config files are updated) are seen. Falls back to
// polling the file's mtime when fsnotify is unavailable.
func WatchFile(ctx context.Context, path string, reload func()) {
	dir := filepath.Dir(path)
	target := filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		watchFilePoll(ctx, path, reload)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		watchFilePoll(ctx, path, reload)
		return
	}

	fallbackTicker := time.NewTicker(fallbackPollInterval)
	defer fallbackTicker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err := <-watcher.Errors:
			if err != nil {
				fmt.Fprintf(os.Stderr, "icap: file watcher error: %v\n", err)
			}
		case <-fallbackTicker.C:
			if changed(&lastMod, path) {
				reload()
			}
		}
	}
}

// watchFilePoll is the pure-polling fallback when fsnotify is unavailable.
func watchFilePoll(ctx context.Context, path string, reload func()) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed(&lastMod, path) {
				reload()
			}
		}
	}
}

func changed(lastMod *time.Time, path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.ModTime().After(*lastMod) {
		*lastMod = info.ModTime()
		return true
	}
	return false
}
