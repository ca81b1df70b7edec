package schema

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reports the contents of the schema file at path to onChange every
// time it is written, replaced or created. Documents that fail to parse are
// logged and skipped. The containing directory is watched so editors that
// replace the file by rename are picked up. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(raw []byte)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schema watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	name := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("schema watcher: add %s: %w", dir, err)
	}
	slog.Info("schema file watcher started", "path", path)

	// Debounce: coalesce bursts of events within 200ms
	var mu sync.Mutex
	var pending *time.Timer
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("schema watcher: read", "path", path, "err", err)
				return
			}
			if _, err := Parse(raw); err != nil {
				slog.Warn("schema watcher: invalid schema", "path", path, "err", err)
				return
			}
			slog.Debug("schema watcher: file updated", "path", path)
			onChange(raw)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("schema watcher error", "err", err)
		}
	}
}
