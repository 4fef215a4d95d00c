package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the write/rename bursts of an atomic save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads store whenever another process rewrites the session file at
// path, so a logout or refresh in one terminal is seen by the others. It
// blocks until ctx is done.
func Watch(ctx context.Context, store *Store, path string, logger zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// The directory is watched, not the file: atomic renames replace the inode.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu      sync.Mutex
		pending *time.Timer
	)
	reload := func() {
		if err := store.Restore(); err != nil {
			logger.Warn().Err(err).Str("path", abs).Msg("failed to reload session")
			return
		}
		logger.Debug().Str("path", abs).Msg("session file changed, reloaded")
	}
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("session watcher error")
		}
	}
}
