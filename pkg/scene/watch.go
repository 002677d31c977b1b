package scene

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchList reloads the scene list at path whenever it changes and passes the
// new list to onChange. Bursts of writes within debounce collapse into one
// reload. It blocks until ctx is done. onChange runs on the watcher goroutine.
func WatchList(ctx context.Context, path string, debounce time.Duration, log zerolog.Logger, onChange func([]Entry)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scene: create watcher: %w", err)
	}
	defer fsw.Close()

	// Editors replace files by rename, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("scene: resolve list path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("scene: watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", abs).Msg("scene list watcher error")
		case <-timer.C:
			entries, err := LoadList(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("ignoring unreadable scene list")
				continue
			}
			log.Info().Str("path", abs).Int("scenes", len(entries)).Msg("scene list changed")
			onChange(entries)
		}
	}
}
