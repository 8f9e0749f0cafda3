package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the registry when the personas file or directory changes,
// until ctx is canceled. Reload errors are logged and the old contents kept.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	var file, dir string
	if f := strings.TrimSpace(r.opts.File); f != "" {
		file = filepath.Clean(f)
		// watch the parent so editors that replace the file are seen
		if err := watcher.Add(filepath.Dir(file)); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", filepath.Dir(file), err)
		}
	}
	if d := strings.TrimSpace(r.opts.Dir); d != "" {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			dir = filepath.Clean(d)
			if err := watcher.Add(dir); err != nil {
				watcher.Close()
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
	}

	go r.watchLoop(ctx, watcher, file, dir)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, file, dir string) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevant(event, file, dir) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.log.Warn().Err(err).Msg("persona reload failed, keeping previous personas")
				continue
			}
			r.log.Info().Msg("personas reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("persona watcher error")
		}
	}
}

func relevant(event fsnotify.Event, file, dir string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	if file != "" && name == file {
		return true
	}
	return dir != "" && filepath.Dir(name) == dir && filepath.Ext(name) == personaExt
}
