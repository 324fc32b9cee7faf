package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the policy and guardrail files and invokes a
// callback when one of them changes, so running engines can drop
// their caches without a restart.
type Watcher struct {
	logger   *slog.Logger
	files    map[string]func()
	debounce time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher builds a watcher over the given file -> reload callback
// pairs. Empty paths are ignored.
func NewWatcher(logger *slog.Logger, files map[string]func()) *Watcher {
	cleaned := make(map[string]func(), len(files))
	for path, fn := range files {
		if path == "" || fn == nil {
			continue
		}
		cleaned[filepath.Clean(path)] = fn
	}
	return &Watcher{
		logger:   logger,
		files:    cleaned,
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. Watching the parent directories rather than
// the files themselves survives editors that replace files on save.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.files) == 0 {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("watch dir failed", "dir", dir, "error", err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx, fsw)
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	pending := make(map[string]func())
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			fn, watched := w.files[filepath.Clean(event.Name)]
			if !watched {
				continue
			}
			pending[filepath.Clean(event.Name)] = fn
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			for path, fn := range pending {
				w.logger.Info("config file changed, reloading", "path", path)
				fn()
				delete(pending, path)
			}
			fire = nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
