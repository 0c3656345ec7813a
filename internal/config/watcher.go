package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the freshly loaded configuration after a change on
// disk. Implementations decide which sections can be applied live.
type ReloadFunc func(*Config)

// Watcher reloads the config file when it changes. Editors often write
// via rename, so the parent directory is watched rather than the file.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   zerolog.Logger

	debounce time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onReload ReloadFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. Returns an error if the directory cannot be
// watched; reload failures after that are logged and skipped.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, fsw)
	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watch error")
		case <-timerC:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg)
}
