package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of writes to the config file.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads the retry section of a config file into a PolicyHolder.
type Watcher struct {
	path   string
	holder *saga.PolicyHolder
	logger *telemetry.Logger
	delay  time.Duration

	mu       sync.Mutex
	onReload func(*Config)
}

// NewWatcher returns a watcher for path feeding holder.
func NewWatcher(path string, holder *saga.PolicyHolder, logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		path:   path,
		holder: holder,
		logger: logger.NewComponentLogger("config"),
		delay:  DefaultReloadDelay,
	}
}

// OnReload registers fn to be called with every successfully reloaded config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Infof("watching %s for retry policy changes", abs)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugf("config file changed (%s)", event.Op)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				if err := w.Reload(); err != nil {
					w.logger.WithError(err).Error("failed to reload config; keeping previous retry policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

// Reload reads the file once and applies its retry section. An invalid file
// leaves the current policies in place.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	set, err := cfg.Retry.PolicySet()
	if err != nil {
		return err
	}
	w.holder.Store(set)
	w.logger.Info("retry policies reloaded")

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(cfg)
	}
	return nil
}
