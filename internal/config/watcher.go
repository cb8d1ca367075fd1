package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// DefaultDebounceDelay coalesces bursts of write events from editors.
const DefaultDebounceDelay = 250 * time.Millisecond

// ReloadFunc receives each successfully loaded and validated config.
type ReloadFunc func(*GatewayConfig)

// ErrorFunc receives load and validation failures.
type ErrorFunc func(error)

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	path          string
	fsWatcher     *fsnotify.Watcher
	onReload      ReloadFunc
	onError       ErrorFunc
	logger        observability.Logger
	debounceDelay time.Duration

	mu        sync.Mutex
	current   *GatewayConfig
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorHandler sets a callback for failed reloads.
func WithErrorHandler(fn ErrorFunc) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		fsWatcher:     fsWatcher,
		onReload:      onReload,
		logger:        observability.NopLogger(),
		debounceDelay: DefaultDebounceDelay,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the directory holding the file. Watching the directory
// rather than the file survives editors that save by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	return w.fsWatcher.Close()
}

// Current returns the last configuration delivered by the watcher, or
// nil before the first reload.
func (w *Watcher) Current() *GatewayConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounceDelay)
			fire = debounce.C

		case <-fire:
			fire = nil
			_ = w.Reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.fail("config watcher error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Reload loads and validates the file now and hands the result to the
// reload callback. On failure the previous configuration stays active.
func (w *Watcher) Reload() error {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.fail("failed to load configuration", err)
		return err
	}
	if err := ValidateConfig(cfg); err != nil {
		w.fail("configuration validation failed", err)
		return err
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("configuration reloaded",
		observability.String("path", w.path),
		observability.Int("services", len(cfg.Services)),
	)
	if w.onReload != nil {
		w.onReload(cfg)
	}
	return nil
}

func (w *Watcher) fail(msg string, err error) {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		w.logger.Error(msg, observability.Int("errors", len(verrs)), observability.Error(err))
	} else {
		w.logger.Error(msg, observability.Error(err))
	}
	if w.onError != nil {
		w.onError(err)
	}
}
