package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes and notifies
// subscribers. Environment overrides are re-applied on every reload.
type Watcher struct {
	path     string
	environ  map[string]string
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(status string)

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithEnvironment fixes the environment used for overrides.
func WithEnvironment(environ map[string]string) WatcherOption {
	return func(w *Watcher) {
		w.environ = environ
	}
}

// WithReloadHook observes reload attempts with status "success" or "failure".
func WithReloadHook(fn func(status string)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithDebounce overrides the delay between a file event and the reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher watches path, starting from initial.
func NewWatcher(path string, initial *Config, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		logger:   zerolog.Nop(),
		debounce: defaultDebounce,
		current:  initial,
		watcher:  fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Editors often replace the file, so watch the directory.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel receiving every reloaded configuration. Slow
// consumers miss intermediate versions.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadWithEnv(w.path, w.environ)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous configuration")
		w.report("failure")
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	subscribers := make([]chan *Config, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	if prev != nil && RequiresRestart(prev, next) {
		w.logger.Warn().Str("path", w.path).Msg("config changed outside the reloadable settings; restart to apply")
	}
	w.logger.Info().Str("path", w.path).Msg("configuration reloaded")
	w.report("success")

	for _, ch := range subscribers {
		select {
		case ch <- next:
		default:
			// Replace the stale pending value so the consumer sees the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

func (w *Watcher) report(status string) {
	if w.onReload != nil {
		w.onReload(status)
	}
}

// RequiresRestart reports whether next differs from prev outside the
// settings returned by Mutable.
func RequiresRestart(prev, next *Config) bool {
	a, b := *prev, *next
	a.Compliance.Enabled, b.Compliance.Enabled = false, false
	a.Compliance.Fallback, b.Compliance.Fallback = "", ""
	a.RateLimit.Requests, b.RateLimit.Requests = 0, 0
	a.RateLimit.WindowSecs, b.RateLimit.WindowSecs = 0, 0
	return a != b
}
