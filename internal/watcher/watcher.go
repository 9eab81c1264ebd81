// Package watcher reloads the runtime-tunable parts of the configuration file
// when it changes on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/logging"
	log "github.com/sirupsen/logrus"
)

const DefaultDebounce = 150 * time.Millisecond

// Watcher applies access tokens, access policies, the management key and the
// log level from the config file to a config.Live. Every other field needs a
// restart; in particular the upstream credential list never changes at runtime.
type Watcher struct {
	path     string
	live     *config.Live
	debounce time.Duration
	load     func(path string) (*config.Config, error)

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for the YAML file at path.
func New(path string, live *config.Live) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watcher: config path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	// Watch the directory so atomic rename-based saves are seen.
	if err = fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		live:     live,
		debounce: DefaultDebounce,
		load:     config.LoadConfig,
		fsw:      fsw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	log.Infof("watching config file %s", w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debugf("config file event: %s", event.Op)
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

// Close stops the underlying fsnotify watcher. Run returns once its context is done.
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.fsw.Close()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Reload reads the file and publishes the reloadable fields. A file that fails
// to load leaves the current configuration untouched.
func (w *Watcher) Reload() {
	next, err := w.load(w.path)
	if err != nil {
		log.Errorf("config reload failed, keeping current configuration: %v", err)
		return
	}
	current := w.live.Load()
	if current == nil {
		return
	}
	if !slices.Equal(current.OpenRouterKeys, next.OpenRouterKeys) {
		log.Warn("openrouter-api-keys changed on disk; the credential list is fixed until restart")
	}

	updated := *current
	updated.AccessTokens = append([]string(nil), next.AccessTokens...)
	updated.AccessPolicies = append([]config.AccessPolicy(nil), next.AccessPolicies...)
	updated.ManagementKey = next.ManagementKey
	updated.LogLevel = next.LogLevel
	updated.Debug = next.Debug
	w.live.Store(&updated)

	if updated.LogLevel != current.LogLevel || updated.Debug != current.Debug {
		logging.SetLogLevel(updated.LogLevel, updated.Debug)
	}
	log.Infof("configuration reloaded: %d access token(s), %d access polic(ies)", len(updated.AccessTokens), len(updated.AccessPolicies))
}
