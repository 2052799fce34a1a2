package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petal-labs/switchboard/catalog"
)

const defaultReloadDebounce = 250 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
	// OnReload is called after every reload attempt triggered by a file
	// change. err is non-nil when the new file was rejected.
	OnReload func(file *File, err error)
}

// Watcher keeps the latest valid configuration for a file and reloads it
// when the file changes. A reload that fails to parse or validate leaves the
// previous configuration in place.
//
// Watcher implements discovery.DescriptorSource.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*File, error)

	mu       sync.RWMutex
	current  *File
	onChange []func(*File)

	runMu   sync.Mutex
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	pending *time.Timer
}

// NewWatcher loads the file once. The initial load must succeed.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("config: watcher path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultReloadDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnReload == nil {
		cfg.OnReload = func(*File, error) {}
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %q: %w", cfg.Path, err)
	}
	file, err := Load(abs)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		onReload: cfg.OnReload,
		current:  file,
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Current returns the latest valid configuration.
func (w *Watcher) Current() *File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Descriptors returns the enabled providers of the latest valid
// configuration.
func (w *Watcher) Descriptors(ctx context.Context) ([]catalog.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.Current().Descriptors(), nil
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*File)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads the file now. On failure the previous configuration stays
// active and the error is returned.
func (w *Watcher) Reload() error {
	file, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload rejected, keeping previous providers", "path", w.path, "error", err)
		return err
	}
	w.mu.Lock()
	w.current = file
	listeners := append(([]func(*File))(nil), w.onChange...)
	w.mu.Unlock()
	w.logger.Info("config: reloaded", "path", w.path, "providers", len(file.Providers))
	for _, fn := range listeners {
		fn(file)
	}
	return nil
}

// Start watches the file's directory until Stop or ctx ends. Watching the
// directory rather than the file survives editors that save by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watch %q: %w", filepath.Dir(w.path), err)
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, fsw, w.stopCh, w.done)
	return nil
}

// Stop ends watching. Stopping a watcher that is not running is a no-op.
func (w *Watcher) Stop() error {
	w.runMu.Lock()
	fsw, stopCh, done := w.fsw, w.stopCh, w.done
	w.fsw, w.stopCh, w.done = nil, nil, nil
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.runMu.Unlock()

	if fsw == nil {
		return nil
	}
	close(stopCh)
	<-done
	return fsw.Close()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error", "path", w.path, "error", err)
		}
	}
}

// scheduleReload coalesces bursts of events into one reload.
func (w *Watcher) scheduleReload() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		err := w.Reload()
		w.onReload(w.Current(), err)
	})
}
