package definition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after every reload attempt. err is nil when the new
// set was published.
type ReloadFunc func(workflows int, err error)

// Watcher reloads the registry when definition files change. A reload only
// swaps the snapshot when the whole set validates; a broken set is logged
// and the previous snapshot keeps serving.
type Watcher struct {
	dirs      []string
	registry  *Registry
	validator *Validator
	logger    *zap.Logger
	debounce  time.Duration
	onReload  ReloadFunc

	fsw *fsnotify.Watcher
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for more changes before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook registers a callback invoked after each reload attempt.
func WithReloadHook(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a Watcher over dirs that publishes into registry.
func NewWatcher(dirs []string, registry *Registry, validator *Validator, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		dirs:      dirs,
		registry:  registry,
		validator: validator,
		logger:    logger,
		debounce:  defaultDebounce,
		fsw:       fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start adds watches on every definition directory and processes events
// until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := w.addRecursive(dir); err != nil {
			return err
		}
	}
	go w.run(ctx)
	w.logger.Info("definition watcher started", zap.Strings("dirs", w.dirs))
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			w.logger.Debug("definition change detected",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", zap.Error(err))

		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload loads and validates the definition set and publishes it when
// valid.
func (w *Watcher) Reload() error {
	defs, err := LoadAndValidate(w.dirs, w.validator)
	if err != nil {
		w.logger.Error("definition reload refused, keeping previous snapshot",
			zap.String("checksum", w.registry.Checksum()),
			zap.Error(err))
		if w.onReload != nil {
			w.onReload(w.registry.Len(), err)
		}
		return err
	}

	w.registry.Replace(defs)
	w.logger.Info("definitions reloaded",
		zap.Int("workflows", len(defs)),
		zap.String("checksum", w.registry.Checksum()))
	if w.onReload != nil {
		w.onReload(len(defs), nil)
	}
	return nil
}
