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

// Reloader is what the Watcher triggers. *Publisher satisfies it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher republishes definitions when files under the watched directories
// change. Bursts of events are debounced into one reload.
type Watcher struct {
	reloader    Reloader
	directories []string
	debounce    time.Duration
	logger      *zap.Logger

	watcher *fsnotify.Watcher
	reloads chan struct{}
}

// NewWatcher creates a Watcher. It does nothing until Start is called.
func NewWatcher(reloader Reloader, directories []string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		reloader:    reloader,
		directories: directories,
		debounce:    defaultDebounce,
		logger:      logger,
		reloads:     make(chan struct{}, 1),
	}
}

// SetDebounce changes the quiet period before a reload. Non-positive values
// are ignored. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Start registers every directory (recursively) and runs the event loop
// until ctx is done. It returns once the watch is established.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	for _, dir := range w.directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			return nil
		})
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.watcher = fw
	w.logger.Info("definition watcher started", zap.Strings("directories", w.directories))

	go w.loop(ctx)
	return nil
}

// Reloads delivers a value after every reload attempt the watcher makes.
// Intended for tests and diagnostics; sends never block.
func (w *Watcher) Reloads() <-chan struct{} {
	return w.reloads
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("definition watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("definition file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reloader.Reload(ctx); err != nil {
				w.logger.Error("automatic definition reload failed", zap.Error(err))
			}
			select {
			case w.reloads <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", zap.Error(err))
		}
	}
}
