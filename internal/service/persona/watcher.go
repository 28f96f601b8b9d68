package persona

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the registry when the persona file changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	debounce time.Duration
	logger   *zap.Logger
	reloaded chan error
}

// NewWatcher watches path; debounce <= 0 uses the default.
func NewWatcher(registry *Registry, path string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		registry: registry,
		path:     path,
		debounce: debounce,
		logger:   logging.OrNop(logger).Named("persona.watcher"),
		reloaded: make(chan error, 4),
	}
}

// Reloaded reports the outcome of every reload the watcher triggers. Slow readers miss results.
func (w *Watcher) Reloaded() <-chan error {
	return w.reloaded
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// 监听目录而不是文件，编辑器常用 rename 方式保存
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(w.path)

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug("persona file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				w.reload(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("persona watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.registry.Load(ctx)
	if err != nil {
		w.logger.Error("persona reload failed, keeping previous snapshot", zap.Error(err))
	}
	select {
	case w.reloaded <- err:
	default:
	}
}
