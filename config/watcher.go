package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/questvision/visionstream/logging"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce for one save.
const DefaultWatchDebounce = 250 * time.Millisecond

// A Watcher reports validated configs whenever the watched file changes. Edits that fail to
// read or validate are logged and skipped.
type Watcher interface {
	Config() <-chan *Config
	Close() error
}

type fsConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	out       chan *Config
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher returns a watcher for the config at path. The directory is watched rather than the
// file so that editors which replace the file on save are still seen. overrides are reapplied to
// every reloaded config.
func NewWatcher(ctx context.Context, path string, overrides Overrides, wait time.Duration, logger logging.Logger) (Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot watch config directory"), fsWatcher.Close())
	}
	if wait <= 0 {
		wait = DefaultWatchDebounce
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	w := &fsConfigWatcher{
		fsWatcher: fsWatcher,
		out:       make(chan *Config),
		cancel:    cancel,
	}

	reload := func() {
		cfg, err := Load(absPath, overrides)
		if err != nil {
			logger.Warnw("ignoring config change", "path", absPath, "error", err)
			return
		}
		select {
		case <-cancelCtx.Done():
		case w.out <- cfg:
		}
	}
	// debounce runs reload on its own timer goroutine; a channel keeps reloads serialized.
	pending := make(chan struct{}, 1)
	debounced := debounce.New(wait)

	w.workers.Add(2)
	utils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-pending:
				reload()
			}
		}
	}, w.workers.Done)
	utils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				debounced(func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watcher error", "error", err)
			}
		}
	}, w.workers.Done)
	return w, nil
}

func (w *fsConfigWatcher) Config() <-chan *Config {
	return w.out
}

func (w *fsConfigWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		err = w.fsWatcher.Close()
		w.workers.Wait()
	})
	return err
}
