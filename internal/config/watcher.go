package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the validated result to a callback. Reloads that fail to parse or
// validate are dropped; the previous configuration stays active.
type Watcher struct {
	path     string
	onChange func(*Config)
	onError  func(error)
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce collapses bursts of filesystem events. Defaults to 250ms.
	Debounce time.Duration

	// OnError receives reload failures. Optional.
	OnError func(error)
}

// NewWatcher creates a watcher for the config file at path. onChange is
// called with each successfully reloaded configuration.
func NewWatcher(path string, onChange func(*Config), opts WatcherOptions) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		onError:  opts.OnError,
		debounce: debounce,
	}
}

// Start begins watching. It returns immediately; reloads happen on a
// background goroutine until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher and waits for the reload goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := Load(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				return
			}
			w.onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors replace the file on save; re-add the path so the
				// new inode keeps being watched.
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = watcher.Add(w.path)
				}
				scheduleReload()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
