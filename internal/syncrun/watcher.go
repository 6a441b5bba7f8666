package syncrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a sync run after the spool directory has been quiet
// for the debounce window, so a burst of dropped files turns into one
// run instead of one per file.
type Watcher struct {
	fsw      *fsnotify.Watcher
	run      func(ctx context.Context)
	debounce time.Duration
	logger   Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewWatcher(dir string, debounce time.Duration, run func(ctx context.Context), logger Logger) (*Watcher, error) {
	if run == nil {
		return nil, fmt.Errorf("run callback is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		fsw:      fsw,
		run:      run,
		debounce: debounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Watch blocks, running the callback after debounced changes, until
// the context is canceled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("watcher error: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.run(ctx)
		}
	}
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
