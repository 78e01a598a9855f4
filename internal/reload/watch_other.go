//go:build !linux

package reload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// pollWatcher is the fallback implementation for platforms without inotify.
// It polls the target path every 500ms and signals a change whenever the
// modification time or size differs from the last observation.
type pollWatcher struct {
	path     string
	logger   *slog.Logger
	events   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newPlatformWatcher(path string, logger *slog.Logger) (platformWatcher, error) {
	return &pollWatcher{
		path:   path,
		logger: logger,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

func (w *pollWatcher) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

func (w *pollWatcher) stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		<-w.done
		close(w.events)
	})
}

func (w *pollWatcher) changed() <-chan struct{} {
	return w.events
}

func (w *pollWatcher) run(ctx context.Context) {
	defer close(w.done)

	var lastSize int64
	var lastMod time.Time
	if info, err := os.Stat(w.path); err == nil {
		lastSize = info.Size()
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if info.ModTime() != lastMod || info.Size() != lastSize {
				lastMod = info.ModTime()
				lastSize = info.Size()
				select {
				case w.events <- struct{}{}:
				default:
				}
			}
		}
	}
}
