// Package reload watches the on-disk policy file and swaps the in-memory
// rule table whenever it changes, so an operator editing a rules file does
// not need to restart the daemon.
//
// Usage:
//
//	r, err := reload.New(path, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Stop()
//	table := r.Table() // current *policy.Table, updated automatically
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/eyrie-systems/remctld/internal/policy"
)

// platformWatcher is implemented per-OS (inotify on Linux, polling
// elsewhere) and delivers a signal each time the watched path may have
// changed. It does not interpret the file itself.
type platformWatcher interface {
	start(ctx context.Context) error
	stop()
	changed() <-chan struct{}
}

// Watcher loads a policy file, keeps an atomically-swappable pointer to the
// parsed Table, and reloads it whenever the file changes on disk.
type Watcher struct {
	path   string
	logger *slog.Logger

	table atomic.Pointer[policy.Table]
	pw    platformWatcher

	reloaded atomic.Int64
	failed   atomic.Int64
}

// New loads the policy file at path and returns a Watcher ready to Start.
// Returns an error if the initial load fails; a daemon should not start
// serving with no usable policy.
func New(path string, logger *slog.Logger) (*Watcher, error) {
	table, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload: initial policy load: %w", err)
	}

	pw, err := newPlatformWatcher(path, logger)
	if err != nil {
		return nil, fmt.Errorf("reload: create watcher: %w", err)
	}

	w := &Watcher{path: path, logger: logger, pw: pw}
	w.table.Store(table)
	return w, nil
}

// Table returns the currently active policy table. The returned pointer is
// stable for the caller but may be superseded by a later reload; callers
// that need a live view should call Table again rather than caching it
// across a request boundary that spans a reload.
func (w *Watcher) Table() *policy.Table {
	return w.table.Load()
}

// Start begins watching the policy file in the background. It returns
// immediately; reloads happen asynchronously as the file changes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.pw.start(ctx); err != nil {
		return fmt.Errorf("reload: start watcher: %w", err)
	}
	go w.run(ctx)
	return nil
}

// Stop ceases watching and releases watcher resources. It does not affect
// the currently loaded Table.
func (w *Watcher) Stop() {
	w.pw.stop()
}

// ReloadCount returns the number of times the policy file has been
// successfully reloaded since Start was called.
func (w *Watcher) ReloadCount() int64 { return w.reloaded.Load() }

// FailedReloadCount returns the number of times a detected change failed to
// parse; on failure the previously loaded Table remains in effect.
func (w *Watcher) FailedReloadCount() int64 { return w.failed.Load() }

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.pw.changed():
			if !ok {
				return
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	table, err := policy.Load(w.path)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("reload: policy reload failed, keeping previous table",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.table.Store(table)
	w.reloaded.Add(1)
	w.logger.Info("reload: policy table reloaded",
		slog.String("path", w.path), slog.Int("rules", len(table.Rules)))
}
