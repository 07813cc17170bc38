package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher propagates session mutations between concurrently running
// clients that share a state directory. It is the only cross-client
// propagation mechanism: a write in one process is observed by the
// others through a filesystem notification, eventually, not under any
// shared lock. Two clients can briefly disagree on session state
// inside the notification latency window; that is accepted.
type Watcher struct {
	store  *Store
	logger *slog.Logger

	mu   sync.Mutex
	subs []chan Session
}

// NewWatcher creates a watcher for the store's database file.
func NewWatcher(store *Store, logger *slog.Logger) *Watcher {
	return &Watcher{store: store, logger: logger}
}

// Subscribe returns a channel receiving the re-derived session after
// each observed storage change. The channel has a buffer of one; when
// a subscriber lags, intermediate states are dropped in favour of the
// latest, which is all a session consumer needs.
func (w *Watcher) Subscribe() <-chan Session {
	ch := make(chan Session, 1)

	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	return ch
}

// Watch blocks until the context is cancelled, publishing the current
// session to all subscribers whenever the database file changes.
// The state directory rather than the file is watched: bbolt may
// replace the file, and watching the parent survives that.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.store.Path())); err != nil {
		return fmt.Errorf("watching state directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			// Watch errors are non-fatal (e.g. too many watches);
			// the session just converges on the next change.
			w.logger.Warn("session watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
		return
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return
	}

	// Re-derive from storage rather than trusting any in-memory copy;
	// the mutation may have happened in another process.
	w.store.Invalidate()
	sess := w.store.Read()

	w.mu.Lock()
	subs := make([]chan Session, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- sess:
		default:
			// Drop the stale pending value and replace it.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- sess:
			default:
			}
		}
	}
}
