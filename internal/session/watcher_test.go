package session

import (
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWatcher runs a watcher for the store until test cleanup.
func startWatcher(t *testing.T, s *Store) <-chan Session {
	t.Helper()

	w := NewWatcher(s, testLogger())
	updates := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = w.Watch(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The directory watch must be established before the test
	// mutates the store.
	time.Sleep(50 * time.Millisecond)

	return updates
}

// awaitSession waits for an update matching the predicate, tolerating
// intermediate notifications from multi-step writes.
func awaitSession(t *testing.T, updates <-chan Session, match func(Session) bool) Session {
	t.Helper()

	deadline := time.After(3 * time.Second)

	for {
		select {
		case sess := <-updates:
			if match(sess) {
				return sess
			}

		case <-deadline:
			t.Fatal("timed out waiting for session update")
		}
	}
}

// Two clients share a state dir: a mutation by one is observed by the
// other through the filesystem notification, without it re-reading on
// its own schedule.
func TestWatcher_ObservesLogoutFromOtherClient(t *testing.T) {
	dir := t.TempDir()

	tabA := NewStore(dir, testLogger(), WithCacheTTL(0))
	tabB := NewStore(dir, testLogger(), WithCacheTTL(0))

	require.NoError(t, tabB.Write(Session{AccessToken: "T", RefreshToken: "R", User: testUser()}))

	updates := startWatcher(t, tabB)

	// Tab A logs out.
	require.NoError(t, tabA.Clear())

	got := awaitSession(t, updates, func(s Session) bool { return s.Empty() })
	assert.Empty(t, got.AccessToken)
	assert.Nil(t, got.User)
}

func TestWatcher_ObservesLoginFromOtherClient(t *testing.T) {
	dir := t.TempDir()

	tabA := NewStore(dir, testLogger(), WithCacheTTL(0))
	tabB := NewStore(dir, testLogger(), WithCacheTTL(0))

	updates := startWatcher(t, tabB)

	require.NoError(t, tabA.Write(Session{AccessToken: "T", RefreshToken: "R", User: testUser()}))

	got := awaitSession(t, updates, func(s Session) bool { return s.AccessToken == "T" })
	assert.Equal(t, "R", got.RefreshToken)
	require.NotNil(t, got.User)
}

func TestWatcher_SubscriberKeepsLatestWhenLagging(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger(), WithCacheTTL(0))

	w := NewWatcher(store, testLogger())
	updates := w.Subscribe()

	event := fsnotify.Event{Name: store.Path(), Op: fsnotify.Write}

	// Publish twice without a consumer; the buffered slot must end
	// up holding the newest state, not the first.
	require.NoError(t, store.Write(Session{AccessToken: "stale", RefreshToken: "R"}))
	w.handleEvent(event)

	require.NoError(t, store.Write(Session{AccessToken: "fresh", RefreshToken: "R"}))
	w.handleEvent(event)

	select {
	case got := <-updates:
		assert.Equal(t, "fresh", got.AccessToken)
	default:
		t.Fatal("expected a pending update")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger(), WithCacheTTL(0))

	w := NewWatcher(store, testLogger())
	updates := w.Subscribe()

	w.handleEvent(fsnotify.Event{Name: store.Path() + ".tmp", Op: fsnotify.Write})

	select {
	case <-updates:
		t.Fatal("unrelated file must not publish an update")
	default:
	}
}
