package session

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the session database file.
	stateFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database
	// lock. The database is opened per operation so that concurrently
	// running clients sharing the state dir can interleave access.
	openTimeout = 5 * time.Second

	// DefaultCacheTTL bounds how stale a cached Read may be. Reads are
	// frequent (every outbound request and every navigation) and the
	// database open is comparatively expensive.
	DefaultCacheTTL = 3 * time.Second
)

var (
	sessionBucket   = []byte("session")
	accessTokenKey  = []byte("access_token")
	refreshTokenKey = []byte("refresh_token")
	userKey         = []byte("user")
)

// CookieSink receives the cookie encoding of the session on every
// write and clear. *http/cookiejar.Jar satisfies it.
type CookieSink interface {
	SetCookies(u *url.URL, cookies []*http.Cookie)
}

// Store is the durable holder of the current session. Reads are
// served from a short-lived cache; writes go to the bbolt file and,
// when a sink is configured, to the cookie channel as one logical
// unit. A partially failed write is reported but not rolled back.
type Store struct {
	path   string
	logger *slog.Logger

	sink      CookieSink
	cookieURL *url.URL
	cacheTTL  time.Duration

	mu       sync.Mutex
	cached   Session
	cachedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCookieSink mirrors every write/clear into sink, scoped to origin.
func WithCookieSink(sink CookieSink, origin *url.URL) StoreOption {
	return func(s *Store) {
		s.sink = sink
		s.cookieURL = origin
	}
}

// WithCacheTTL overrides the read-cache TTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.cacheTTL = ttl
	}
}

// NewStore creates a session store backed by <stateDir>/session.db.
func NewStore(stateDir string, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		path:     filepath.Join(stateDir, "session.db"),
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Path returns the database file location, used by the change watcher.
func (s *Store) Path() string {
	return s.path
}

// open acquires the database for a single operation. Callers must
// close the returned handle.
func (s *Store) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(s.path, stateFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	return db, nil
}

// Read returns the current session. Storage failures are logged and
// degrade to an empty session; Read never returns an error.
func (s *Store) Read() Session {
	s.mu.Lock()
	if s.cacheTTL > 0 && !s.cachedAt.IsZero() && time.Since(s.cachedAt) < s.cacheTTL {
		cached := s.cached
		s.mu.Unlock()

		return cached
	}
	s.mu.Unlock()

	sess, err := s.load()
	if err != nil {
		s.logger.Warn("reading session from storage", slog.String("error", err.Error()))

		return Session{}
	}

	s.mu.Lock()
	s.cached = sess
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return sess
}

// load reads the session from the database, bypassing the cache.
func (s *Store) load() (Session, error) {
	db, err := s.open()
	if err != nil {
		return Session{}, err
	}
	defer db.Close()

	var sess Session

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}

		if v := b.Get(accessTokenKey); v != nil {
			sess.AccessToken = string(v)
		}

		if v := b.Get(refreshTokenKey); v != nil {
			sess.RefreshToken = string(v)
		}

		if v := b.Get(userKey); v != nil {
			var u UserIdentity
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decoding stored user: %w", err)
			}

			sess.User = &u
		}

		return nil
	})
	if err != nil {
		return Session{}, err
	}

	// A user cached without a token is stale; drop it so the
	// user-iff-token pairing holds for readers.
	if sess.AccessToken == "" {
		sess.User = nil
	}

	return sess, nil
}

// Write persists the session to durable storage, mirrors it into the
// cookie channel, and updates the cache. Fields written before a
// failure stay written.
func (s *Store) Write(sess Session) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}

		if err := b.Put(accessTokenKey, []byte(sess.AccessToken)); err != nil {
			return err
		}

		if err := b.Put(refreshTokenKey, []byte(sess.RefreshToken)); err != nil {
			return err
		}

		if sess.User == nil {
			return b.Delete(userKey)
		}

		data, err := json.Marshal(sess.User)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}

		return b.Put(userKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}

	s.setCookies(Cookies(sess))
	s.updateCache(sess)

	return nil
}

// SetAccessToken replaces only the access credential, the mutation a
// successful refresh performs. Refresh token and user are untouched.
func (s *Store) SetAccessToken(tok string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}

		return b.Put(accessTokenKey, []byte(tok))
	})
	if err != nil {
		return fmt.Errorf("writing access token: %w", err)
	}

	sess, err := s.load()
	if err != nil {
		// Token is on disk; the cache just could not be re-derived.
		s.logger.Warn("re-reading session after token write", slog.String("error", err.Error()))
		s.invalidate()
	} else {
		s.updateCache(sess)
	}

	s.setCookies([]*http.Cookie{{
		Name:     AccessCookie,
		Value:    tok,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	}})

	return nil
}

// Clear removes all durable keys and expires both cookies. Clearing
// an already empty store succeeds.
func (s *Store) Clear() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}

		for _, key := range [][]byte{accessTokenKey, refreshTokenKey, userKey} {
			if err := b.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	s.setCookies(ExpiredCookies())
	s.updateCache(Session{})

	return nil
}

// Invalidate drops the read cache so the next Read hits storage.
// Called by the refresh path after every resolution.
func (s *Store) Invalidate() {
	s.invalidate()
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) updateCache(sess Session) {
	s.mu.Lock()
	s.cached = sess
	s.cachedAt = time.Now()
	s.mu.Unlock()
}

func (s *Store) setCookies(cookies []*http.Cookie) {
	if s.sink == nil || s.cookieURL == nil {
		return
	}

	s.sink.SetCookies(s.cookieURL, cookies)
}
