// Package kept is the data-access facade host applications use: open a
// session for the signed-in user, read and write typed collections, and
// observe sync status.
//
// Reads are served from memory and never block on the network. Writes apply
// locally at once and reach the remote store in the background; Status and
// the per-entity Error report anything that did not.
//
// Change listeners run after the engine releases its lock and may call back
// into the session.
package kept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/marcus/kept/internal/cache"
	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncconfig"
	"github.com/marcus/kept/internal/syncengine"
	"github.com/marcus/kept/internal/syncstatus"
	"golang.org/x/oauth2"
)

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ErrNoUser is returned by Open without a user id.
var ErrNoUser = errors.New("no signed-in user")

// Options configures a session.
type Options struct {
	UserID   string
	DeviceID string

	// ServerURL and Tokens select the remote store. A session without
	// tokens is local-only: writes queue up until a signed-in session
	// drains them.
	ServerURL string
	Tokens    oauth2.TokenSource
	// Remote overrides the HTTP client, mainly for tests.
	Remote remote.Store

	// DataDir holds per-user caches. Empty selects the memory backend.
	DataDir       string
	Backend       string
	RedisURL      string
	MaxCacheBytes int64
	FlushDebounce time.Duration

	Sync syncengine.Config
	Now  func() time.Time
}

// OptionsFromSettings builds options from resolved settings and the stored
// credentials. creds may be nil for a local-only session.
func OptionsFromSettings(s *syncconfig.Settings, creds *syncconfig.AuthCredentials, tokens oauth2.TokenSource) Options {
	opts := Options{
		ServerURL:     s.ServerURL,
		DataDir:       s.DataDir,
		Backend:       s.Cache.Backend,
		RedisURL:      s.Cache.RedisURL,
		MaxCacheBytes: s.Cache.MaxBytes,
		FlushDebounce: s.Cache.FlushDebounce,
		Sync: syncengine.Config{
			MaxInFlight:    s.Sync.MaxInFlight,
			CoalesceWindow: s.Sync.CoalesceWindow,
			RequestTimeout: s.Sync.RequestTimeout,
			BackoffBase:    s.Sync.BackoffBase,
			BackoffMax:     s.Sync.BackoffMax,
			MaxAttempts:    s.Sync.MaxAttempts,
			ProbeInterval:  s.Sync.ProbeInterval,
		},
	}
	if creds != nil {
		opts.UserID = creds.UserID
		opts.DeviceID = creds.DeviceID
		if creds.ServerURL != "" {
			opts.ServerURL = creds.ServerURL
		}
		if tokens == nil && creds.APIKey != "" {
			tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.APIKey, TokenType: "Bearer"})
		}
	}
	opts.Tokens = tokens
	return opts
}

// Session is one signed-in user's view of their data.
type Session struct {
	opts    Options
	userDir string
	engine  *syncengine.Engine
	cache   *cache.Cache
	closed  bool
}

// Open hydrates the user's cached state and returns a ready session. Reads
// work immediately; call Start for background syncing or Sync to sync once.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, ErrNoUser
	}
	if opts.Backend == "" {
		opts.Backend = BackendSQLite
	}
	if opts.DataDir == "" && opts.Backend == BackendSQLite {
		opts.Backend = BackendMemory
	}

	s := &Session{opts: opts}
	if opts.DataDir != "" {
		s.userDir = cache.UserDir(opts.DataDir, opts.UserID)
	}

	backend, err := openBackend(ctx, opts, s.userDir)
	if err != nil {
		return nil, err
	}

	st := store.New()
	c := cache.New(backend, st, opts.UserID, opts.FlushDebounce)
	muts, err := c.Hydrate(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("hydrate cache: %w", err)
	}
	q := queue.New(opts.Sync.CoalesceWindow, c.Journal())
	q.Load(muts)
	c.Track(q)

	rs := opts.Remote
	if rs == nil && opts.Tokens != nil && opts.ServerURL != "" {
		rs = remote.NewWithTokens(opts.ServerURL, opts.DeviceID, opts.Tokens)
	}

	s.cache = c
	s.engine = syncengine.New(syncengine.Options{
		Registry: schema.Default,
		Store:    st,
		Queue:    q,
		Remote:   rs,
		Cache:    c,
		UserID:   opts.UserID,
		Config:   opts.Sync,
		Now:      opts.Now,
	})

	if s.userDir != "" {
		fs, err := loadFailures(s.userDir)
		if err != nil {
			slog.Warn("load failures", "err", err)
		}
		s.engine.RestoreFailures(fs)
	}

	slog.Debug("session opened", "user", opts.UserID, "backend", opts.Backend,
		"entities", st.Len(), "queued", len(muts))
	return s, nil
}

func openBackend(ctx context.Context, opts Options, userDir string) (cache.Backend, error) {
	switch opts.Backend {
	case BackendMemory:
		return cache.NewMemory(), nil
	case BackendSQLite:
		return cache.OpenSQLite(userDir, opts.MaxCacheBytes)
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("redis backend needs a redis url")
		}
		return cache.OpenRedis(ctx, opts.RedisURL, opts.UserID)
	}
	return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
}

// UserID returns the session's user.
func (s *Session) UserID() string { return s.opts.UserID }

// Engine exposes the sync engine for hosts that need lower-level control.
func (s *Session) Engine() *syncengine.Engine { return s.engine }

// Store exposes the local store for change subscriptions.
func (s *Session) Store() *store.Store { return s.engine.Store() }

// Start begins background syncing: draining, reconnect probes and the push
// subscription. It also reconciles once.
func (s *Session) Start() {
	s.engine.Start()
}

// Sync reconciles with the remote store and drains the queue, returning
// when both finish or ctx expires.
func (s *Session) Sync(ctx context.Context) error {
	recErr := s.engine.Reconcile(ctx)
	drainErr := s.engine.Drain(ctx)
	return errors.Join(recErr, drainErr)
}

// Drain sends every queued write, ignoring the coalescing window.
func (s *Session) Drain(ctx context.Context) error {
	return s.engine.Drain(ctx)
}

// Status returns the current sync status.
func (s *Session) Status() syncstatus.Status {
	return s.engine.Status().Current()
}

// SubscribeStatus delivers status changes; call the returned func to stop.
func (s *Session) SubscribeStatus() (<-chan syncstatus.Status, func()) {
	return s.engine.Status().Subscribe()
}

// Failures returns unacknowledged rejected writes.
func (s *Session) Failures() []syncstatus.Failure {
	return s.engine.Failures()
}

// Acknowledge dismisses failures for one entity; both empty dismisses all.
func (s *Session) Acknowledge(collection, id string) int {
	if collection == "" && id == "" {
		return s.engine.AcknowledgeAll()
	}
	return s.engine.Acknowledge(collection, id)
}

// Resume continues syncing after a sign-in refreshed the session token.
func (s *Session) Resume() {
	s.engine.Resume()
}

// Reset discards every local entity, queued write and failure for this
// user, in memory and on disk. Callers should confirm when Status reports
// unsynced writes.
func (s *Session) Reset(ctx context.Context) error {
	s.engine.Reset()
	if err := s.cache.Discard(ctx); err != nil {
		return fmt.Errorf("discard cache: %w", err)
	}
	if s.userDir != "" {
		if err := removeFailures(s.userDir); err != nil {
			return err
		}
	}
	slog.Info("local data reset", "user", s.opts.UserID)
	return nil
}

// SignOut resets local data and closes the session.
func (s *Session) SignOut(ctx context.Context) error {
	if err := s.Reset(ctx); err != nil {
		return err
	}
	return s.Close()
}

// Close stops syncing and flushes the cache. Queued writes stay on disk for
// the next session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.engine.Close()

	var errs []error
	if s.userDir != "" {
		if err := saveFailures(s.userDir, s.engine.Failures()); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cache.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	return errors.Join(errs...)
}

// DiscardUser removes a user's on-disk cache without opening it, for
// sign-out when the session cannot be opened.
func DiscardUser(dataDir, userID string) error {
	if dataDir == "" || userID == "" {
		return nil
	}
	err := os.RemoveAll(cache.UserDir(dataDir, userID))
	if err != nil {
		return fmt.Errorf("remove user cache: %w", err)
	}
	return nil
}
