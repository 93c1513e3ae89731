// Package authwatch follows the credentials file so a long-running process
// notices sign-in, sign-out and key rotation done by another process.
package authwatch

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/marcus/kept/internal/syncconfig"
	"golang.org/x/oauth2"
)

// ErrSignedOut is returned by Token when no credentials are present.
var ErrSignedOut = errors.New("signed out")

// Event reports new credentials; Creds is nil after sign-out.
type Event struct {
	Creds *syncconfig.AuthCredentials
}

// Watcher holds the latest credentials read from one file. It implements
// oauth2.TokenSource so requests always carry the current key.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	creds   *syncconfig.AuthCredentials
	running bool
}

var _ oauth2.TokenSource = (*Watcher)(nil)

// New reads path once. Call Start to follow later changes.
func New(path string) (*Watcher, error) {
	creds, err := syncconfig.ReadAuthFile(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:   path,
		creds:  creds,
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file because saves replace the file by rename.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and closes the events channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.events)
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

// Events delivers credential changes. Events are dropped when the reader
// falls behind; Current always has the latest value.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Current returns the latest credentials, nil when signed out.
func (w *Watcher) Current() *syncconfig.AuthCredentials {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.creds == nil {
		return nil
	}
	c := *w.creds
	return &c
}

// Token returns the current API key as a bearer token.
func (w *Watcher) Token() (*oauth2.Token, error) {
	creds := w.Current()
	if creds == nil || creds.APIKey == "" {
		return nil, ErrSignedOut
	}
	return &oauth2.Token{AccessToken: creds.APIKey, TokenType: "Bearer"}, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	name := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("auth watcher", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	creds, err := syncconfig.ReadAuthFile(w.path)
	if err != nil {
		// Partial writes parse badly; the next event brings the full file.
		slog.Debug("auth file unreadable", "err", err)
		return
	}
	w.mu.Lock()
	if sameCreds(w.creds, creds) {
		w.mu.Unlock()
		return
	}
	w.creds = creds
	w.mu.Unlock()

	if creds == nil {
		slog.Info("credentials removed")
	} else {
		slog.Info("credentials changed", "user", creds.UserID)
	}
	select {
	case w.events <- Event{Creds: creds}:
	default:
		slog.Warn("auth event dropped, reader is behind")
	}
}

func sameCreds(a, b *syncconfig.AuthCredentials) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
