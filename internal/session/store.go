// File: internal/session/store.go
// Description: Owns the mapping from session id to browser tab and all
// lifecycle transitions. The store is the only writer of session state; the
// per-session mutex taken by Do is the same exclusion region the idle sweeper
// uses, so a sweep never races an in-flight dispatch on the same session.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
)

// State is the lifecycle state of a session.
//
//	Created -> Active (first successful dispatch)
//	Active  -> Idle   (no activity for the idle window)
//	Idle    -> Active (any successful dispatch)
//	any     -> Closed (explicit close, fatal error, teardown; terminal)
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateClosed  State = "closed"
)

// Session is one logical browser instance. The tab handle is exclusively
// owned: all access goes through Do, which serializes callers.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	tab          schemas.BrowserTab
	url          string
	state        State
	lastActivity time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the last page URL recorded for the session.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// SetURL records the session's current page URL.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// LastActivity returns the time of the last successful dispatch or touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Do runs fn with exclusive access to the session's tab. It fails with
// SessionError{Closed} on a terminal session. On success the session's
// activity clock is refreshed and the session transitions to Active.
func (s *Session) Do(fn func(tab schemas.BrowserTab) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return &schemas.SessionError{Kind: schemas.SessionClosed, ID: s.ID}
	}

	err := fn(s.tab)
	if err == nil {
		s.lastActivity = nowFunc()
		s.state = StateActive
	}
	return err
}

// closeLocked releases the tab handle and makes the state terminal.
// Caller holds s.mu.
func (s *Session) closeLocked(ctx context.Context) error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if s.tab == nil {
		return nil
	}
	err := s.tab.Close(ctx)
	s.tab = nil
	return err
}

// nowFunc is swapped by tests to simulate the passage of time.
var nowFunc = time.Now

// Store holds all session records for the process. Session-id allocation is
// serialized; sessions belonging to different tasks impose no ordering
// constraints on each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewStore creates an empty session store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger.Named("sessions"),
	}
}

// Create registers a new session owning the given tab. The id is an opaque
// token, unique for the process lifetime.
func (st *Store) Create(tab schemas.BrowserTab, url string) *Session {
	now := nowFunc()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		tab:          tab,
		url:          url,
		state:        StateCreated,
		lastActivity: now,
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.logger.Info("Session created", zap.String("session_id", s.ID), zap.String("url", url))
	return s
}

// Get returns the session for id or SessionError{NotFound}.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, &schemas.SessionError{Kind: schemas.SessionNotFound, ID: id}
	}
	return s, nil
}

// Touch refreshes the session's activity clock without dispatching.
func (st *Store) Touch(id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return &schemas.SessionError{Kind: schemas.SessionClosed, ID: id}
	}
	s.lastActivity = nowFunc()
	return nil
}

// Close transitions the session to Closed and releases its tab handle.
// Closing an already-closed session is a no-op.
func (st *Store) Close(ctx context.Context, id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(ctx); err != nil {
		st.logger.Warn("Error releasing session tab", zap.String("session_id", id), zap.Error(err))
		return err
	}
	st.logger.Info("Session closed", zap.String("session_id", id))
	return nil
}

// CloseAll closes every non-terminal session. Used on process teardown and by
// the loop's cleanup guarantee.
func (st *Store) CloseAll(ctx context.Context) {
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()

	for _, id := range ids {
		if err := st.Close(ctx, id); err != nil {
			st.logger.Warn("Error closing session during teardown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// OpenCount returns the number of sessions not yet Closed.
func (st *Store) OpenCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if s.State() != StateClosed {
			n++
		}
	}
	return n
}

// SweepIdle marks sessions Idle after idleAfter without activity and closes
// sessions stale past maxIdle. It returns the number of sessions closed.
func (st *Store) SweepIdle(ctx context.Context, idleAfter, maxIdle time.Duration) int {
	st.mu.RLock()
	candidates := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		candidates = append(candidates, s)
	}
	st.mu.RUnlock()

	now := nowFunc()
	closed := 0
	for _, s := range candidates {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			continue
		}
		stale := now.Sub(s.lastActivity)
		switch {
		case stale > maxIdle:
			if err := s.closeLocked(ctx); err != nil {
				st.logger.Warn("Error closing idle session", zap.String("session_id", s.ID), zap.Error(err))
			}
			st.logger.Info("Idle session closed",
				zap.String("session_id", s.ID), zap.Duration("stale", stale))
			closed++
		case stale > idleAfter && s.state == StateActive:
			s.state = StateIdle
			st.logger.Debug("Session marked idle", zap.String("session_id", s.ID))
		}
		s.mu.Unlock()
	}
	return closed
}

// RunSweeper sweeps on a ticker until ctx is cancelled. Intended to run in
// its own goroutine, independent of any in-flight loop.
func (st *Store) RunSweeper(ctx context.Context, interval, idleAfter, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.SweepIdle(ctx, idleAfter, maxIdle)
		}
	}
}
