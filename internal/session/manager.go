// Package session keeps one browser per user so portal logins survive
// between tool calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ahrdadan/fcumcp/internal/browser"
)

// Handle is a running browser owned by a session.
type Handle interface {
	browser.PageOpener
	Close() error
}

// Launcher starts a new browser for a session.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Handle, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Handle, error) {
	return f(ctx)
}

// ErrManagerClosed is returned by Get after CloseAll.
var ErrManagerClosed = errors.New("session manager closed")

// Session is one user's browser.
type Session struct {
	UserID string

	handle    Handle
	createdAt time.Time

	// mu serializes portal work on this browser.
	mu       sync.Mutex
	lastUsed time.Time
	usedMu   sync.Mutex
}

// NewSession wraps a browser handle.
func NewSession(userID string, handle Handle) *Session {
	now := time.Now()
	return &Session{
		UserID:    userID,
		handle:    handle,
		createdAt: now,
		lastUsed:  now,
	}
}

// Browser returns the session's browser.
func (s *Session) Browser() browser.PageOpener {
	return s.handle
}

// Lock acquires exclusive use of the browser and marks the session used.
func (s *Session) Lock() {
	s.mu.Lock()
	s.touch()
}

// Unlock releases the browser.
func (s *Session) Unlock() {
	s.touch()
	s.mu.Unlock()
}

// LastUsed returns when the session was last locked or unlocked.
func (s *Session) LastUsed() time.Time {
	s.usedMu.Lock()
	defer s.usedMu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.usedMu.Lock()
	s.lastUsed = time.Now()
	s.usedMu.Unlock()
}

// Options configures a Manager.
type Options struct {
	// IdleTTL closes sessions unused for this long. Zero disables eviction.
	IdleTTL time.Duration
	// ReapInterval is how often idle sessions are checked.
	ReapInterval time.Duration
	// OnChange is called with the session count after every change.
	OnChange func(n int)
}

// Manager maps user ids to browser sessions.
type Manager struct {
	launcher Launcher
	logger   *zap.Logger
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	group singleflight.Group

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a session manager.
func NewManager(launcher Launcher, logger *zap.Logger, opts Options) *Manager {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}

	m := &Manager{
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*Session),
	}

	if opts.IdleTTL > 0 {
		m.stopReaper = make(chan struct{})
		m.reaperDone = make(chan struct{})
		go m.reap()
	}

	return m
}

// Get returns the user's session, launching a browser if there is none.
// Concurrent calls for the same user share one launch.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	if s, ok := m.Lookup(userID); ok {
		return s, nil
	}

	v, err, _ := m.group.Do(userID, func() (interface{}, error) {
		if s, ok := m.Lookup(userID); ok {
			return s, nil
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrManagerClosed
		}

		// The browser outlives the request that triggered its launch.
		handle, err := m.launcher.Launch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to start browser for %s: %w", userID, err)
		}

		s := NewSession(userID, handle)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = handle.Close()
			return nil, ErrManagerClosed
		}
		m.sessions[userID] = s
		n := len(m.sessions)
		m.mu.Unlock()

		m.logger.Info("browser session created", zap.String("user", userID))
		m.changed(n)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns the user's session without creating one.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Has reports whether the user has a session.
func (m *Manager) Has(userID string) bool {
	_, ok := m.Lookup(userID)
	return ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close quits the user's browser and forgets the session.
// It reports whether a session existed.
func (m *Manager) Close(userID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	m.changed(n)

	// Wait for in-flight portal work before pulling the browser away.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.handle.Close(); err != nil {
		return true, fmt.Errorf("failed to close browser for %s: %w", userID, err)
	}
	m.logger.Info("browser session closed",
		zap.String("user", userID),
		zap.Duration("age", time.Since(s.createdAt)))
	return true, nil
}

// CloseAll quits every browser. The manager refuses new sessions afterwards.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if m.stopReaper != nil {
		close(m.stopReaper)
		<-m.reaperDone
	}

	var g errgroup.Group
	for userID, s := range sessions {
		g.Go(func() error {
			if err := s.handle.Close(); err != nil {
				return fmt.Errorf("failed to close browser for %s: %w", userID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.changed(0)
	m.logger.Info("all browser sessions closed", zap.Int("count", len(sessions)))
	return err
}

func (m *Manager) reap() {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle(time.Now())
		case <-m.stopReaper:
			return
		}
	}
}

// reapIdle closes sessions idle since before now-IdleTTL. Sessions in use are skipped.
func (m *Manager) reapIdle(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTTL)

	m.mu.Lock()
	var idle []*Session
	for userID, s := range m.sessions {
		if !s.LastUsed().Before(cutoff) {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		delete(m.sessions, userID)
		idle = append(idle, s)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if len(idle) == 0 {
		return 0
	}
	m.changed(n)

	for _, s := range idle {
		if err := s.handle.Close(); err != nil {
			m.logger.Warn("failed to close idle browser", zap.String("user", s.UserID), zap.Error(err))
		} else {
			m.logger.Info("idle browser session closed",
				zap.String("user", s.UserID),
				zap.Duration("age", time.Since(s.createdAt)))
		}
		s.mu.Unlock()
	}
	return len(idle)
}

func (m *Manager) changed(n int) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(n)
	}
}
