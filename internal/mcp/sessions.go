package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionStore issues and tracks Mcp-Session-Id values. It is plugged into
// the streamable HTTP server as its session id manager. Sessions expire after
// idleTTL without a request, and the oldest is evicted once max are open.
type sessionStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	max     int
	idleTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func newSessionStore(limit int, idleTTL time.Duration, logger *zap.Logger) *sessionStore {
	return &sessionStore{
		seen:    make(map[string]time.Time),
		max:     limit,
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
	}
}

// Generate opens a session for an initialize request.
func (s *sessionStore) Generate() string {
	id := uuid.New().String()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(now)
	for s.max > 0 && len(s.seen) >= s.max {
		s.evictOldestLocked()
	}
	s.seen[id] = now

	s.logger.Debug("session opened", zap.String("session_id", id), zap.Int("open", len(s.seen)))
	return id
}

// Validate refreshes a known session. Unknown or expired ids are reported as
// terminated so the client gets 404 and re-initializes. Requests without an
// id are let through.
func (s *sessionStore) Validate(id string) (isTerminated bool, err error) {
	if id == "" {
		return false, nil
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.seen[id]
	if !ok {
		return true, nil
	}
	if s.expired(last, now) {
		delete(s.seen, id)
		return true, nil
	}
	s.seen[id] = now
	return false, nil
}

// Terminate closes a session on DELETE. Unknown ids are not an error.
func (s *sessionStore) Terminate(id string) (isNotAllowed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		delete(s.seen, id)
		s.logger.Debug("session closed", zap.String("session_id", id))
	}
	return false, nil
}

func (s *sessionStore) exists(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.seen[id]
	return ok && !s.expired(last, s.now())
}

func (s *sessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	return len(s.seen)
}

func (s *sessionStore) expired(last, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(last) > s.idleTTL
}

func (s *sessionStore) expireLocked(now time.Time) {
	for id, last := range s.seen {
		if s.expired(last, now) {
			delete(s.seen, id)
		}
	}
}

func (s *sessionStore) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, last := range s.seen {
		if oldestID == "" || last.Before(oldest) {
			oldestID, oldest = id, last
		}
	}
	if oldestID != "" {
		delete(s.seen, oldestID)
		s.logger.Debug("session evicted", zap.String("session_id", oldestID))
	}
}
