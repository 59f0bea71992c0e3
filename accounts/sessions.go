package accounts

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/heartreel/heartreel/storage"
)

// Session is the server-side state behind an access token, keyed by the
// token's jti. Deleting it revokes the token before it expires.
type Session struct {
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

func (s Session) expired(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return true
	}
	return idleTimeout > 0 && now.Sub(s.LastAccessedAt) > idleTimeout
}

// SessionStore abstracts session CRUD so that sessions can be stored
// in-memory (default) or in persistent backing storage.
type SessionStore interface {
	// Get retrieves a session by id. Returns false if the session
	// does not exist, has expired, or has exceeded the idle timeout.
	Get(id string) (Session, bool)
	// Put creates or updates a session.
	Put(id string, session Session)
	// Delete removes a session.
	Delete(id string)
}

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu          sync.RWMutex
	data        map[string]Session
	idleTimeout time.Duration
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemorySessionStore(idleTimeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		data:        make(map[string]Session),
		idleTimeout: idleTimeout,
	}
}

func (s *MemorySessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	session, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if session.expired(time.Now(), s.idleTimeout) {
		s.Delete(id)
		return Session{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(id string, session Session) {
	s.mu.Lock()
	s.data[id] = session
	s.mu.Unlock()
}

func (s *MemorySessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

const (
	sessionNamespace  = "__sessions"
	sessionRecordType = "SESSION"
	cleanupInterval   = 5 * time.Minute
)

// PersistentSessionStore keeps sessions in a storage.Repository so they
// survive server restarts. Expired sessions are swept periodically.
type PersistentSessionStore struct {
	repo        storage.Repository
	idleTimeout time.Duration
	logger      *slog.Logger
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by repo and
// starts its sweeper. idleTimeout of 0 disables idle timeout checking.
func NewPersistentSessionStore(repo storage.Repository, idleTimeout time.Duration, logger *slog.Logger) *PersistentSessionStore {
	s := &PersistentSessionStore{
		repo:        repo,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "sessions"),
		stopCh:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup goroutine.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *PersistentSessionStore) Get(id string) (Session, bool) {
	session, ok := s.read(id)
	if !ok {
		return Session{}, false
	}
	if session.expired(time.Now(), s.idleTimeout) {
		s.Delete(id)
		return Session{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) Put(id string, session Session) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := s.repo.Put(sessionNamespace, sessionRecordType, id, &storage.Record{Data: data, Version: 1}); err != nil {
		s.logger.Error("persisting session", "error", err)
	}
}

func (s *PersistentSessionStore) Delete(id string) {
	_ = s.repo.Delete(sessionNamespace, sessionRecordType, id)
}

func (s *PersistentSessionStore) read(id string) (Session, bool) {
	r, err := s.repo.Get(sessionNamespace, sessionRecordType, id)
	if err != nil {
		return Session{}, false
	}
	var session Session
	if err := json.Unmarshal(r.Data, &session); err != nil {
		// Corrupt entry; remove it.
		s.Delete(id)
		return Session{}, false
	}
	return session, true
}

// cleanupLoop periodically removes expired sessions from storage.
func (s *PersistentSessionStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *PersistentSessionStore) sweepExpired() int {
	ids, err := s.repo.List(sessionNamespace, sessionRecordType)
	if err != nil {
		s.logger.Warn("listing sessions for sweep", "error", err)
		return 0
	}
	now := time.Now()
	removed := 0
	for _, id := range ids {
		session, ok := s.read(id)
		if !ok {
			removed++
			continue
		}
		if session.expired(now, s.idleTimeout) {
			s.Delete(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired sessions", "count", removed)
	}
	return removed
}
