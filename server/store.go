package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("session store closed")

// SessionStore persists sessions keyed by their ID. Save must have durably
// committed before it returns; callers redirect only after a successful Save.
type SessionStore interface {
	Save(sess Session) error
	Get(id string) (Session, bool, error)
	Delete(id string) error
	Close() error
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// randomToken returns n random bytes hex-encoded, for state/nonce values.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is unusable anyway
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// MemoryStore keeps sessions in a mutex-guarded map. Used in dev mode and
// in tests; sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	closed   bool
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Get(id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Session{}, false, ErrStoreClosed
	}
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
