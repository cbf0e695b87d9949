package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "dash_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	metrics      *Metrics
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, metrics *Metrics, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.SessionTTL(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		metrics:      metrics,
	}
}

// Fetch returns the session referenced by the request cookie, or nil when
// there is none. Expired sessions are deleted on sight. Activity slides the
// expiry forward.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	sess, ok, err := sm.store.Get(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := sm.store.Delete(sess.ID); err != nil {
			sm.logger.Warn("expired session delete failed", "error", err)
		}
		if sess.Authenticated() {
			sm.metrics.SessionEnded()
		}
		return nil, nil
	}

	sess.ExpiresAt = time.Now().Add(sm.ttl)
	if err := sm.store.Save(sess); err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	return &sess, nil
}

// Create establishes a fresh anonymous session and sets the cookie. The
// session is persisted before the cookie is written.
func (sm *SessionManager) Create(w http.ResponseWriter) (*Session, error) {
	now := time.Now()
	sess := Session{
		ID:        NewSessionID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.Save(sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess, nil
}

// FetchOrCreate returns the request's session, creating one when absent.
func (sm *SessionManager) FetchOrCreate(w http.ResponseWriter, r *http.Request) (*Session, error) {
	sess, err := sm.Fetch(r)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return sm.Create(w)
}

// Save persists session mutations.
func (sm *SessionManager) Save(sess *Session) error {
	return sm.store.Save(*sess)
}

// Destroy removes the session from the store and clears the cookie. The
// store delete is confirmed before the cookie is touched so a caller only
// redirects once the server-side state is gone.
func (sm *SessionManager) Destroy(w http.ResponseWriter, sess *Session) error {
	if err := sm.store.Delete(sess.ID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	if sess.Authenticated() {
		sm.metrics.SessionEnded()
	}
	sm.Clear(w)
	return nil
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
