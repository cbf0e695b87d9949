// Package guard implements the client-side session check that dashboard
// pages run on load: it inspects the credentials held in page-local storage,
// decides whether the visitor belongs on the login page or the dashboard,
// and wipes stale credentials on the way out.
package guard

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Storage keys for the credential set the login flow leaves behind.
const (
	KeyAuthToken         = "authToken"
	KeyAccessToken       = "accessToken"
	KeyRefreshToken      = "refreshToken"
	KeyUserProfile       = "userProfile"
	KeyPostLoginRedirect = "postLoginRedirect"
)

// credentialKeys lists the keys cleared when a session ends.
var credentialKeys = []string{KeyAuthToken, KeyAccessToken, KeyRefreshToken, KeyUserProfile}

// Action says where the page should send the visitor.
type Action int

const (
	// ActionNone leaves the visitor on the current page.
	ActionNone Action = iota
	// ActionToLogin redirects to the login page.
	ActionToLogin
	// ActionToLanding redirects to the dashboard landing page.
	ActionToLanding
)

// Decision is the outcome of a guard check.
type Decision struct {
	Action         Action
	RedirectURL    string
	Message        string
	ClearedStorage bool
}

// CredentialStore abstracts the page-local storage the guard reads and
// clears. Implementations are expected to be cheap; the guard calls them
// several times per check.
type CredentialStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// MemoryStore is a map-backed CredentialStore, used in tests and embedded
// deployments.
type MemoryStore struct {
	items map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]string{}}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) {
	m.items[key] = value
}

func (m *MemoryStore) Delete(key string) {
	delete(m.items, key)
}

// Profile is the display subset of the stored user profile.
type Profile struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// ProfileRenderer receives the authenticated profile so the page chrome can
// show the user's name and wire up the logout control.
type ProfileRenderer interface {
	RenderProfile(p Profile)
	BindLogout(logout func())
}

// NopRenderer ignores both callbacks.
type NopRenderer struct{}

func (NopRenderer) RenderProfile(Profile) {}
func (NopRenderer) BindLogout(func())     {}

// Guard evaluates the stored credentials against the current page.
type Guard struct {
	Store    CredentialStore
	Renderer ProfileRenderer
	Logger   *slog.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	// LoginPath and LandingPath default to "/login" and "/".
	LoginPath   string
	LandingPath string
}

func New(store CredentialStore, renderer ProfileRenderer, logger *slog.Logger) *Guard {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		Store:       store,
		Renderer:    renderer,
		Logger:      logger,
		Now:         time.Now,
		LoginPath:   "/login",
		LandingPath: "/",
	}
}

// Check runs the page-load session check for currentPath and returns the
// navigation decision. It is idempotent: running it twice on the same state
// yields the same decision.
func (g *Guard) Check(currentPath string) Decision {
	token, hasToken := g.Store.Get(KeyAuthToken)

	if currentPath == g.loginPath() {
		if hasToken && token != "" {
			// Already signed in; a fresh login would clobber the session.
			return Decision{Action: ActionToLanding, RedirectURL: g.landingPath()}
		}
		return Decision{Action: ActionNone}
	}

	if !hasToken || token == "" {
		// Remember where the visitor was headed so the login flow can
		// return them there.
		g.Store.Set(KeyPostLoginRedirect, currentPath)
		return Decision{Action: ActionToLogin, RedirectURL: g.loginPath()}
	}

	if g.expired(token) {
		g.clearCredentials()
		g.Store.Set(KeyPostLoginRedirect, currentPath)
		return Decision{
			Action:         ActionToLogin,
			RedirectURL:    g.loginPath() + "?error=session_expired",
			Message:        "Your session has expired. Please sign in again.",
			ClearedStorage: true,
		}
	}

	g.Renderer.RenderProfile(g.storedProfile())
	g.Renderer.BindLogout(func() { g.Logout() })
	return Decision{Action: ActionNone}
}

// Logout clears the credential set and says where to go next.
func (g *Guard) Logout() Decision {
	g.clearCredentials()
	return Decision{
		Action:         ActionToLogin,
		RedirectURL:    g.loginPath(),
		ClearedStorage: true,
	}
}

// expired reports whether the token's exp claim has passed. A token that
// cannot be decoded is treated as expired; better to force a fresh login
// than to trust garbage.
func (g *Guard) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		g.Logger.Warn("stored token is not decodable, treating as expired", "error", err)
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		g.Logger.Warn("stored token has malformed expiry, treating as expired", "error", err)
		return true
	}
	if exp == nil {
		return false
	}
	return g.now().After(exp.Time)
}

func (g *Guard) storedProfile() Profile {
	raw, ok := g.Store.Get(KeyUserProfile)
	if !ok || raw == "" {
		return Profile{}
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		g.Logger.Warn("stored profile is not decodable", "error", err)
		return Profile{}
	}
	return p
}

func (g *Guard) clearCredentials() {
	for _, key := range credentialKeys {
		g.Store.Delete(key)
	}
}

func (g *Guard) loginPath() string {
	if g.LoginPath != "" {
		return g.LoginPath
	}
	return "/login"
}

func (g *Guard) landingPath() string {
	if g.LandingPath != "" {
		return g.LandingPath
	}
	return "/"
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
