package guard

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type recordingRenderer struct {
	profile *Profile
	logout  func()
}

func (r *recordingRenderer) RenderProfile(p Profile) { r.profile = &p }
func (r *recordingRenderer) BindLogout(fn func())    { r.logout = fn }

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-123"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func newTestGuard(t *testing.T) (*Guard, *MemoryStore, *recordingRenderer) {
	t.Helper()
	store := NewMemoryStore()
	renderer := &recordingRenderer{}
	g := New(store, renderer, nil)
	return g, store, renderer
}

func TestCheckNoCredentials(t *testing.T) {
	g, store, _ := newTestGuard(t)

	d := g.Check("/sales")
	if d.Action != ActionToLogin {
		t.Fatalf("expected redirect to login, got %v", d.Action)
	}
	if d.RedirectURL != "/login" {
		t.Errorf("unexpected redirect url: %s", d.RedirectURL)
	}
	if dest, _ := store.Get(KeyPostLoginRedirect); dest != "/sales" {
		t.Errorf("expected post-login redirect recorded, got %q", dest)
	}
}

func TestCheckLoginPageWithoutCredentials(t *testing.T) {
	g, _, _ := newTestGuard(t)

	d := g.Check("/login")
	if d.Action != ActionNone {
		t.Errorf("expected no action on login page, got %v", d.Action)
	}
}

func TestCheckLoginPageAlreadySignedIn(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(time.Hour)))

	d := g.Check("/login")
	if d.Action != ActionToLanding {
		t.Fatalf("expected redirect to landing, got %v", d.Action)
	}
	if d.RedirectURL != "/" {
		t.Errorf("unexpected redirect url: %s", d.RedirectURL)
	}
}

func TestCheckExpiredToken(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(-time.Hour)))
	store.Set(KeyAccessToken, "access")
	store.Set(KeyRefreshToken, "refresh")
	store.Set(KeyUserProfile, `{"name":"Test User"}`)

	d := g.Check("/sales")
	if d.Action != ActionToLogin {
		t.Fatalf("expected redirect to login, got %v", d.Action)
	}
	if d.RedirectURL != "/login?error=session_expired" {
		t.Errorf("unexpected redirect url: %s", d.RedirectURL)
	}
	if d.Message == "" {
		t.Error("expected an expiry message")
	}
	if !d.ClearedStorage {
		t.Error("expected ClearedStorage flag")
	}
	for _, key := range []string{KeyAuthToken, KeyAccessToken, KeyRefreshToken, KeyUserProfile} {
		if _, ok := store.Get(key); ok {
			t.Errorf("expected %s cleared", key)
		}
	}
	// Re-login should return the visitor to where they were headed.
	if dest, _ := store.Get(KeyPostLoginRedirect); dest != "/sales" {
		t.Errorf("expected post-login redirect recorded on expiry, got %q", dest)
	}
}

func TestCheckUndecodableToken(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, "not-a-jwt")

	d := g.Check("/sales")
	if d.Action != ActionToLogin {
		t.Fatalf("expected redirect to login for garbage token, got %v", d.Action)
	}
	if !d.ClearedStorage {
		t.Error("expected credentials cleared")
	}
}

func TestCheckTokenWithoutExpiry(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Time{}))

	d := g.Check("/sales")
	if d.Action != ActionNone {
		t.Errorf("expected token without exp to pass, got %v", d.Action)
	}
}

func TestCheckValidToken(t *testing.T) {
	g, store, renderer := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(time.Hour)))
	store.Set(KeyUserProfile, `{"name":"Test User","email":"user@example.com"}`)

	d := g.Check("/sales")
	if d.Action != ActionNone {
		t.Fatalf("expected visitor to stay put, got %v", d.Action)
	}
	if renderer.profile == nil || renderer.profile.Name != "Test User" {
		t.Errorf("expected profile rendered, got %+v", renderer.profile)
	}
	if renderer.logout == nil {
		t.Fatal("expected logout bound")
	}

	renderer.logout()
	if _, ok := store.Get(KeyAuthToken); ok {
		t.Error("expected logout to clear credentials")
	}
}

func TestLogout(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(time.Hour)))
	store.Set(KeyUserProfile, `{"name":"Test User"}`)

	d := g.Logout()
	if d.Action != ActionToLogin || d.RedirectURL != "/login" {
		t.Fatalf("unexpected logout decision: %+v", d)
	}
	if !d.ClearedStorage {
		t.Error("expected ClearedStorage flag")
	}
	if _, ok := store.Get(KeyAuthToken); ok {
		t.Error("expected credentials cleared")
	}
	if _, ok := store.Get(KeyUserProfile); ok {
		t.Error("expected profile cleared")
	}
}

func TestCheckValidTokenBadProfile(t *testing.T) {
	g, store, renderer := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(time.Hour)))
	store.Set(KeyUserProfile, "{broken")

	d := g.Check("/sales")
	if d.Action != ActionNone {
		t.Fatalf("expected visitor to stay put, got %v", d.Action)
	}
	if renderer.profile == nil || renderer.profile.Name != "" {
		t.Errorf("expected empty profile for bad stored json, got %+v", renderer.profile)
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(-time.Hour)))

	first := g.Check("/sales")
	if first.Action != ActionToLogin || !first.ClearedStorage {
		t.Fatalf("unexpected first decision: %+v", first)
	}

	// Credentials are gone now; choosing login again is the stable outcome.
	second := g.Check("/sales")
	if second.Action != ActionToLogin {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	if second.ClearedStorage {
		t.Error("expected nothing left to clear on second check")
	}
}

func TestCheckUsesInjectedClock(t *testing.T) {
	g, store, _ := newTestGuard(t)
	store.Set(KeyAuthToken, mintToken(t, time.Now().Add(time.Minute)))

	g.Now = func() time.Time { return time.Now().Add(time.Hour) }

	d := g.Check("/sales")
	if d.Action != ActionToLogin {
		t.Errorf("expected token expired under advanced clock, got %v", d.Action)
	}
}
