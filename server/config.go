package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session and login defaults.
const (
	DefaultSessionTTL = 24 * time.Hour

	// loginAttemptTTL bounds how long an issued state/nonce pair stays valid.
	loginAttemptTTL = 10 * time.Minute
)

// Token-assertion modes for /api/verify-token.
const (
	VerifyModeTrusted = "trusted"
	VerifyModeJWKS    = "jwks"
)

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionsConfig `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// ProviderConfig describes the upstream identity provider (a Cognito user
// pool in the intended deployment). Issuer is the discovery base URL;
// LogoutURL is the provider's hosted logout endpoint, left empty when the
// provider-side session should not be cleared on logout.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	LogoutURL    string   `yaml:"logout_url"`
	Scopes       []string `yaml:"scopes"`
}

// SessionsConfig selects the session store and lifetime.
type SessionsConfig struct {
	TTL   string `yaml:"ttl"`
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
}

// SessionTTL parses the configured TTL, falling back to the default.
func (s SessionsConfig) SessionTTL() time.Duration {
	if s.TTL == "" {
		return DefaultSessionTTL
	}
	return parseDuration(s.TTL, DefaultSessionTTL)
}

// AuthConfig controls the non-OIDC authentication surfaces.
type AuthConfig struct {
	VerifyTokenMode string           `yaml:"verify_token_mode"`
	LocalLogin      LocalLoginConfig `yaml:"local_login"`
}

// LocalLoginConfig is the development-only credential fallback. It bypasses
// the identity provider entirely and must stay disabled outside dev mode.
type LocalLoginConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// VerifyMode resolves the token-assertion mode, defaulting to trusted in dev
// mode and jwks otherwise.
func (c Config) VerifyMode() string {
	if c.Auth.VerifyTokenMode != "" {
		return c.Auth.VerifyTokenMode
	}
	if c.Server.DevMode {
		return VerifyModeTrusted
	}
	return VerifyModeJWKS
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling so typos in keys fail loudly.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Provider: ProviderConfig{
			Scopes: []string{"openid"},
		},
		Sessions: SessionsConfig{
			Store: StoreMemory,
		},
		Auth: AuthConfig{
			LocalLogin: LocalLoginConfig{
				Username: "admin",
				Password: "password",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DASHGW_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"DASHGW_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"DASHGW_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"DASHGW_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"DASHGW_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"DASHGW_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"DASHGW_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"DASHGW_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"DASHGW_PROVIDER_ISSUER":          func(v string) { cfg.Provider.Issuer = v },
		"DASHGW_PROVIDER_CLIENT_ID":       func(v string) { cfg.Provider.ClientID = v },
		"DASHGW_PROVIDER_CLIENT_SECRET":   func(v string) { cfg.Provider.ClientSecret = v },
		"DASHGW_PROVIDER_LOGOUT_URL":      func(v string) { cfg.Provider.LogoutURL = v },
		"DASHGW_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = v },
		"DASHGW_SESSIONS_STORE":           func(v string) { cfg.Sessions.Store = v },
		"DASHGW_SESSIONS_PATH":            func(v string) { cfg.Sessions.Path = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
		if c.Provider.Issuer == "" {
			return errors.New("provider.issuer is required in production mode")
		}
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required in production mode")
		}
		if c.Auth.LocalLogin.Enabled {
			return errors.New("auth.local_login.enabled must be false outside dev mode")
		}
	}

	if c.Provider.Issuer != "" {
		if !strings.HasPrefix(c.Provider.Issuer, "http://") && !strings.HasPrefix(c.Provider.Issuer, "https://") {
			return fmt.Errorf("provider.issuer must be an HTTP(S) URL, got: %s", c.Provider.Issuer)
		}
	}

	if c.Sessions.TTL != "" {
		if _, err := time.ParseDuration(c.Sessions.TTL); err != nil {
			return fmt.Errorf("sessions.ttl: invalid duration %q: %w", c.Sessions.TTL, err)
		}
	}

	switch c.Sessions.Store {
	case "", StoreMemory:
	case StoreBolt:
	default:
		return fmt.Errorf("sessions.store must be %q or %q, got: %s", StoreMemory, StoreBolt, c.Sessions.Store)
	}

	switch c.Auth.VerifyTokenMode {
	case "", VerifyModeTrusted, VerifyModeJWKS:
	default:
		return fmt.Errorf("auth.verify_token_mode must be %q or %q, got: %s", VerifyModeTrusted, VerifyModeJWKS, c.Auth.VerifyTokenMode)
	}

	return nil
}

// SessionDBPath resolves the bolt store location.
func (c Config) SessionDBPath() string {
	if c.Sessions.Path != "" {
		return c.Sessions.Path
	}
	return strings.TrimSuffix(c.Server.SecretsPath, "/") + "/sessions.db"
}
