package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smartbff/bff"
	"smartbff/registration"
)

// Store and lock backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", bff.DefaultCSRFHeaderName}
	DefaultCORSAllowedMethods = []string{"GET", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server         ServerConfig                `yaml:"server"`
	BFF            BFFConfig                   `yaml:"bff"`
	SessionStore   SessionStoreConfig          `yaml:"session_store"`
	Lock           LockConfig                  `yaml:"lock"`
	DataProtection DataProtectionConfig        `yaml:"data_protection"`
	Metrics        MetricsConfig               `yaml:"metrics"`
	Registrations  []registration.Registration `yaml:"registrations"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BFFConfig is the gateway policy.
type BFFConfig struct {
	BasePath                    string          `yaml:"base_path"`
	LoginCookieDuration         time.Duration   `yaml:"login_cookie_duration"`
	SessionCleanupInterval      time.Duration   `yaml:"session_cleanup_interval"`
	AccessTokenRefreshThreshold float64         `yaml:"access_token_refresh_threshold"`
	CSRF                        CSRFConfig      `yaml:"csrf"`
	Discovery                   DiscoveryConfig `yaml:"discovery"`
	ServerSideSessions          bool            `yaml:"server_side_sessions"`
	AllowLaunchDiscriminator    bool            `yaml:"allow_launch_discriminator"`
}

// CSRFConfig names the header ajax endpoints require.
type CSRFConfig struct {
	HeaderName  string `yaml:"header_name"`
	HeaderValue string `yaml:"header_value"`
}

// DiscoveryConfig controls metadata caching. A zero cache size disables the cache.
type DiscoveryConfig struct {
	CacheSize int64         `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SessionStoreConfig selects where server-side sessions live.
type SessionStoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	SQL     SQLConfig   `yaml:"sql"`
}

// RedisConfig is shared by the redis session store and the redis lock.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLConfig holds the relational store DSN.
type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

// LockConfig selects the refresh lock provider. The redis backend uses the
// session_store.redis connection.
type LockConfig struct {
	Backend string        `yaml:"backend"`
	Lease   time.Duration `yaml:"lease"`
}

// DataProtectionConfig locates the cookie and ticket encryption keys.
type DataProtectionConfig struct {
	KeyFile        string        `yaml:"key_file"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// MetricsConfig exposes prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
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
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/autocert",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{AllowedOrigins: []string{"http://127.0.0.1:3000"}},
		},
		BFF: BFFConfig{
			BasePath:                    bff.DefaultBasePath,
			LoginCookieDuration:         bff.DefaultLoginCookieDuration,
			SessionCleanupInterval:      15 * time.Minute,
			AccessTokenRefreshThreshold: bff.DefaultAccessTokenRefreshThreshold,
			CSRF: CSRFConfig{
				HeaderName:  bff.DefaultCSRFHeaderName,
				HeaderValue: bff.DefaultCSRFHeaderValue,
			},
			Discovery: DiscoveryConfig{
				CacheSize: 1000,
				CacheTTL:  24 * time.Hour,
				Timeout:   30 * time.Second,
			},
			ServerSideSessions: true,
		},
		SessionStore: SessionStoreConfig{Backend: BackendMemory},
		Lock:         LockConfig{Backend: BackendMemory},
		Metrics:      MetricsConfig{Path: "/metrics"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	reg := registration.Default()
	reg.ID = "sandbox"
	reg.ClientID = "smart-bff"
	reg.ClientSecret = "change-me"
	reg.Issuer = "https://launch.smarthealthit.org/v/r4/fhir"
	reg.Scopes = "openid fhirUser launch launch/patient patient/*.rs offline_access"
	reg.LoginCallbackURL = strings.TrimSuffix(cfg.Server.PublicURL, "/") + cfg.BFF.BasePath + "/callback/login/sandbox"
	cfg.Registrations = []registration.Registration{reg}
	return cfg
}

// KeyFile resolves the data protection key file, defaulting under secrets_path.
func (c Config) KeyFile() string {
	if c.DataProtection.KeyFile != "" {
		return c.DataProtection.KeyFile
	}
	return strings.TrimSuffix(c.Server.SecretsPath, "/") + "/data-protection-keys.json"
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SMARTBFF_SERVER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"SMARTBFF_SERVER_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"SMARTBFF_SERVER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"SMARTBFF_SERVER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SMARTBFF_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SMARTBFF_SERVER_COOKIE_DOMAIN":        func(v string) { cfg.Server.CookieDomain = v },
		"SMARTBFF_SERVER_SECRETS_PATH":         func(v string) { cfg.Server.SecretsPath = v },
		"SMARTBFF_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SMARTBFF_SERVER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"SMARTBFF_SERVER_CORS_ALLOWED_ORIGINS": func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"SMARTBFF_BFF_BASE_PATH":               func(v string) { cfg.BFF.BasePath = v },
		"SMARTBFF_BFF_SERVER_SIDE_SESSIONS": func(v string) {
			cfg.BFF.ServerSideSessions = parseBool(v, cfg.BFF.ServerSideSessions)
		},
		"SMARTBFF_BFF_SESSION_CLEANUP_INTERVAL": func(v string) {
			cfg.BFF.SessionCleanupInterval = parseDuration(v, cfg.BFF.SessionCleanupInterval)
		},
		"SMARTBFF_SESSION_STORE_BACKEND":        func(v string) { cfg.SessionStore.Backend = v },
		"SMARTBFF_SESSION_STORE_REDIS_ADDR":     func(v string) { cfg.SessionStore.Redis.Addr = v },
		"SMARTBFF_SESSION_STORE_REDIS_PASSWORD": func(v string) { cfg.SessionStore.Redis.Password = v },
		"SMARTBFF_SESSION_STORE_REDIS_DB": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.SessionStore.Redis.DB = n
			}
		},
		"SMARTBFF_SESSION_STORE_SQL_DSN":     func(v string) { cfg.SessionStore.SQL.DSN = v },
		"SMARTBFF_LOCK_BACKEND":              func(v string) { cfg.Lock.Backend = v },
		"SMARTBFF_DATA_PROTECTION_KEY_FILE":  func(v string) { cfg.DataProtection.KeyFile = v },
		"SMARTBFF_METRICS_ENABLED":           func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
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
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	base := c.BFF.BasePath
	if base == "" || base == "/" || !strings.HasPrefix(base, "/") || strings.HasSuffix(base, "/") {
		slog.Error("Invalid configuration value", "field", "bff.base_path", "value", base)
		return fmt.Errorf("bff.base_path must start with '/', must not end with '/' and cannot be the root, got: %q", base)
	}
	if c.BFF.CSRF.HeaderName == "" || c.BFF.CSRF.HeaderValue == "" {
		slog.Error("Missing required configuration", "field", "bff.csrf")
		return errors.New("bff.csrf.header_name and bff.csrf.header_value are required")
	}
	if c.BFF.Discovery.CacheSize < 0 {
		slog.Error("Invalid configuration value", "field", "bff.discovery.cache_size", "value", c.BFF.Discovery.CacheSize)
		return fmt.Errorf("bff.discovery.cache_size must not be negative, got: %d", c.BFF.Discovery.CacheSize)
	}
	if c.BFF.AccessTokenRefreshThreshold <= 0 || c.BFF.AccessTokenRefreshThreshold > 1 {
		slog.Error("Invalid configuration value", "field", "bff.access_token_refresh_threshold", "value", c.BFF.AccessTokenRefreshThreshold)
		return fmt.Errorf("bff.access_token_refresh_threshold must be in (0, 1], got: %v", c.BFF.AccessTokenRefreshThreshold)
	}
	if c.BFF.LoginCookieDuration <= 0 {
		slog.Error("Invalid configuration value", "field", "bff.login_cookie_duration", "value", c.BFF.LoginCookieDuration)
		return errors.New("bff.login_cookie_duration must be positive")
	}

	switch c.SessionStore.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.SessionStore.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "session_store.redis.addr")
			return errors.New("session_store.redis.addr is required for the redis backend")
		}
	case BackendSQLite, BackendPostgres:
		if c.SessionStore.SQL.DSN == "" {
			slog.Error("Missing required configuration", "field", "session_store.sql.dsn")
			return fmt.Errorf("session_store.sql.dsn is required for the %s backend", c.SessionStore.Backend)
		}
	default:
		slog.Error("Invalid session store backend", "field", "session_store.backend", "value", c.SessionStore.Backend)
		return fmt.Errorf("session_store.backend must be one of memory, redis, sqlite, postgres, got: %q", c.SessionStore.Backend)
	}

	switch c.Lock.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.SessionStore.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "session_store.redis.addr", "reason", "required by lock.backend redis")
			return errors.New("lock.backend redis requires session_store.redis.addr")
		}
	default:
		slog.Error("Invalid lock backend", "field", "lock.backend", "value", c.Lock.Backend)
		return fmt.Errorf("lock.backend must be memory or redis, got: %q", c.Lock.Backend)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		slog.Error("Invalid configuration value", "field", "metrics.path", "value", c.Metrics.Path)
		return fmt.Errorf("metrics.path must start with '/', got: %q", c.Metrics.Path)
	}

	if c.Server.CookieDomain != "" {
		host := strings.TrimPrefix(c.Server.PublicURL, "http://")
		host = strings.TrimPrefix(host, "https://")
		if idx := strings.IndexAny(host, ":/"); idx != -1 {
			host = host[:idx]
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if len(c.Registrations) == 0 {
		slog.Error("No registrations configured", "reason", "at least one authorization server registration is required")
		return errors.New("at least one registration must be configured")
	}
	if _, err := registration.NewRegistry(c.Registrations); err != nil {
		slog.Error("Invalid registrations", "error", err)
		return fmt.Errorf("registrations: %w", err)
	}

	return nil
}
