package authclient

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config defines a public type used by authclient APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Refresh RefreshConfig `yaml:"refresh"`
	Cache   CacheConfig   `yaml:"cache"`
	Session SessionConfig `yaml:"session"`
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig defines a public type used by authclient APIs.
//
// BaseURL includes the API prefix (for example http://localhost:3000/api).
// The health probe resolves HealthPath against the server root.
type APIConfig struct {
	BaseURL       string        `yaml:"base_url" env:"AUTHCLIENT_API_BASE_URL" env-default:"http://localhost:3000/api"`
	Timeout       time.Duration `yaml:"timeout" env:"AUTHCLIENT_API_TIMEOUT" env-default:"15s"`
	HealthPath    string        `yaml:"health_path" env:"AUTHCLIENT_API_HEALTH_PATH" env-default:"/health"`
	HealthTimeout time.Duration `yaml:"health_timeout" env:"AUTHCLIENT_API_HEALTH_TIMEOUT" env-default:"5s"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokensConfig defines a public type used by authclient APIs.
//
// TokensConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokensConfig struct {
	ValidityBuffer time.Duration `yaml:"validity_buffer" env:"AUTHCLIENT_TOKENS_VALIDITY_BUFFER" env-default:"30s"`
	ExpiryHorizon  time.Duration `yaml:"expiry_horizon" env:"AUTHCLIENT_TOKENS_EXPIRY_HORIZON" env-default:"5m"`
	// ProactiveInterval enables background refresh of expiring tokens; 0 disables it.
	ProactiveInterval time.Duration `yaml:"proactive_interval" env:"AUTHCLIENT_TOKENS_PROACTIVE_INTERVAL"`
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig defines a public type used by authclient APIs.
//
// RefreshConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RefreshConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"AUTHCLIENT_REFRESH_MAX_RETRIES" env-default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"AUTHCLIENT_REFRESH_RETRY_DELAY" env-default:"1s"`
	Timeout    time.Duration `yaml:"timeout" env:"AUTHCLIENT_REFRESH_TIMEOUT" env-default:"10s"`
}

// CacheConfig defines a public type used by authclient APIs.
type CacheConfig struct {
	MaxAge time.Duration `yaml:"max_age" env:"AUTHCLIENT_CACHE_MAX_AGE" env-default:"5m"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by authclient APIs.
//
// The session check uses a separate bounded policy per failure class:
//   - user fetch: UserFetchRetries retries, delay UserFetchDelay*(n+1);
//   - unhealthy server without a token: HealthRetries retries, delay HealthRetryDelay*(n+1);
//   - network errors: NetworkRetries retries, delay NetworkRetryDelay*(n+1);
//   - server errors: ServerRetries retries, fixed ServerRetryDelay.
type SessionConfig struct {
	BackgroundSyncDelay time.Duration `yaml:"background_sync_delay" env:"AUTHCLIENT_SESSION_BACKGROUND_SYNC_DELAY" env-default:"1s"`
	// BackgroundSyncMaxFailures evicts a cached session after this many
	// consecutive failed background syncs. 0 never evicts.
	BackgroundSyncMaxFailures int `yaml:"background_sync_max_failures" env:"AUTHCLIENT_SESSION_BACKGROUND_SYNC_MAX_FAILURES"`

	UserFetchRetries  int           `yaml:"user_fetch_retries" env:"AUTHCLIENT_SESSION_USER_FETCH_RETRIES" env-default:"2"`
	UserFetchDelay    time.Duration `yaml:"user_fetch_delay" env:"AUTHCLIENT_SESSION_USER_FETCH_DELAY" env-default:"1s"`
	HealthRetries     int           `yaml:"health_retries" env:"AUTHCLIENT_SESSION_HEALTH_RETRIES" env-default:"3"`
	HealthRetryDelay  time.Duration `yaml:"health_retry_delay" env:"AUTHCLIENT_SESSION_HEALTH_RETRY_DELAY" env-default:"2s"`
	NetworkRetries    int           `yaml:"network_retries" env:"AUTHCLIENT_SESSION_NETWORK_RETRIES" env-default:"3"`
	NetworkRetryDelay time.Duration `yaml:"network_retry_delay" env:"AUTHCLIENT_SESSION_NETWORK_RETRY_DELAY" env-default:"1s"`
	ServerRetries     int           `yaml:"server_retries" env:"AUTHCLIENT_SESSION_SERVER_RETRIES" env-default:"2"`
	ServerRetryDelay  time.Duration `yaml:"server_retry_delay" env:"AUTHCLIENT_SESSION_SERVER_RETRY_DELAY" env-default:"2s"`
}

/*
====================================
NETWORK CONFIG
====================================
*/

// NetworkConfig defines a public type used by authclient APIs.
//
// When ProbeAddr is empty it is derived from the API base URL. A zero
// ProbeInterval disables probing; connectivity then changes only through
// Monitor.SetOnline.
type NetworkConfig struct {
	InitialOnline bool          `yaml:"initial_online" env:"AUTHCLIENT_NETWORK_INITIAL_ONLINE" env-default:"true"`
	ProbeAddr     string        `yaml:"probe_addr" env:"AUTHCLIENT_NETWORK_PROBE_ADDR"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"AUTHCLIENT_NETWORK_PROBE_INTERVAL"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"AUTHCLIENT_NETWORK_PROBE_TIMEOUT" env-default:"3s"`
}

/*
====================================
STORAGE CONFIG
====================================
*/

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// StorageConfig defines a public type used by authclient APIs.
//
// StorageConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type StorageConfig struct {
	Backend       string        `yaml:"backend" env:"AUTHCLIENT_STORAGE_BACKEND" env-default:"memory"`
	FilePath      string        `yaml:"file_path" env:"AUTHCLIENT_STORAGE_FILE_PATH"`
	RedisAddr     string        `yaml:"redis_addr" env:"AUTHCLIENT_STORAGE_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"AUTHCLIENT_STORAGE_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"AUTHCLIENT_STORAGE_REDIS_DB"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"AUTHCLIENT_STORAGE_REDIS_PREFIX" env-default:"eat"`
	RedisTTL      time.Duration `yaml:"redis_ttl" env:"AUTHCLIENT_STORAGE_REDIS_TTL"`
}

// AuditConfig defines a public type used by authclient APIs.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"AUTHCLIENT_AUDIT_ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"AUTHCLIENT_AUDIT_BUFFER_SIZE" env-default:"256"`
	// DropIfFull drops routine events on a full buffer. Logout, eviction,
	// refresh failure and password change events always wait for room.
	DropIfFull bool `yaml:"drop_if_full" env:"AUTHCLIENT_AUDIT_DROP_IF_FULL" env-default:"true"`
}

// MetricsConfig defines a public type used by authclient APIs.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" env:"AUTHCLIENT_METRICS_ENABLED" env-default:"true"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" env:"AUTHCLIENT_METRICS_LATENCY_HISTOGRAMS"`
}

// LogConfig defines a public type used by authclient APIs.
type LogConfig struct {
	Level       string `yaml:"level" env:"AUTHCLIENT_LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"AUTHCLIENT_LOG_DEVELOPMENT"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:       "http://localhost:3000/api",
			Timeout:       15 * time.Second,
			HealthPath:    "/health",
			HealthTimeout: 5 * time.Second,
		},
		Tokens: TokensConfig{
			ValidityBuffer: 30 * time.Second,
			ExpiryHorizon:  5 * time.Minute,
		},
		Refresh: RefreshConfig{
			MaxRetries: 3,
			RetryDelay: time.Second,
			Timeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			MaxAge: 5 * time.Minute,
		},
		Session: SessionConfig{
			BackgroundSyncDelay: time.Second,
			UserFetchRetries:    2,
			UserFetchDelay:      time.Second,
			HealthRetries:       3,
			HealthRetryDelay:    2 * time.Second,
			NetworkRetries:      3,
			NetworkRetryDelay:   time.Second,
			ServerRetries:       2,
			ServerRetryDelay:    2 * time.Second,
		},
		Network: NetworkConfig{
			InitialOnline: true,
			ProbeTimeout:  3 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     StorageMemory,
			RedisPrefix: "eat",
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when a field is out of range or missing. It
// does not mutate the receiver.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.API.BaseURL)
	if base == "" {
		return errors.New("API BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("API BaseURL must be an absolute URL")
	}
	if c.API.Timeout <= 0 {
		return errors.New("API Timeout must be > 0")
	}
	if c.API.HealthTimeout <= 0 {
		return errors.New("API HealthTimeout must be > 0")
	}
	if !strings.HasPrefix(c.API.HealthPath, "/") {
		return errors.New("API HealthPath must start with '/'")
	}

	if c.Tokens.ValidityBuffer <= 0 {
		return errors.New("Tokens ValidityBuffer must be > 0")
	}
	if c.Tokens.ExpiryHorizon < c.Tokens.ValidityBuffer {
		return errors.New("Tokens ExpiryHorizon must be >= ValidityBuffer")
	}
	if c.Tokens.ProactiveInterval < 0 {
		return errors.New("Tokens ProactiveInterval must be >= 0")
	}

	if c.Refresh.MaxRetries < 0 {
		return errors.New("Refresh MaxRetries must be >= 0")
	}
	if c.Refresh.RetryDelay <= 0 {
		return errors.New("Refresh RetryDelay must be > 0")
	}
	if c.Refresh.Timeout <= 0 {
		return errors.New("Refresh Timeout must be > 0")
	}

	if c.Cache.MaxAge <= 0 {
		return errors.New("Cache MaxAge must be > 0")
	}

	s := c.Session
	if s.BackgroundSyncDelay < 0 {
		return errors.New("Session BackgroundSyncDelay must be >= 0")
	}
	if s.BackgroundSyncMaxFailures < 0 {
		return errors.New("Session BackgroundSyncMaxFailures must be >= 0")
	}
	if s.UserFetchRetries < 0 || s.HealthRetries < 0 || s.NetworkRetries < 0 || s.ServerRetries < 0 {
		return errors.New("Session retry counts must be >= 0")
	}
	if s.UserFetchDelay < 0 || s.HealthRetryDelay < 0 || s.NetworkRetryDelay < 0 || s.ServerRetryDelay < 0 {
		return errors.New("Session retry delays must be >= 0")
	}

	if c.Network.ProbeInterval < 0 {
		return errors.New("Network ProbeInterval must be >= 0")
	}
	if c.Network.ProbeInterval > 0 && c.Network.ProbeTimeout <= 0 {
		return errors.New("Network ProbeTimeout must be > 0 when probing is enabled")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(c.Storage.FilePath) == "" {
			return errors.New("Storage FilePath is required for the file backend")
		}
	case StorageRedis:
		if c.Storage.RedisTTL < 0 {
			return errors.New("Storage RedisTTL must be >= 0")
		}
	default:
		return ErrUnknownStorageBackend
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("Log Level must be debug, info, warn or error")
	}

	return nil
}
