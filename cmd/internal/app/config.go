package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration.
//
// Values are layered: defaults, then the optional TOML file, then CONVSYNC_* environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | text

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBApplySchema bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL enables the shared user cache and the notification queue.
	RedisURL    string
	ProfileTTL  time.Duration
	NotifyQueue string

	// Engine knobs used by clients (convsync tail).
	PageSize    int
	MaxResident int

	Gateway GatewayConfig
	Seed    Seed
}

// GatewayConfig is the websocket gateway policy.
type GatewayConfig struct {
	OriginRequired    bool
	AllowedOrigins    []string
	DevInsecure       bool
	RequireKnownUser  bool
	MaxMessageChars   int
	MaxSubscriptions  int
	RateEvents        int
	RateWindow        time.Duration
	HeartbeatInterval time.Duration
}

// Seed is dev data applied to the store at startup. Existing records are kept.
type Seed struct {
	Users         []SeedUser         `toml:"users"`
	Conversations []SeedConversation `toml:"conversations"`
}

type SeedUser struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	AvatarURL   string `toml:"avatar_url"`
	Tagline     string `toml:"tagline"`
}

type SeedConversation struct {
	ID      string   `toml:"id"`
	Kind    string   `toml:"kind"`
	Members []string `toml:"members"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBSchema:   "convsync",
		DBMaxConns: 10,

		ProfileTTL:  10 * time.Minute,
		NotifyQueue: "notifications",

		PageSize:    20,
		MaxResident: 10,

		Gateway: GatewayConfig{
			OriginRequired:    true,
			AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
			MaxMessageChars:   4000,
			MaxSubscriptions:  64,
			RateEvents:        120,
			RateWindow:        10 * time.Second,
			HeartbeatInterval: 25 * time.Second,
		},
	}
}

// LoadConfig builds Config from defaults, the TOML file at path (skipped when empty)
// and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := LoadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	return applyEnv(cfg), nil
}

// applyEnv overrides cfg with CONVSYNC_* variables. The current values act as defaults.
func applyEnv(cfg Config) Config {
	cfg.HTTPAddr = EnvString("CONVSYNC_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("CONVSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("CONVSYNC_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("CONVSYNC_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.IdleTimeout = EnvDuration("CONVSYNC_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("CONVSYNC_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("CONVSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("CONVSYNC_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("CONVSYNC_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("CONVSYNC_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBApplySchema = EnvBool("CONVSYNC_DB_APPLY_SCHEMA", cfg.DBApplySchema)
	cfg.ReadinessRequireDB = EnvBool("CONVSYNC_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.RedisURL = EnvString("CONVSYNC_REDIS_URL", cfg.RedisURL)
	cfg.ProfileTTL = EnvDuration("CONVSYNC_PROFILE_TTL", cfg.ProfileTTL)
	cfg.NotifyQueue = EnvString("CONVSYNC_NOTIFY_QUEUE", cfg.NotifyQueue)

	cfg.PageSize = EnvInt("CONVSYNC_PAGE_SIZE", cfg.PageSize)
	cfg.MaxResident = EnvInt("CONVSYNC_MAX_RESIDENT", cfg.MaxResident)

	g := &cfg.Gateway
	g.OriginRequired = EnvBool("CONVSYNC_WS_ORIGIN_REQUIRED", g.OriginRequired)
	g.AllowedOrigins = EnvList("CONVSYNC_WS_ALLOWED_ORIGINS", g.AllowedOrigins)
	g.DevInsecure = EnvBool("CONVSYNC_WS_DEV_INSECURE", g.DevInsecure)
	g.RequireKnownUser = EnvBool("CONVSYNC_WS_REQUIRE_KNOWN_USER", g.RequireKnownUser)
	g.MaxMessageChars = EnvInt("CONVSYNC_WS_MAX_MESSAGE_CHARS", g.MaxMessageChars)
	g.MaxSubscriptions = EnvInt("CONVSYNC_WS_MAX_SUBSCRIPTIONS", g.MaxSubscriptions)
	g.RateEvents = EnvInt("CONVSYNC_WS_RATE_EVENTS", g.RateEvents)
	g.RateWindow = EnvDuration("CONVSYNC_WS_RATE_WINDOW", g.RateWindow)
	g.HeartbeatInterval = EnvDuration("CONVSYNC_WS_HEARTBEAT_INTERVAL", g.HeartbeatInterval)
	return cfg
}
