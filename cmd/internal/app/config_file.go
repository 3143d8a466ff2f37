package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the TOML layout. Pointers distinguish "unset" from zero values.
type fileConfig struct {
	HTTPAddr  *string `toml:"http_addr"`
	LogLevel  *string `toml:"log_level"`
	LogFormat *string `toml:"log_format"`

	ReadHeaderTimeout *duration `toml:"read_header_timeout"`
	IdleTimeout       *duration `toml:"idle_timeout"`

	Database struct {
		URL          *string `toml:"url"`
		Schema       *string `toml:"schema"`
		MaxConns     *int32  `toml:"max_conns"`
		MinConns     *int32  `toml:"min_conns"`
		ApplySchema  *bool   `toml:"apply_schema"`
		RequireReady *bool   `toml:"require_ready"`
	} `toml:"database"`

	Redis struct {
		URL         *string   `toml:"url"`
		ProfileTTL  *duration `toml:"profile_ttl"`
		NotifyQueue *string   `toml:"notify_queue"`
	} `toml:"redis"`

	Engine struct {
		PageSize    *int `toml:"page_size"`
		MaxResident *int `toml:"max_resident"`
	} `toml:"engine"`

	Gateway struct {
		OriginRequired    *bool     `toml:"origin_required"`
		AllowedOrigins    []string  `toml:"allowed_origins"`
		DevInsecure       *bool     `toml:"dev_insecure"`
		RequireKnownUser  *bool     `toml:"require_known_user"`
		MaxMessageChars   *int      `toml:"max_message_chars"`
		MaxSubscriptions  *int      `toml:"max_subscriptions"`
		RateEvents        *int      `toml:"rate_events"`
		RateWindow        *duration `toml:"rate_window"`
		HeartbeatInterval *duration `toml:"heartbeat_interval"`
	} `toml:"gateway"`

	Seed Seed `toml:"seed"`
}

// duration decodes Go duration strings ("10s", "5m").
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadConfigFile decodes the TOML file at path over cfg. Unknown keys are rejected.
func LoadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	fc.apply(cfg)
	return nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setDuration(&cfg.ReadHeaderTimeout, fc.ReadHeaderTimeout)
	setDuration(&cfg.IdleTimeout, fc.IdleTimeout)

	setString(&cfg.DatabaseURL, fc.Database.URL)
	setString(&cfg.DBSchema, fc.Database.Schema)
	setValue(&cfg.DBMaxConns, fc.Database.MaxConns)
	setValue(&cfg.DBMinConns, fc.Database.MinConns)
	setValue(&cfg.DBApplySchema, fc.Database.ApplySchema)
	setValue(&cfg.ReadinessRequireDB, fc.Database.RequireReady)

	setString(&cfg.RedisURL, fc.Redis.URL)
	setDuration(&cfg.ProfileTTL, fc.Redis.ProfileTTL)
	setString(&cfg.NotifyQueue, fc.Redis.NotifyQueue)

	setValue(&cfg.PageSize, fc.Engine.PageSize)
	setValue(&cfg.MaxResident, fc.Engine.MaxResident)

	g := &cfg.Gateway
	setValue(&g.OriginRequired, fc.Gateway.OriginRequired)
	if fc.Gateway.AllowedOrigins != nil {
		g.AllowedOrigins = fc.Gateway.AllowedOrigins
	}
	setValue(&g.DevInsecure, fc.Gateway.DevInsecure)
	setValue(&g.RequireKnownUser, fc.Gateway.RequireKnownUser)
	setValue(&g.MaxMessageChars, fc.Gateway.MaxMessageChars)
	setValue(&g.MaxSubscriptions, fc.Gateway.MaxSubscriptions)
	setValue(&g.RateEvents, fc.Gateway.RateEvents)
	setDuration(&g.RateWindow, fc.Gateway.RateWindow)
	setDuration(&g.HeartbeatInterval, fc.Gateway.HeartbeatInterval)

	cfg.Seed.Users = append(cfg.Seed.Users, fc.Seed.Users...)
	cfg.Seed.Conversations = append(cfg.Seed.Conversations, fc.Seed.Conversations...)
}

func setValue[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil && *v > 0 {
		*dst = time.Duration(*v)
	}
}
