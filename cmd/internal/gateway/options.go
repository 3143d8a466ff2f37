package gateway

import (
	"log/slog"
	"time"
)

// Limits and defaults. Every value can be overridden through Options.
const (
	// Max bytes per websocket frame read (hard limit).
	defaultMaxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	defaultMaxMessageChars = 4000

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection rate limits (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	// Max subscriptions per connection.
	defaultMaxSubscriptions = 64

	maxUserIDLen = 128
)

// DefaultAllowedOrigins is the dev allowlist (localhost only).
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Options configures a Gateway. Zero values fall back to the defaults above,
// except OriginRequired and AllowedOrigins which are taken as given.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins is matched by full origin or by host. "*" allows any origin.
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification (dev only).
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxFrameBytes    int64
	MaxMessageChars  int
	MaxSubscriptions int

	// RequireKnownUser rejects hello for user ids the store does not know.
	RequireKnownUser bool
}

// DefaultOptions returns secure defaults: origin required, localhost allowlist.
func DefaultOptions() Options {
	return Options{
		OriginRequired: true,
		AllowedOrigins: append([]string(nil), DefaultAllowedOrigins...),
	}
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = defaultReadIdle
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = minSendQueueSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.RateEvents <= 0 {
		o.RateEvents = defaultRateEvents
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.MaxMessageChars <= 0 {
		o.MaxMessageChars = defaultMaxMessageChars
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = defaultMaxSubscriptions
	}
	return o
}
