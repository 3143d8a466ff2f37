// Package app wires the convsync server runtime: config, logging, the remote store,
// HTTP routes and the websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"

	"convsync/cmd/internal/gateway"
	"convsync/cmd/internal/remote"
)

// App is the server runtime. It owns the store, its pools and the HTTP server.
type App struct {
	cfg Config
	log *slog.Logger

	reg         *prometheus.Registry
	httpMetrics *HTTPMetrics

	store remote.Store
	pool  *pgxpool.Pool
	redis *redis.Client

	gw *gateway.Gateway
}

// New constructs a fully wired App. Close releases what New acquired.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		return nil, errors.New("app: nil logger")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{cfg: cfg, log: log, reg: reg, httpMetrics: NewHTTPMetrics(reg)}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	gw, err := gateway.New(a.store, gateway.Options{
		Logger:            log,
		Metrics:           gateway.NewMetrics(reg),
		OriginRequired:    cfg.Gateway.OriginRequired,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		DevInsecure:       cfg.Gateway.DevInsecure,
		RequireKnownUser:  cfg.Gateway.RequireKnownUser,
		MaxMessageChars:   cfg.Gateway.MaxMessageChars,
		MaxSubscriptions:  cfg.Gateway.MaxSubscriptions,
		RateEvents:        cfg.Gateway.RateEvents,
		RateWindow:        cfg.Gateway.RateWindow,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gw = gw
	return a, nil
}

// Handler returns the full HTTP handler (routes plus middleware).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log, a.httpMetrics))
}

// Run serves HTTP until ctx is canceled or the server fails. It does not Close the App.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "redis_enabled", a.redis != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close releases the store, the Redis client and the DB pool, in that order.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// openStore picks Postgres when a database URL is configured, else the in-memory store,
// applies the seed and overlays the Redis user cache when Redis is configured.
func (a *App) openStore(ctx context.Context) error {
	var (
		putConv func(remote.Conversation) error
		putUser func(remote.User) error
	)

	if a.cfg.DatabaseURL == "" {
		mem := remote.NewMemoryStore(remote.WithMemoryLogger(a.log))
		a.store = mem
		putConv, putUser = mem.PutConversation, mem.PutUser
		a.log.Info("db.disabled.inmemory_store")
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.pool = pool

		pg, err := remote.NewPostgresStore(pool, remote.WithSchema(a.cfg.DBSchema), remote.WithPostgresLogger(a.log))
		if err != nil {
			return err
		}
		a.store = pg
		if a.cfg.DBApplySchema {
			if err := pg.ApplySchema(ctx); err != nil {
				return err
			}
		}
		putConv = func(c remote.Conversation) error { return pg.PutConversation(ctx, c) }
		putUser = func(u remote.User) error { return pg.PutUser(ctx, u) }
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	}

	if err := applySeed(a.cfg.Seed, putConv, putUser); err != nil {
		return err
	}

	if a.cfg.RedisURL != "" {
		client, err := remote.OpenRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client

		users, err := remote.NewRedisUsers(client, a.store, a.cfg.ProfileTTL, a.log)
		if err != nil {
			return err
		}
		a.store = remote.WithUsers(a.store, users)
		a.log.Info("redis.enabled.user_cache", "ttl", a.cfg.ProfileTTL)
	}
	return nil
}

func applySeed(seed Seed, putConv func(remote.Conversation) error, putUser func(remote.User) error) error {
	for _, u := range seed.Users {
		if err := putUser(remote.User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Tagline: u.Tagline}); err != nil {
			return fmt.Errorf("seed user %q: %w", u.ID, err)
		}
	}
	for _, c := range seed.Conversations {
		if err := putConv(remote.Conversation{ID: c.ID, Kind: remote.Kind(c.Kind), Members: c.Members}); err != nil {
			return fmt.Errorf("seed conversation %q: %w", c.ID, err)
		}
	}
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
