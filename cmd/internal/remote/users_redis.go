package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultUserTTL = 10 * time.Minute

// RedisUsers is a read-through user directory cache shared across engine processes.
// Misses and Redis failures fall through to next; only found users are cached.
type RedisUsers struct {
	client *redis.Client
	next   UserReader
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

// OpenRedis parses a redis:// URL and verifies connectivity.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: empty url")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// NewRedisUsers wraps next with a Redis cache. ttl <= 0 uses 10 minutes.
func NewRedisUsers(client *redis.Client, next UserReader, ttl time.Duration, log *slog.Logger) (*RedisUsers, error) {
	if client == nil {
		return nil, errors.New("remote: nil redis client")
	}
	if next == nil {
		return nil, errors.New("remote: nil user reader")
	}
	if ttl <= 0 {
		ttl = defaultUserTTL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisUsers{client: client, next: next, ttl: ttl, prefix: "convsync:user:", log: log}, nil
}

var _ UserReader = (*RedisUsers)(nil)

// GetUser serves userID from Redis when cached, otherwise from next (and caches it).
func (r *RedisUsers) GetUser(ctx context.Context, userID string) (User, error) {
	key := r.prefix + userID

	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var u User
		if jerr := json.Unmarshal(raw, &u); jerr == nil && u.ID == userID {
			return u, nil
		}
		r.log.Warn("users.cache.corrupt", "user_id", userID)
	case errors.Is(err, redis.Nil):
	default:
		if ctx.Err() != nil {
			return User{}, ctx.Err()
		}
		r.log.Warn("users.cache.get_failed", "user_id", userID, "err", err)
	}

	u, err := r.next.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}

	if b, jerr := json.Marshal(u); jerr == nil {
		if serr := r.client.Set(ctx, key, b, r.ttl).Err(); serr != nil {
			r.log.Warn("users.cache.set_failed", "user_id", userID, "err", serr)
		}
	}
	return u, nil
}

// Invalidate drops cached users (e.g. after a profile edit).
func (r *RedisUsers) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, r.prefix+id)
	}
	return r.client.Del(ctx, keys...).Err()
}
