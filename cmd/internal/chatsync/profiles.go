package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"convsync/cmd/internal/remote"
)

const (
	// UnknownName is the display name of placeholder profiles.
	UnknownName = "Unknown"
	// DefaultAvatar is the avatar of placeholder profiles and of users without one.
	DefaultAvatar = "convsync:avatar/default"
)

// ProfileCache memoizes sender profiles for the lifetime of the engine.
//
// Entries are immutable once memoized and never evicted; profile edits are not
// observed. An absent user is memoized as a placeholder. A failed read returns a
// placeholder without memoizing it, so the next resolution retries.
//
// A read shared by concurrent resolutions runs detached from the callers'
// contexts and is bounded by readTimeout; a caller whose context ends gets an
// unmemoized placeholder while the read completes for the others.
type ProfileCache struct {
	users   remote.UserReader
	log     *slog.Logger
	metrics *Metrics
	fanout  int

	readTimeout time.Duration
	group       singleflight.Group

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileCache constructs a cache over users. fanout bounds concurrent reads in Attach.
func NewProfileCache(users remote.UserReader, fanout int, log *slog.Logger, metrics *Metrics) (*ProfileCache, error) {
	if users == nil {
		return nil, errors.New("chatsync: nil user reader")
	}
	if fanout <= 0 {
		fanout = DefaultProfileFanout
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ProfileCache{
		users:       users,
		log:         log,
		metrics:     metrics,
		fanout:      fanout,
		readTimeout: DefaultProfileTimeout,
		profiles:    make(map[string]Profile),
	}, nil
}

// Placeholder returns the stand-in profile for userID.
func Placeholder(userID string) Profile {
	return Profile{UserID: userID, Name: UnknownName, Avatar: DefaultAvatar, Placeholder: true}
}

// Resolve returns the profile of userID. It never fails: lookups that cannot be
// completed degrade to Placeholder(userID). Concurrent lookups of one id share a read.
func (c *ProfileCache) Resolve(ctx context.Context, userID string) Profile {
	if userID == "" {
		return Placeholder(userID)
	}

	c.mu.RLock()
	p, ok := c.profiles[userID]
	c.mu.RUnlock()
	if ok {
		c.metrics.ProfileLookups.WithLabelValues("hit").Inc()
		return p
	}

	ch := c.group.DoChan(userID, func() (any, error) {
		c.mu.RLock()
		p, ok := c.profiles[userID]
		c.mu.RUnlock()
		if ok {
			return p, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.readTimeout)
		defer cancel()
		u, err := c.users.GetUser(rctx, userID)
		switch {
		case err == nil:
			p = profileFromUser(u)
			c.metrics.ProfileLookups.WithLabelValues("fetched").Inc()
		case errors.Is(err, remote.ErrNotFound):
			p = Placeholder(userID)
			c.metrics.ProfileLookups.WithLabelValues("absent").Inc()
		default:
			c.metrics.ProfileLookups.WithLabelValues("failed").Inc()
			c.log.Warn("profiles.resolve.failed", "user_id", userID, "err", err)
			return Placeholder(userID), nil
		}

		c.mu.Lock()
		c.profiles[userID] = p
		c.mu.Unlock()
		return p, nil
	})

	select {
	case <-ctx.Done():
		c.metrics.ProfileLookups.WithLabelValues("canceled").Inc()
		return Placeholder(userID)
	case res := <-ch:
		return res.Val.(Profile)
	}
}

// Attach converts records to messages, resolving each distinct sender once.
// Each record degrades to a placeholder independently.
func (c *ProfileCache) Attach(ctx context.Context, recs []remote.Record) []Message {
	if len(recs) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		resolved = make(map[string]Profile, len(recs))
		g        errgroup.Group
	)
	g.SetLimit(c.fanout)

	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.SenderID]; ok {
			continue
		}
		seen[r.SenderID] = struct{}{}

		userID := r.SenderID
		g.Go(func() error {
			p := c.Resolve(ctx, userID)
			mu.Lock()
			resolved[userID] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, messageFromRecord(r, resolved[r.SenderID]))
	}
	return out
}

// Len returns the number of memoized profiles.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}

func profileFromUser(u remote.User) Profile {
	p := Profile{UserID: u.ID, Name: u.DisplayName, Avatar: u.AvatarURL, Tagline: u.Tagline}
	if p.Name == "" {
		p.Name = UnknownName
	}
	if p.Avatar == "" {
		p.Avatar = DefaultAvatar
	}
	return p
}
