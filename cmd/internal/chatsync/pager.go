package chatsync

import (
	"context"
	"errors"
	"time"

	"convsync/cmd/internal/remote"
)

// Pager issues cursor-bounded history fetches and resolves their senders.
// It holds no per-conversation state; the registry owns cursors.
type Pager struct {
	feed     *Feed
	profiles *ProfileCache
	pageSize int
	metrics  *Metrics
}

// PageRequest describes one history fetch.
type PageRequest struct {
	ConversationID string
	// Cursor is empty for the newest page.
	Cursor remote.Cursor
	// Boundary, when set, drops fetched records newer than it (the oldest
	// record cached before the call), so a page never reaches forward in time.
	Boundary time.Time
}

// PageResult is a fetched page converted to messages, newest first.
type PageResult struct {
	Messages []Message
	// Next is empty when the store reported no older history.
	Next remote.Cursor
	// Dropped counts records removed by the boundary.
	Dropped int
}

// NewPager constructs a Pager. pageSize <= 0 uses DefaultPageSize.
func NewPager(feed *Feed, profiles *ProfileCache, pageSize int, metrics *Metrics) (*Pager, error) {
	if feed == nil || profiles == nil {
		return nil, errors.New("chatsync: pager needs a feed and a profile cache")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pager{feed: feed, profiles: profiles, pageSize: pageSize, metrics: metrics}, nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Load fetches one page.
func (p *Pager) Load(ctx context.Context, req PageRequest) (PageResult, error) {
	page, err := p.feed.FetchPage(ctx, req.ConversationID, p.pageSize, req.Cursor)
	if err != nil {
		return PageResult{}, err
	}
	p.metrics.PagesFetched.Inc()

	recs := page.Records
	dropped := 0
	if !req.Boundary.IsZero() {
		kept := make([]remote.Record, 0, len(recs))
		for _, r := range recs {
			if r.CreatedAt.After(req.Boundary) {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		recs = kept
	}

	return PageResult{
		Messages: p.profiles.Attach(ctx, recs),
		Next:     page.Next,
		Dropped:  dropped,
	}, nil
}
