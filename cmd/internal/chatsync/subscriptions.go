package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"convsync/cmd/internal/remote"
)

// SubState is the per-conversation subscription state.
//
//	Closed -> Opening -> Active -> Closed
//	Opening/Active -> Error (left only by an explicit Ensure)
type SubState int

const (
	SubClosed SubState = iota
	SubOpening
	SubActive
	SubError
)

func (s SubState) String() string {
	switch s {
	case SubClosed:
		return "closed"
	case SubOpening:
		return "opening"
	case SubActive:
		return "active"
	case SubError:
		return "error"
	default:
		return "unknown"
	}
}

// Handle is a snapshot of a conversation's subscription.
type Handle struct {
	ConversationID string
	// Watermark is the newest CreatedAt delivered (or the subscribe watermark).
	Watermark time.Time
	// Gen identifies one subscribe attempt; pushes from older generations are dropped.
	Gen   uint64
	State SubState
	Err   error
}

// Sink receives the pushes of one subscription. Both callbacks run on the
// listener's goroutine, never under the manager lock.
type Sink struct {
	Deliver func(recs []remote.Record)
	Failed  func(err error)
}

// ErrRetired is returned by Ensure when Retire won the race against an in-flight subscribe.
var ErrRetired = errors.New("subscription retired while opening")

// Subscriptions owns at most one live change-feed listener per conversation.
//
// Concurrency notes:
//   - Ensure callers that arrive while a subscribe is in flight wait for it and share its outcome.
//   - Retire during Opening cancels the handle as soon as the subscribe returns.
//   - Every push is checked against the generation that produced it, so a late
//     batch from a retired listener is dropped.
type Subscriptions struct {
	feed    *Feed
	log     *slog.Logger
	metrics *Metrics
	limit   int

	mu      sync.Mutex
	nextGen uint64
	entries map[string]*subEntry
}

type subEntry struct {
	gen       uint64
	state     SubState
	watermark time.Time
	sub       remote.Subscription
	err       error
	sink      Sink
	ready     chan struct{} // closed when the subscribe attempt of gen returns
}

// NewSubscriptions constructs a manager. limit bounds the zero-watermark backlog.
func NewSubscriptions(feed *Feed, limit int, log *slog.Logger, metrics *Metrics) (*Subscriptions, error) {
	if feed == nil {
		return nil, errors.New("chatsync: nil feed")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Subscriptions{
		feed:    feed,
		log:     log,
		metrics: metrics,
		limit:   limit,
		entries: make(map[string]*subEntry),
	}, nil
}

func (s *Subscriptions) handleLocked(conversationID string, e *subEntry) Handle {
	return Handle{
		ConversationID: conversationID,
		Watermark:      e.watermark,
		Gen:            e.gen,
		State:          e.state,
		Err:            e.err,
	}
}

// Ensure makes sure a listener is live for conversationID. It is a no-op when one is
// Active (the existing handle is returned) and never subscribes twice. From Closed or
// Error it subscribes after watermark (zero: no watermark) and delivers to sink.
func (s *Subscriptions) Ensure(ctx context.Context, conversationID string, watermark time.Time, sink Sink) (Handle, error) {
	for {
		s.mu.Lock()
		e := s.entries[conversationID]
		if e != nil && e.state == SubActive {
			h := s.handleLocked(conversationID, e)
			s.mu.Unlock()
			return h, nil
		}
		if e != nil && e.state == SubOpening {
			ready := e.ready
			s.mu.Unlock()

			select {
			case <-ctx.Done():
				return Handle{ConversationID: conversationID, State: SubOpening}, ctx.Err()
			case <-ready:
			}

			s.mu.Lock()
			if s.entries[conversationID] == e && e.state == SubError {
				h := s.handleLocked(conversationID, e)
				s.mu.Unlock()
				return h, h.Err
			}
			s.mu.Unlock()
			continue
		}

		// Closed or Error: start a new attempt.
		var stale remote.Subscription
		if e != nil {
			stale = e.sub
		}
		s.nextGen++
		e = &subEntry{
			gen:       s.nextGen,
			state:     SubOpening,
			watermark: watermark,
			sink:      sink,
			ready:     make(chan struct{}),
		}
		s.entries[conversationID] = e
		s.mu.Unlock()

		if stale != nil {
			stale.Cancel()
		}
		return s.open(ctx, conversationID, e)
	}
}

func (s *Subscriptions) open(ctx context.Context, conversationID string, e *subEntry) (Handle, error) {
	gen := e.gen
	sub, err := s.feed.Subscribe(ctx, conversationID, e.watermark, s.limit,
		func(recs []remote.Record) { s.deliver(conversationID, gen, recs) },
		func(err error) { s.fail(conversationID, gen, err) },
	)

	s.mu.Lock()
	defer close(e.ready)

	if s.entries[conversationID] != e {
		s.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		s.log.Debug("subscription.retired_while_opening", "conversation_id", conversationID, "gen", gen)
		return Handle{ConversationID: conversationID, Gen: gen, State: SubClosed}, ErrRetired
	}

	if err != nil {
		e.state = SubError
		e.err = err
		h := s.handleLocked(conversationID, e)
		s.mu.Unlock()

		s.metrics.SubscriptionErrors.Inc()
		s.log.Warn("subscription.open.failed", "conversation_id", conversationID, "gen", gen, "err", err)
		return h, err
	}

	e.sub = sub
	if e.state == SubError {
		// The listener failed before Subscribe returned (e.g. backlog overflow).
		h := s.handleLocked(conversationID, e)
		s.mu.Unlock()
		sub.Cancel()
		return h, h.Err
	}
	e.state = SubActive
	h := s.handleLocked(conversationID, e)
	s.mu.Unlock()

	s.metrics.ActiveSubscriptions.Inc()
	s.log.Debug("subscription.active", "conversation_id", conversationID, "gen", gen, "watermark", h.Watermark)
	return h, nil
}

func (s *Subscriptions) deliver(conversationID string, gen uint64, recs []remote.Record) {
	s.mu.Lock()
	e := s.entries[conversationID]
	if e == nil || e.gen != gen || (e.state != SubActive && e.state != SubOpening) {
		s.mu.Unlock()
		s.metrics.LatePushes.Inc()
		return
	}
	for _, r := range recs {
		if r.CreatedAt.After(e.watermark) {
			e.watermark = r.CreatedAt
		}
	}
	deliver := e.sink.Deliver
	s.mu.Unlock()

	if deliver != nil {
		deliver(recs)
	}
}

func (s *Subscriptions) fail(conversationID string, gen uint64, err error) {
	s.mu.Lock()
	e := s.entries[conversationID]
	if e == nil || e.gen != gen || (e.state != SubActive && e.state != SubOpening) {
		s.mu.Unlock()
		return
	}
	wasActive := e.state == SubActive
	e.state = SubError
	e.err = err
	failed := e.sink.Failed
	s.mu.Unlock()

	if wasActive {
		s.metrics.ActiveSubscriptions.Dec()
	}
	s.metrics.SubscriptionErrors.Inc()
	s.log.Warn("subscription.error", "conversation_id", conversationID, "gen", gen, "err", err)

	if failed != nil {
		failed(err)
	}
}

// Retire cancels the listener of conversationID (if any) and transitions to Closed.
// It reports whether there was anything to retire.
func (s *Subscriptions) Retire(conversationID string) bool {
	return s.retire(conversationID, 0)
}

// RetireHandle retires only if h is still the current attempt.
func (s *Subscriptions) RetireHandle(h Handle) bool {
	if h.Gen == 0 {
		return false
	}
	return s.retire(h.ConversationID, h.Gen)
}

func (s *Subscriptions) retire(conversationID string, gen uint64) bool {
	s.mu.Lock()
	e := s.entries[conversationID]
	if e == nil || (gen != 0 && e.gen != gen) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, conversationID)
	sub, state := e.sub, e.state
	s.mu.Unlock()

	if state == SubActive {
		s.metrics.ActiveSubscriptions.Dec()
	}
	if sub != nil {
		sub.Cancel()
	}
	s.log.Debug("subscription.retired", "conversation_id", conversationID, "gen", e.gen, "state", state.String())
	return true
}

// State returns the current handle of conversationID (State is SubClosed when none).
func (s *Subscriptions) State(conversationID string) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[conversationID]
	if e == nil {
		return Handle{ConversationID: conversationID, State: SubClosed}
	}
	return s.handleLocked(conversationID, e)
}

// Live returns the number of conversations with an Opening or Active listener.
func (s *Subscriptions) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.state == SubActive || e.state == SubOpening {
			n++
		}
	}
	return n
}

// RetireAll retires every listener (shutdown).
func (s *Subscriptions) RetireAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Retire(id)
	}
}
