package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"convsync/cmd/internal/ids"
)

const memMaxRecordsPerConversation = 10_000

// MemoryStore is an in-process Store for development, tests and the `serve --memory` mode.
// It supports:
//   - Append: idempotent per client_msg_id, strictly increasing timestamps
//   - FetchPage: newest-first windows with exclusive cursors
//   - Subscribe: backlog + live fan-out through the hub, published under the store lock
//     so listeners observe appends in commit order
type MemoryStore struct {
	log *slog.Logger
	hub *hub

	mu     sync.Mutex
	closed bool
	convs  map[string]*memConv
	users  map[string]User
}

type memConv struct {
	conv   Conversation
	lastTS time.Time
	dedupe map[string]Record // client_msg_id -> stored record
	recs   []Record          // ascending by CreatedAt
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	log       *slog.Logger
	queueSize int
}

// WithMemoryLogger sets the store logger.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(o *memoryOptions) { o.log = log }
}

// WithListenerQueue sets the per-listener delivery queue size.
func WithListenerQueue(n int) MemoryOption {
	return func(o *memoryOptions) { o.queueSize = n }
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{queueSize: defaultListenerQueue}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &MemoryStore{
		log:   o.log,
		hub:   newHub(o.log, o.queueSize),
		convs: make(map[string]*memConv),
		users: make(map[string]User),
	}
}

// PutConversation creates or replaces conversation metadata (members are normalized).
// Existing records are kept.
func (s *MemoryStore) PutConversation(c Conversation) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if c.Kind == "" {
		c.Kind = KindGroup
	}
	if c.Kind != KindDirect && c.Kind != KindGroup {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, c.Kind)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Members = normalizeMembers(c.Members, nil, nil)
	c.MemberCount = len(c.Members)

	s.mu.Lock()
	defer s.mu.Unlock()

	if mc := s.convs[c.ID]; mc != nil {
		c.MessageCount = mc.conv.MessageCount
		c.LastMessage = mc.conv.LastMessage
		c.LastMessageAt = mc.conv.LastMessageAt
		mc.conv = c
		return nil
	}
	s.convs[c.ID] = &memConv{
		conv:   c,
		dedupe: make(map[string]Record),
		recs:   make([]Record, 0, 64),
	}
	return nil
}

// PutUser creates or replaces a user record.
func (s *MemoryStore) PutUser(u User) error {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

// Close terminates every listener with ErrClosed. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.failAll(ErrClosed)
	return nil
}

// GetUser returns a user by id.
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return User{}, ErrClosed
	}
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// GetConversation returns conversation metadata by id.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Conversation{}, ErrClosed
	}
	mc := s.convs[conversationID]
	if mc == nil {
		return Conversation{}, ErrNotFound
	}
	return copyConversation(mc.conv), nil
}

// ListConversations returns the conversations userID belongs to, most recent activity first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]Conversation, 0, 16)
	for _, mc := range s.convs {
		if IsMember(mc.conv, userID) {
			out = append(out, copyConversation(mc.conv))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := activityOf(out[i]), activityOf(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMembers atomically applies member additions and removals.
func (s *MemoryStore) UpdateMembers(ctx context.Context, in MembersUpdate) (Conversation, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Conversation{}, ErrClosed
	}
	mc := s.convs[in.ConversationID]
	if mc == nil {
		return Conversation{}, ErrNotFound
	}
	mc.conv.Members = normalizeMembers(in.Add, in.Remove, mc.conv.Members)
	mc.conv.MemberCount = len(mc.conv.Members)
	return copyConversation(mc.conv), nil
}

// Append persists a record with idempotency and strictly increasing timestamps.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return AppendResult{}, ErrClosed
	}
	mc := s.convs[in.ConversationID]
	if mc == nil {
		return AppendResult{}, ErrNotFound
	}

	if existing, ok := mc.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	ts := nextTimestamp(now, mc.lastTS)
	rec := Record{
		ID:             ids.MustULID(ts),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Payload:        in.Payload,
		CreatedAt:      ts,
	}
	mc.lastTS = ts
	mc.dedupe[in.ClientMsgID] = rec
	mc.recs = append(mc.recs, rec)

	// Bound memory to avoid unbounded growth in dev.
	if len(mc.recs) > memMaxRecordsPerConversation {
		mc.recs = mc.recs[len(mc.recs)-memMaxRecordsPerConversation:]
	}

	mc.conv.MessageCount++
	mc.conv.LastMessage = rec.Text
	mc.conv.LastMessageAt = rec.CreatedAt

	s.hub.publish(in.ConversationID, []Record{rec})

	return AppendResult{Stored: rec}, nil
}

// FetchPage returns up to Limit records strictly older than Before, newest first.
func (s *MemoryStore) FetchPage(ctx context.Context, in FetchPageInput) (Page, error) {
	if in.ConversationID == "" {
		return Page{}, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Page{}, ErrClosed
	}
	mc := s.convs[in.ConversationID]
	if mc == nil {
		s.mu.Unlock()
		return Page{}, ErrNotFound
	}

	end := len(mc.recs)
	if in.Before != "" {
		end = -1
		for i := len(mc.recs) - 1; i >= 0; i-- {
			if mc.recs[i].ID == string(in.Before) {
				end = i
				break
			}
		}
		if end < 0 {
			s.mu.Unlock()
			return Page{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
		}
	}

	// Probe one extra record to know whether older records remain.
	start := end - (limit + 1)
	if start < 0 {
		start = 0
	}
	window := append([]Record(nil), mc.recs[start:end]...)
	s.mu.Unlock()

	hasMore := len(window) > limit
	if hasMore {
		window = window[1:]
	}

	out := make([]Record, len(window))
	for i := range window {
		out[i] = window[len(window)-1-i]
	}

	page := Page{Records: out}
	if hasMore {
		page.Next = CursorOf(out[len(out)-1])
	}
	return page, nil
}

// Subscribe registers a listener and replays the backlog newer than in.After.
// With a zero watermark the newest Limit records are replayed.
func (s *MemoryStore) Subscribe(ctx context.Context, in SubscribeInput) (Subscription, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if in.OnBatch == nil {
		return nil, fmt.Errorf("%w: missing OnBatch", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	mc := s.convs[in.ConversationID]
	if mc == nil {
		return nil, ErrNotFound
	}

	l := s.hub.add(in)

	var backlog []Record
	if in.After.IsZero() {
		limit := clampLimit(in.Limit)
		start := len(mc.recs) - limit
		if start < 0 {
			start = 0
		}
		backlog = mc.recs[start:]
	} else {
		idx := sort.Search(len(mc.recs), func(i int) bool {
			return mc.recs[i].CreatedAt.After(in.After)
		})
		backlog = mc.recs[idx:]
	}
	if len(backlog) > 0 {
		l.offer(append([]Record(nil), backlog...))
	}

	return l, nil
}

func copyConversation(c Conversation) Conversation {
	c.Members = append([]string(nil), c.Members...)
	return c
}

func activityOf(c Conversation) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}
