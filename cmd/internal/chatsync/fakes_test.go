package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"convsync/cmd/internal/notify"
	"convsync/cmd/internal/remote"
)

// scriptedStore is a MemoryStore whose FetchPage/Subscribe can be intercepted.
type scriptedStore struct {
	*remote.MemoryStore

	mu           sync.Mutex
	fetches      int
	subscribes   int
	onFetch      func(in remote.FetchPageInput) (remote.Page, bool, error)
	subscribeErr error
	// subscribeGate, when set, holds Subscribe until it is closed.
	subscribeGate chan struct{}
}

func newScriptedStore(t *testing.T) *scriptedStore {
	t.Helper()

	m := remote.NewMemoryStore()
	t.Cleanup(func() { _ = m.Close() })
	return &scriptedStore{MemoryStore: m}
}

func (s *scriptedStore) FetchPage(ctx context.Context, in remote.FetchPageInput) (remote.Page, error) {
	s.mu.Lock()
	s.fetches++
	hook := s.onFetch
	s.mu.Unlock()

	if hook != nil {
		if p, handled, err := hook(in); handled {
			return p, err
		}
	}
	return s.MemoryStore.FetchPage(ctx, in)
}

func (s *scriptedStore) Subscribe(ctx context.Context, in remote.SubscribeInput) (remote.Subscription, error) {
	s.mu.Lock()
	s.subscribes++
	err, gate := s.subscribeErr, s.subscribeGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Subscribe(ctx, in)
}

func (s *scriptedStore) setFetch(fn func(in remote.FetchPageInput) (remote.Page, bool, error)) {
	s.mu.Lock()
	s.onFetch = fn
	s.mu.Unlock()
}

func (s *scriptedStore) setSubscribeErr(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

func (s *scriptedStore) counts() (fetches, subscribes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, s.subscribes
}

func mustPutConversation(t *testing.T, s *scriptedStore, id string, members ...string) {
	t.Helper()
	if err := s.PutConversation(remote.Conversation{ID: id, Kind: remote.KindGroup, Members: members}); err != nil {
		t.Fatalf("put conversation %s: %v", id, err)
	}
}

func mustAppend(t *testing.T, s remote.Store, convID, sender, text string) remote.Record {
	t.Helper()

	res, err := s.Append(context.Background(), remote.AppendInput{
		ConversationID: convID,
		ClientMsgID:    fmt.Sprintf("%s-%s-%d", convID, text, time.Now().UnixNano()),
		SenderID:       sender,
		Text:           text,
	})
	if err != nil {
		t.Fatalf("append %s/%s: %v", convID, text, err)
	}
	return res.Stored
}

func mustNewRegistry(t *testing.T, s remote.Store, user string, cfg Config, opts ...Option) *Registry {
	t.Helper()

	r, err := New(s, StaticSession(user), cfg, opts...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageIDs(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func assertOrdered(t *testing.T, msgs []Message) {
	t.Helper()

	seen := make(map[string]struct{}, len(msgs))
	for i, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("duplicate id %s at %d", m.ID, i)
		}
		seen[m.ID] = struct{}{}
		if i > 0 && !msgs[i-1].CreatedAt.After(m.CreatedAt) {
			t.Fatalf("not strictly descending at %d: %v then %v", i, msgs[i-1].CreatedAt, m.CreatedAt)
		}
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return n.err
}

func (n *recordingNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

// countingUsers counts point reads and fails for ids in failing.
type countingUsers struct {
	mu      sync.Mutex
	users   map[string]remote.User
	failing map[string]bool
	reads   map[string]int
	gate    chan struct{}
}

func newCountingUsers(users ...remote.User) *countingUsers {
	c := &countingUsers{
		users:   make(map[string]remote.User),
		failing: make(map[string]bool),
		reads:   make(map[string]int),
	}
	for _, u := range users {
		c.users[u.ID] = u
	}
	return c
}

func (c *countingUsers) GetUser(ctx context.Context, userID string) (remote.User, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return remote.User{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[userID]++
	if c.failing[userID] {
		return remote.User{}, errors.New("directory unavailable")
	}
	u, ok := c.users[userID]
	if !ok {
		return remote.User{}, remote.ErrNotFound
	}
	return u, nil
}

func (c *countingUsers) readsOf(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[userID]
}

func (c *countingUsers) setFailing(userID string, failing bool) {
	c.mu.Lock()
	c.failing[userID] = failing
	c.mu.Unlock()
}
