package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"convsync/cmd/internal/ids"
	"convsync/cmd/internal/notify"
	"convsync/cmd/internal/remote"
)

// Registry is the process-wide table of open conversations.
//
// Ownership & locking:
//   - Registry owns every entry (conversation, cached messages, cursor) and mutates it only under mu.
//   - Network calls happen outside mu; results are applied only if the entry they were
//     issued for is still resident (pointer identity), so closed or evicted state is never revived.
//   - Lock order is mu, then the Subscriptions lock. Subscription sinks and observers run without mu.
//
// Resident group conversations are capped by Config.MaxResident with
// least-recently-touched eviction; direct conversations stay until Close.
// Open, LoadOlder, Send and View touch an entry; pushes do not.
//
// Concurrent Opens of one conversation share a single load that runs detached
// from any one caller's context (bounded by Config.OpenTimeout); each caller
// stops waiting when its own context ends.
type Registry struct {
	cfg      Config
	log      *slog.Logger
	session  Session
	feed     *Feed
	profiles *ProfileCache
	pager    *Pager
	subs     *Subscriptions
	notifier notify.Notifier
	metrics  *Metrics

	opens singleflight.Group

	mu      sync.Mutex
	entries *residency
	listed  map[string]remote.Conversation

	obsMu     sync.RWMutex
	observers map[uint64]func(View)
	nextObs   uint64

	bg sync.WaitGroup
}

type entry struct {
	id           string
	conv         Conversation
	messages     []Message
	cursor       remote.Cursor
	anchored     bool // a non-empty page has set cursor
	loadingOlder bool
	subErr       error
	closed       bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithNotifier sets the notifier used after Send (default notify.Nop).
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithMetrics sets the metrics sink (default unregistered collectors).
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New constructs a Registry over store for session.
func New(store remote.Store, session Session, cfg Config, opts ...Option) (*Registry, error) {
	if session == nil {
		return nil, errors.New("chatsync: nil session")
	}

	r := &Registry{
		cfg:       cfg.withDefaults(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		session:   session,
		notifier:  notify.Nop{},
		listed:    make(map[string]remote.Conversation),
		observers: make(map[uint64]func(View)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}

	feed, err := NewFeed(store)
	if err != nil {
		return nil, err
	}
	profiles, err := NewProfileCache(store, r.cfg.ProfileFanout, r.log, r.metrics)
	if err != nil {
		return nil, err
	}
	pager, err := NewPager(feed, profiles, r.cfg.PageSize, r.metrics)
	if err != nil {
		return nil, err
	}
	subs, err := NewSubscriptions(feed, r.cfg.PageSize, r.log, r.metrics)
	if err != nil {
		return nil, err
	}
	profiles.readTimeout = r.cfg.ProfileTimeout
	r.feed, r.profiles, r.pager, r.subs = feed, profiles, pager, subs

	entries, err := newResidency(r.cfg.MaxResident, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.entries = entries
	return r, nil
}

// onEvict runs with r.mu held (every entries mutation happens under it).
func (r *Registry) onEvict(id string, e *entry) {
	r.metrics.Resident.Set(float64(r.entries.Len()))
	if e.closed {
		return
	}
	e.closed = true
	r.subs.Retire(id)
	r.metrics.Evictions.Inc()
	r.log.Info("registry.evict", "conversation_id", id)
}

// Profiles exposes the shared profile cache.
func (r *Registry) Profiles() *ProfileCache { return r.profiles }

// Subscriptions exposes the subscription manager (read-only use: State, Live).
func (r *Registry) Subscriptions() *Subscriptions { return r.subs }

func (r *Registry) userID(op string) (string, error) {
	uid, ok := r.session.UserID()
	if !ok || uid == "" {
		return "", opErr(op, ErrNotAuthenticated, "no active session")
	}
	return uid, nil
}

// Open loads a conversation (metadata + newest page) and makes sure its change-feed
// subscription is live. When the conversation is already cached with messages it is
// returned as-is with alreadyLoaded=true; the subscription is still ensured, which
// is how a subscription in the Error state is explicitly re-opened.
func (r *Registry) Open(ctx context.Context, conversationID string) (View, bool, error) {
	const op = "open"

	if _, err := r.userID(op); err != nil {
		return View{}, false, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return View{}, false, opErr(op, ErrInvalidInput, "missing conversation id")
	}

	r.mu.Lock()
	e, ok := r.entries.Get(conversationID)
	loaded := ok && len(e.messages) > 0
	r.mu.Unlock()

	if loaded {
		r.metrics.Opens.WithLabelValues("cached").Inc()
		err := r.ensureSubscribed(ctx, e)
		v, _ := r.snapshot(conversationID, false)
		return v, true, err
	}

	ch := r.opens.DoChan("open:"+conversationID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpenTimeout)
		defer cancel()
		return r.load(lctx, conversationID)
	})
	var (
		res any
		err error
	)
	select {
	case <-ctx.Done():
		return View{}, false, classify(op, ctx.Err())
	case out := <-ch:
		res, err = out.Val, out.Err
	}
	if err != nil {
		r.metrics.Opens.WithLabelValues("error").Inc()
		return View{}, false, err
	}
	r.metrics.Opens.WithLabelValues("loaded").Inc()

	v, ok := r.snapshot(conversationID, false)
	if !ok {
		return View{}, false, opErr(op, ErrNotFound, "conversation closed while opening")
	}
	r.notify(v)

	// The view stays usable when only the subscription failed.
	subErr, _ := res.(error)
	return v, false, subErr
}

// load resolves metadata, fetches the newest page and installs the entry, then
// subscribes. The returned value is the subscription error, if any; the entry
// stays installed in that case.
func (r *Registry) load(ctx context.Context, conversationID string) (any, error) {
	r.mu.Lock()
	meta, ok := r.listed[conversationID]
	r.mu.Unlock()

	if !ok {
		var err error
		meta, err = r.feed.Conversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
	}

	res, err := r.pager.Load(ctx, PageRequest{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.entries.Get(conversationID)
	if !ok {
		e = &entry{id: conversationID, conv: conversationFromRemote(meta)}
		r.entries.Add(conversationID, e)
		r.metrics.Resident.Set(float64(r.entries.Len()))
	}
	e.conv = conversationFromRemote(meta)
	absorb(e, res.Messages)
	if len(res.Messages) > 0 {
		e.cursor = res.Next
		e.anchored = true
	}
	r.mu.Unlock()

	r.log.Info("registry.open", "conversation_id", conversationID, "messages", len(res.Messages), "at_history_start", len(res.Messages) > 0 && res.Next == "")

	if err := r.ensureSubscribed(ctx, e); err != nil {
		if IsNotFound(err) {
			// Closed while subscribing.
			return nil, err
		}
		return err, nil
	}
	return nil, nil
}

func (r *Registry) ensureSubscribed(ctx context.Context, e *entry) error {
	r.mu.Lock()
	if e.closed {
		r.mu.Unlock()
		return opErr("subscribe", ErrNotFound, "conversation closed")
	}
	var watermark time.Time
	if newest, ok := Newest(e.messages); ok {
		watermark = newest.CreatedAt
	}
	r.mu.Unlock()

	h, err := r.subs.Ensure(ctx, e.id, watermark, r.sinkFor(e))

	r.mu.Lock()
	current, ok := r.entries.Peek(e.id)
	gone := !ok || current != e || e.closed
	if !gone {
		e.subErr = err
	}
	r.mu.Unlock()

	if gone {
		// Closed or evicted while subscribing: do not leave a listener behind.
		r.subs.RetireHandle(h)
		return opErr("subscribe", ErrNotFound, "conversation closed")
	}
	if errors.Is(err, ErrRetired) {
		return nil
	}
	return err
}

func (r *Registry) sinkFor(e *entry) Sink {
	return Sink{
		Deliver: func(recs []remote.Record) { r.applyPush(e, recs) },
		Failed:  func(err error) { r.markSubscriptionError(e, err) },
	}
}

func (r *Registry) applyPush(e *entry, recs []remote.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProfileTimeout)
	msgs := r.profiles.Attach(ctx, recs)
	cancel()

	r.mu.Lock()
	current, ok := r.entries.Peek(e.id)
	if !ok || current != e || e.closed {
		r.mu.Unlock()
		r.metrics.LatePushes.Inc()
		return
	}
	absorb(e, msgs)
	r.mu.Unlock()

	r.metrics.PushBatches.Inc()
	r.notifyID(e.id)
}

func (r *Registry) markSubscriptionError(e *entry, err error) {
	r.mu.Lock()
	current, ok := r.entries.Peek(e.id)
	if !ok || current != e || e.closed {
		r.mu.Unlock()
		return
	}
	e.subErr = err
	r.mu.Unlock()

	r.notifyID(e.id)
}

// Close retires the conversation's subscription, then drops its cached state.
// Closing a conversation that is not open is a no-op.
func (r *Registry) Close(conversationID string) {
	r.subs.Retire(conversationID)

	r.mu.Lock()
	if e, ok := r.entries.Peek(conversationID); ok {
		e.closed = true
		r.entries.Remove(conversationID)
		r.metrics.Resident.Set(float64(r.entries.Len()))
	}
	r.mu.Unlock()

	r.log.Debug("registry.close", "conversation_id", conversationID)
}

// LoadOlder fetches the page preceding the oldest cached message.
//
//   - a completed page reported end of history: no fetch, AtHistoryStart=true
//   - another LoadOlder for the conversation is in flight: ErrAlreadyLoading
//   - records newer than the oldest message cached before the call are discarded
func (r *Registry) LoadOlder(ctx context.Context, conversationID string) (LoadResult, error) {
	const op = "load_older"

	r.mu.Lock()
	e, ok := r.entries.Get(conversationID)
	if !ok {
		r.mu.Unlock()
		return LoadResult{}, opErr(op, ErrNotFound, "conversation not open")
	}
	if e.loadingOlder {
		r.mu.Unlock()
		return LoadResult{}, opErr(op, ErrAlreadyLoading, "")
	}
	if e.anchored && e.cursor == "" {
		r.mu.Unlock()
		return LoadResult{AtHistoryStart: true}, nil
	}

	req := PageRequest{ConversationID: conversationID, Cursor: e.cursor}
	if oldest, ok := Oldest(e.messages); ok {
		req.Boundary = oldest.CreatedAt
		if !e.anchored {
			// Only pushes populated the cache so far: page back from the oldest of them.
			req.Cursor = cursorOf(oldest)
		}
	}
	e.loadingOlder = true
	r.mu.Unlock()
	r.notifyID(conversationID)

	res, err := r.pager.Load(ctx, req)

	r.mu.Lock()
	e.loadingOlder = false
	current, ok := r.entries.Peek(conversationID)
	if !ok || current != e || e.closed {
		r.mu.Unlock()
		return LoadResult{}, opErr(op, ErrNotFound, "conversation closed while loading")
	}
	if err != nil {
		r.mu.Unlock()
		r.notifyID(conversationID)
		return LoadResult{}, err
	}

	added := absorb(e, res.Messages)
	e.cursor = res.Next
	e.anchored = true
	out := LoadResult{Added: added, AtHistoryStart: e.cursor == ""}
	r.mu.Unlock()

	if res.Dropped > 0 {
		r.log.Debug("registry.load_older.dropped_newer", "conversation_id", conversationID, "dropped", res.Dropped)
	}
	r.notifyID(conversationID)
	return out, nil
}

// Send appends text as the session user to an open conversation, merges the stored
// record locally and queues a notification for the other members. Notification
// failures are logged and never fail the send.
func (r *Registry) Send(ctx context.Context, conversationID, text string) (Message, error) {
	const op = "send"

	uid, err := r.userID(op)
	if err != nil {
		return Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, opErr(op, ErrInvalidInput, "empty text")
	}
	if utf8.RuneCountInString(text) > r.cfg.MaxMessageChars {
		return Message{}, opErr(op, ErrInvalidInput, "text too long")
	}

	r.mu.Lock()
	e, ok := r.entries.Get(conversationID)
	if !ok {
		r.mu.Unlock()
		return Message{}, opErr(op, ErrNotFound, "conversation not open")
	}
	members := append([]string(nil), e.conv.Members...)
	r.mu.Unlock()

	now := time.Now().UTC()
	res, err := r.feed.Append(ctx, remote.AppendInput{
		ConversationID: conversationID,
		ClientMsgID:    ids.MustULID(now),
		SenderID:       uid,
		Text:           text,
		Now:            now,
	})
	if err != nil {
		return Message{}, err
	}

	msg := r.profiles.Attach(ctx, []remote.Record{res.Stored})[0]

	r.mu.Lock()
	if current, ok := r.entries.Peek(conversationID); ok && current == e && !e.closed {
		absorb(e, []Message{msg})
	}
	r.mu.Unlock()
	r.notifyID(conversationID)

	if !res.Duplicated {
		r.queueNotification(msg, notify.Recipients(members, uid))
	}
	return msg, nil
}

func (r *Registry) queueNotification(msg Message, recipients []string) {
	if len(recipients) == 0 {
		return
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
		defer cancel()

		err := r.notifier.Notify(ctx, notify.Message{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			SenderName:     msg.Sender.Name,
			Text:           msg.Text,
			Recipients:     recipients,
			CreatedAt:      msg.CreatedAt,
		})
		if err != nil {
			r.metrics.NotifyFailures.Inc()
			r.log.Warn("registry.notify.failed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "err", err)
		}
	}()
}

// ListConversations loads the session user's conversations (most recent activity
// first) and caches their metadata for subsequent Opens.
func (r *Registry) ListConversations(ctx context.Context) ([]Conversation, error) {
	uid, err := r.userID("list_conversations")
	if err != nil {
		return nil, err
	}

	cs, err := r.feed.Conversations(ctx, uid, r.cfg.ListLimit)
	if err != nil {
		return nil, err
	}

	listed := make(map[string]remote.Conversation, len(cs))
	out := make([]Conversation, 0, len(cs))
	for _, c := range cs {
		listed[c.ID] = c
		out = append(out, conversationFromRemote(c))
	}

	r.mu.Lock()
	r.listed = listed
	r.mu.Unlock()
	return out, nil
}

// AddMembers atomically adds users to a conversation.
func (r *Registry) AddMembers(ctx context.Context, conversationID string, userIDs ...string) (Conversation, error) {
	return r.updateMembers(ctx, "add_members", remote.MembersUpdate{ConversationID: conversationID, Add: userIDs})
}

// RemoveMembers atomically removes users from a conversation.
func (r *Registry) RemoveMembers(ctx context.Context, conversationID string, userIDs ...string) (Conversation, error) {
	return r.updateMembers(ctx, "remove_members", remote.MembersUpdate{ConversationID: conversationID, Remove: userIDs})
}

func (r *Registry) updateMembers(ctx context.Context, op string, in remote.MembersUpdate) (Conversation, error) {
	if _, err := r.userID(op); err != nil {
		return Conversation{}, err
	}
	if len(in.Add) == 0 && len(in.Remove) == 0 {
		return Conversation{}, opErr(op, ErrInvalidInput, "no members given")
	}

	c, err := r.feed.UpdateMembers(ctx, in)
	if err != nil {
		return Conversation{}, err
	}

	r.mu.Lock()
	if _, ok := r.listed[c.ID]; ok {
		r.listed[c.ID] = c
	}
	e, open := r.entries.Peek(c.ID)
	if open {
		e.conv.Kind = Kind(c.Kind)
		e.conv.Members = append([]string(nil), c.Members...)
		e.conv.MemberCount = c.MemberCount
	}
	r.mu.Unlock()

	if open {
		r.notifyID(c.ID)
	}
	return conversationFromRemote(c), nil
}

// View returns a snapshot of an open conversation (and touches it).
func (r *Registry) View(conversationID string) (View, bool) {
	return r.snapshot(conversationID, true)
}

// Resident returns the ids of resident conversations: direct ones sorted, then
// group ones least recently touched first.
func (r *Registry) Resident() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Keys()
}

func (r *Registry) snapshot(conversationID string, touch bool) (View, bool) {
	r.mu.Lock()
	var (
		e  *entry
		ok bool
	)
	if touch {
		e, ok = r.entries.Get(conversationID)
	} else {
		e, ok = r.entries.Peek(conversationID)
	}
	if !ok {
		r.mu.Unlock()
		return View{}, false
	}
	v := View{
		Conversation:    e.conv,
		Messages:        append([]Message(nil), e.messages...),
		AtHistoryStart:  e.anchored && e.cursor == "",
		LoadingOlder:    e.loadingOlder,
		SubscriptionErr: e.subErr,
	}
	v.Conversation.Members = append([]string(nil), e.conv.Members...)
	r.mu.Unlock()

	h := r.subs.State(conversationID)
	v.Subscription = h.State
	if h.Err != nil {
		v.SubscriptionErr = h.Err
	}
	return v, true
}

// Observe registers fn to receive a View after every change of an open conversation.
// fn runs on the goroutine that made the change and must not block.
func (r *Registry) Observe(fn func(View)) (cancel func()) {
	r.obsMu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn
	r.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.obsMu.Lock()
			delete(r.observers, id)
			r.obsMu.Unlock()
		})
	}
}

func (r *Registry) notifyID(conversationID string) {
	v, ok := r.snapshot(conversationID, false)
	if !ok {
		return
	}
	r.notify(v)
}

func (r *Registry) notify(v View) {
	r.obsMu.RLock()
	fns := make([]func(View), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Shutdown retires every subscription, drops all entries and waits for queued notifications.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.subs.RetireAll()

	r.mu.Lock()
	for _, id := range r.entries.Keys() {
		if e, ok := r.entries.Peek(id); ok {
			e.closed = true
		}
	}
	r.entries.Purge()
	r.metrics.Resident.Set(0)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// absorb merges msgs into e and keeps the summary in step. Only records newer
// than the summary's last message are counted; older ones are already part of
// MessageCount. It returns the number of messages that were not cached before.
func absorb(e *entry, msgs []Message) int {
	known := make(map[string]struct{}, len(e.messages)+len(msgs))
	for _, m := range e.messages {
		known[m.ID] = struct{}{}
	}
	var fresh int64
	for _, m := range msgs {
		if _, ok := known[m.ID]; ok {
			continue
		}
		known[m.ID] = struct{}{}
		if m.CreatedAt.After(e.conv.LastMessageAt) {
			fresh++
		}
	}

	before := len(e.messages)
	e.messages = Merge(e.messages, msgs)
	e.conv.MessageCount += fresh
	summarize(&e.conv, e.messages)
	return len(e.messages) - before
}

// cursorOf is the page cursor positioned at m.
func cursorOf(m Message) remote.Cursor {
	return remote.CursorOf(remote.Record{ID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID, CreatedAt: m.CreatedAt})
}

// summarize refreshes the summary fields from the newest cached message.
func summarize(c *Conversation, msgs []Message) {
	newest, ok := Newest(msgs)
	if !ok || !newest.CreatedAt.After(c.LastMessageAt) {
		return
	}
	c.LastMessage = newest.Text
	c.LastMessageAt = newest.CreatedAt
}
