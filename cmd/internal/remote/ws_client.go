package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"convsync/cmd/internal/ids"
	v1 "convsync/shared/contracts/feed/v1"
)

const (
	wsMaxReadBytes          = 1 << 20 // 1MiB
	defaultWSRequestTimeout = 10 * time.Second
)

// WSOptions configures DialWS.
type WSOptions struct {
	// UserID is announced in hello and becomes the sender of every Append.
	UserID string
	// Origin is sent as the handshake Origin header when set.
	Origin string
	// RequestTimeout bounds requests whose context carries no deadline.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// WSClient implements Store over the convsync.feed.v1 websocket protocol.
//
// Requests are correlated by envelope id. Pushes are routed by the sub_id chosen
// here at subscribe time, so the listener exists before the server can push.
// The read loop never blocks on listeners: delivery runs on each listener's goroutine.
type WSClient struct {
	conn      *websocket.Conn
	log       *slog.Logger
	userID    string
	sessionID string
	timeout   time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	subs    map[string]*listener
	err     error
}

// DialWS connects to a gateway, performs the hello handshake and starts the read loop.
func DialWS(ctx context.Context, wsURL string, opts WSOptions) (*WSClient, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultWSRequestTimeout
	}

	h := http.Header{}
	if strings.TrimSpace(opts.Origin) != "" {
		h.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("dial %s: server selected subprotocol %q", wsURL, got)
	}
	conn.SetReadLimit(wsMaxReadBytes)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:    conn,
		log:     log,
		userID:  opts.UserID,
		timeout: timeout,
		ctx:     loopCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan v1.Envelope),
		subs:    make(map[string]*listener),
	}
	go c.readLoop()

	var ack v1.HelloAckPayload
	if err := c.call(ctx, v1.TypeHello, v1.HelloPayload{UserID: opts.UserID}, v1.TypeHelloAck, &ack); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	c.sessionID = ack.SessionID

	log.Info("feed.client.connected", "url", wsURL, "session_id", ack.SessionID, "user_id", opts.UserID)
	return c, nil
}

// SessionID returns the server-assigned session id.
func (c *WSClient) SessionID() string { return c.sessionID }

// UserID returns the user this connection is bound to.
func (c *WSClient) UserID() string { return c.userID }

// Close closes the connection and fails live listeners with ErrClosed. Idempotent.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
		<-c.done
	})
	return nil
}

func (c *WSClient) GetUser(ctx context.Context, userID string) (User, error) {
	var out v1.UserPayload
	if err := c.call(ctx, v1.TypeUserGet, v1.UserGetPayload{UserID: userID}, v1.TypeUser, &out); err != nil {
		return User{}, err
	}
	return userFromWire(out.User), nil
}

func (c *WSClient) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var out v1.ConversationPayload
	if err := c.call(ctx, v1.TypeConversationGet, v1.ConversationGetPayload{ConversationID: conversationID}, v1.TypeConversation, &out); err != nil {
		return Conversation{}, err
	}
	return conversationFromWire(out.Conversation), nil
}

// ListConversations lists the session user's conversations. userID must match the session user.
func (c *WSClient) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if userID != c.userID {
		return nil, fmt.Errorf("%w: connection is bound to user %q", ErrInvalidInput, c.userID)
	}
	var out v1.ConversationsPayload
	if err := c.call(ctx, v1.TypeConversationList, v1.ConversationListPayload{Limit: limit}, v1.TypeConversations, &out); err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(out.Conversations))
	for _, wc := range out.Conversations {
		convs = append(convs, conversationFromWire(wc))
	}
	return convs, nil
}

func (c *WSClient) UpdateMembers(ctx context.Context, in MembersUpdate) (Conversation, error) {
	var out v1.ConversationPayload
	req := v1.MembersUpdatePayload{ConversationID: in.ConversationID, Add: in.Add, Remove: in.Remove}
	if err := c.call(ctx, v1.TypeMembersUpdate, req, v1.TypeConversation, &out); err != nil {
		return Conversation{}, err
	}
	return conversationFromWire(out.Conversation), nil
}

// Append sends a record as the session user. in.Now is ignored: the server assigns time.
func (c *WSClient) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendResult{}, err
	}
	if in.SenderID != c.userID {
		return AppendResult{}, fmt.Errorf("%w: sender must be the session user", ErrInvalidInput)
	}

	var out v1.MessageAckPayload
	req := v1.MessageSendPayload{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		Text:           in.Text,
		Payload:        in.Payload,
	}
	if err := c.call(ctx, v1.TypeMessageSend, req, v1.TypeMessageAck, &out); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: recordFromWire(out.Record), Duplicated: out.Duplicated}, nil
}

func (c *WSClient) FetchPage(ctx context.Context, in FetchPageInput) (Page, error) {
	var out v1.PagePayload
	req := v1.PageFetchPayload{ConversationID: in.ConversationID, Limit: in.Limit, Before: string(in.Before)}
	if err := c.call(ctx, v1.TypePageFetch, req, v1.TypePage, &out); err != nil {
		return Page{}, err
	}
	recs := make([]Record, 0, len(out.Records))
	for _, wr := range out.Records {
		recs = append(recs, recordFromWire(wr))
	}
	return Page{Records: recs, Next: Cursor(out.Next)}, nil
}

// Subscribe opens a server-side listener. The returned Subscription unsubscribes on Cancel.
func (c *WSClient) Subscribe(ctx context.Context, in SubscribeInput) (Subscription, error) {
	if in.ConversationID == "" || in.OnBatch == nil {
		return nil, fmt.Errorf("%w: conversation id and OnBatch are required", ErrInvalidInput)
	}

	subID := ids.MustULID(time.Now())
	l := newListener(in, defaultListenerQueue, func(*listener) { c.dropSub(subID) })

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		l.Cancel()
		return nil, err
	}
	c.subs[subID] = l
	c.mu.Unlock()

	req := v1.SubscribePayload{ConversationID: in.ConversationID, After: in.After, Limit: in.Limit}
	if err := c.callSub(ctx, subID, req); err != nil {
		l.Cancel()
		return nil, err
	}
	return l, nil
}

// dropSub forgets a listener and tells the server, best effort.
func (c *WSClient) dropSub(subID string) {
	c.mu.Lock()
	_, ok := c.subs[subID]
	delete(c.subs, subID)
	alive := c.err == nil
	c.mu.Unlock()

	if !ok || !alive {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		env := v1.Envelope{V: v1.Version, Type: v1.TypeUnsubscribe, SubID: subID, TS: time.Now().UTC()}
		if err := c.write(ctx, env); err != nil {
			c.log.Debug("feed.client.unsubscribe_failed", "sub_id", subID, "err", err)
		}
	}()
}

func (c *WSClient) callSub(ctx context.Context, subID string, payload v1.SubscribePayload) error {
	var out v1.SubscribedPayload
	return c.do(ctx, v1.TypeSubscribe, subID, payload, v1.TypeSubscribed, &out)
}

func (c *WSClient) call(ctx context.Context, typ string, payload any, want string, out any) error {
	return c.do(ctx, typ, "", payload, want, out)
}

func (c *WSClient) do(ctx context.Context, typ, subID string, payload any, want string, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id := ids.MustULID(time.Now())
	reply := make(chan v1.Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, SubID: subID, TS: time.Now().UTC(), Payload: raw}
	if err := c.write(ctx, env); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case resp := <-reply:
		if resp.Type == v1.TypeError {
			return errorFromWire(resp.Payload)
		}
		if resp.Type != want {
			return fmt.Errorf("remote: unexpected reply type %q (want %q)", resp.Type, want)
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("remote: decode %s: %w", resp.Type, err)
		}
		return nil
	}
}

func (c *WSClient) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *WSClient) readLoop() {
	defer close(c.done)

	var loopErr error
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			loopErr = err
			break
		}
		if typ != websocket.MessageText {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("feed.client.bad_json", "err", err)
			continue
		}
		c.route(env)
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("remote: connection lost: %w", loopErr)
	}
	failErr := c.err
	subs := make([]*listener, 0, len(c.subs))
	for _, l := range c.subs {
		subs = append(subs, l)
	}
	c.subs = make(map[string]*listener)
	c.mu.Unlock()

	for _, l := range subs {
		l.fail(failErr)
	}
}

func (c *WSClient) route(env v1.Envelope) {
	if env.ReplyTo != "" {
		c.mu.Lock()
		ch := c.pending[env.ReplyTo]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
		}
		return
	}

	c.mu.Lock()
	l := c.subs[env.SubID]
	c.mu.Unlock()
	if l == nil {
		return
	}

	switch env.Type {
	case v1.TypeRecords:
		var p v1.RecordsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			l.fail(fmt.Errorf("remote: decode records: %w", err))
			return
		}
		recs := make([]Record, 0, len(p.Records))
		for _, wr := range p.Records {
			recs = append(recs, recordFromWire(wr))
		}
		l.offer(recs)
	case v1.TypeSubscriptionError:
		l.fail(errorFromWire(env.Payload))
	}
}

func errorFromWire(raw json.RawMessage) error {
	var p v1.ErrorPayload
	_ = json.Unmarshal(raw, &p)

	switch p.Code {
	case v1.CodeNotFound, v1.CodeForbidden:
		return fmt.Errorf("%w: %s", ErrNotFound, p.Message)
	case v1.CodeBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, p.Message)
	case v1.CodeSlowConsumer:
		return ErrSlowConsumer
	default:
		return fmt.Errorf("remote: %s: %s", p.Code, p.Message)
	}
}

func recordFromWire(r v1.Record) Record {
	return Record{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		ClientMsgID:    r.ClientMsgID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// RecordToWire converts a Record to its wire form.
func RecordToWire(r Record) v1.Record {
	return v1.Record{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		ClientMsgID:    r.ClientMsgID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
	}
}

func conversationFromWire(c v1.Conversation) Conversation {
	return Conversation{
		ID:            c.ID,
		Kind:          Kind(c.Kind),
		Members:       c.Members,
		MemberCount:   c.MemberCount,
		MessageCount:  c.MessageCount,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt.UTC(),
	}
}

// ConversationToWire converts a Conversation to its wire form.
func ConversationToWire(c Conversation) v1.Conversation {
	return v1.Conversation{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Members:       c.Members,
		MemberCount:   c.MemberCount,
		MessageCount:  c.MessageCount,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
	}
}

func userFromWire(u v1.User) User {
	return User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Tagline: u.Tagline}
}

// UserToWire converts a User to its wire form.
func UserToWire(u User) v1.User {
	return v1.User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Tagline: u.Tagline}
}
