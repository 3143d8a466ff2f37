// Package gateway exposes a remote.Store over the convsync.feed.v1 websocket protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"convsync/cmd/internal/ids"
	"convsync/cmd/internal/remote"
	v1 "convsync/shared/contracts/feed/v1"
)

// Gateway is the websocket entrypoint for remote sync clients.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats and
// conversation membership, and routes validated envelopes to the store. Change-feed
// listeners are owned per session and torn down with it.
type Gateway struct {
	log     *slog.Logger
	metrics *Metrics
	store   remote.Store
	opts    Options

	// Derived for websocket.Accept, which authorizes same-host origins itself but
	// needs host patterns for cross-origin ones.
	originPatterns []string
}

// New constructs a Gateway over store.
func New(store remote.Store, opts Options) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("gateway: nil store")
	}
	opts = opts.withDefaults()

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Gateway{
		log:            log,
		metrics:        metrics,
		store:          store,
		opts:           opts,
		originPatterns: deriveOriginPatterns(opts.AllowedOrigins),
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.Rejects.WithLabelValues("origin").Inc()
		g.log.Info("gateway.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.opts.DevInsecure,
	})
	if err != nil {
		g.metrics.Rejects.WithLabelValues("accept").Inc()
		g.log.Error("gateway.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.Rejects.WithLabelValues("subprotocol").Inc()
		g.log.Info("gateway.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.opts.MaxFrameBytes)
	g.serve(r.Context(), conn)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn) {
	s := newSession(ids.RandomHex(10), g.opts.SendQueueSize)

	g.metrics.Connections.Inc()
	defer g.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// shutdown is idempotent. It does not close s.send.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.close()
			for _, sub := range s.takeAllSubs() {
				sub.Cancel()
				g.metrics.Subscriptions.Dec()
			}
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case env := <-s.send:
				if err := writeEnvelope(ctx, conn, env, g.opts.WriteTimeout); err != nil {
					g.log.Info("gateway.write.fail", "session_id", s.id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.opts.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("gateway.ping.fail", "session_id", s.id, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	slow := func() {
		g.metrics.SlowConsumers.Inc()
		g.log.Warn("gateway.slow_consumer", "session_id", s.id, "user_id", s.userID)
		shutdown(websocket.StatusPolicyViolation, "slow consumer")
	}

	rl := NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.opts.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.replyError(s, "", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("gateway.read.fail", "session_id", s.id, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now(), env.Type) {
			g.metrics.Rejects.WithLabelValues("rate_limited").Inc()
			g.replyError(s, env.ID, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.replyError(s, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.IsRequest(env.Type) {
			g.replyError(s, env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, s, env); err != nil {
				g.metrics.Rejects.WithLabelValues("hello").Inc()
				g.replyErr(s, env, err)
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}
		if s.userID == "" {
			g.replyError(s, env.ID, v1.CodeHelloFirst, "hello required")
			continue readLoop
		}

		if env.Type == v1.TypeUnsubscribe {
			g.onUnsubscribe(s, env)
			continue readLoop
		}

		typ, payload, err := g.dispatch(ctx, s, env, slow)
		if err != nil {
			g.replyErr(s, env, err)
			continue readLoop
		}
		g.metrics.Requests.WithLabelValues(env.Type, "ok").Inc()
		if !s.offer(reply(typ, env.ID, payload)) {
			slow()
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Debug("gateway.session.end", "session_id", s.id, "user_id", s.userID)
}

func (g *Gateway) dispatch(ctx context.Context, s *session, env v1.Envelope, slow func()) (string, any, error) {
	switch env.Type {
	case v1.TypePageFetch:
		return g.onPageFetch(ctx, s, env)
	case v1.TypeConversationGet:
		return g.onConversationGet(ctx, s, env)
	case v1.TypeConversationList:
		return g.onConversationList(ctx, s, env)
	case v1.TypeMembersUpdate:
		return g.onMembersUpdate(ctx, s, env)
	case v1.TypeUserGet:
		return g.onUserGet(ctx, env)
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, s, env)
	case v1.TypeSubscribe:
		return g.onSubscribe(ctx, s, env, slow)
	default:
		return "", nil, &wireError{code: v1.CodeUnsupported, msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, s *session, env v1.Envelope) error {
	if s.userID != "" {
		return &wireError{code: v1.CodeBadRequest, msg: "hello already received"}
	}

	var p v1.HelloPayload
	if err := decode(env.Payload, &p); err != nil {
		return err
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" || len(userID) > maxUserIDLen {
		return &wireError{code: v1.CodeBadRequest, msg: "invalid user_id"}
	}
	if g.opts.RequireKnownUser {
		if _, err := g.store.GetUser(ctx, userID); err != nil {
			return err
		}
	}
	s.userID = userID

	if !s.offer(reply(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{SessionID: s.id, UserID: userID})) {
		return errors.New("backpressure: hello_ack")
	}
	g.log.Info("gateway.session.start", "session_id", s.id, "user_id", userID)
	return nil
}

func (g *Gateway) onPageFetch(ctx context.Context, s *session, env v1.Envelope) (string, any, error) {
	var p v1.PageFetchPayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	c, err := g.memberConversation(ctx, s, p.ConversationID)
	if err != nil {
		return "", nil, err
	}

	page, err := g.store.FetchPage(ctx, remote.FetchPageInput{
		ConversationID: c.ID,
		Limit:          p.Limit,
		Before:         remote.Cursor(p.Before),
	})
	if err != nil {
		return "", nil, err
	}
	return v1.TypePage, v1.PagePayload{
		ConversationID: c.ID,
		Records:        recordsToWire(page.Records),
		Next:           string(page.Next),
	}, nil
}

func (g *Gateway) onConversationGet(ctx context.Context, s *session, env v1.Envelope) (string, any, error) {
	var p v1.ConversationGetPayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	c, err := g.memberConversation(ctx, s, p.ConversationID)
	if err != nil {
		return "", nil, err
	}
	return v1.TypeConversation, v1.ConversationPayload{Conversation: remote.ConversationToWire(c)}, nil
}

func (g *Gateway) onConversationList(ctx context.Context, s *session, env v1.Envelope) (string, any, error) {
	var p v1.ConversationListPayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	cs, err := g.store.ListConversations(ctx, s.userID, p.Limit)
	if err != nil {
		return "", nil, err
	}
	out := make([]v1.Conversation, 0, len(cs))
	for _, c := range cs {
		out = append(out, remote.ConversationToWire(c))
	}
	return v1.TypeConversations, v1.ConversationsPayload{Conversations: out}, nil
}

func (g *Gateway) onMembersUpdate(ctx context.Context, s *session, env v1.Envelope) (string, any, error) {
	var p v1.MembersUpdatePayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	if len(p.Add) == 0 && len(p.Remove) == 0 {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "nothing to update"}
	}
	c, err := g.memberConversation(ctx, s, p.ConversationID)
	if err != nil {
		return "", nil, err
	}

	updated, err := g.store.UpdateMembers(ctx, remote.MembersUpdate{ConversationID: c.ID, Add: p.Add, Remove: p.Remove})
	if err != nil {
		return "", nil, err
	}
	g.log.Info("gateway.members.update", "session_id", s.id, "user_id", s.userID, "conversation_id", c.ID, "added", len(p.Add), "removed", len(p.Remove))
	return v1.TypeConversation, v1.ConversationPayload{Conversation: remote.ConversationToWire(updated)}, nil
}

func (g *Gateway) onUserGet(ctx context.Context, env v1.Envelope) (string, any, error) {
	var p v1.UserGetPayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "missing user_id"}
	}
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	return v1.TypeUser, v1.UserPayload{User: remote.UserToWire(u)}, nil
}

func (g *Gateway) onMessageSend(ctx context.Context, s *session, env v1.Envelope) (string, any, error) {
	var p v1.MessageSendPayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "missing client_msg_id"}
	}

	text := strings.TrimSpace(p.Text)
	if text == "" && len(p.Payload) == 0 {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "empty message"}
	}
	if n := len([]rune(text)); n > g.opts.MaxMessageChars {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: fmt.Sprintf("message too long: max=%d chars", g.opts.MaxMessageChars)}
	}

	c, err := g.memberConversation(ctx, s, p.ConversationID)
	if err != nil {
		return "", nil, err
	}

	res, err := g.store.Append(ctx, remote.AppendInput{
		ConversationID: c.ID,
		ClientMsgID:    p.ClientMsgID,
		SenderID:       s.userID,
		Text:           text,
		Payload:        p.Payload,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return "", nil, err
	}
	return v1.TypeMessageAck, v1.MessageAckPayload{Record: remote.RecordToWire(res.Stored), Duplicated: res.Duplicated}, nil
}

func (g *Gateway) onSubscribe(ctx context.Context, s *session, env v1.Envelope, slow func()) (string, any, error) {
	subID := strings.TrimSpace(env.SubID)
	if subID == "" {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "missing sub_id"}
	}

	var p v1.SubscribePayload
	if err := decode(env.Payload, &p); err != nil {
		return "", nil, err
	}
	c, err := g.memberConversation(ctx, s, p.ConversationID)
	if err != nil {
		return "", nil, err
	}

	if !s.reserveSub(subID, g.opts.MaxSubscriptions) {
		return "", nil, &wireError{code: v1.CodeBadRequest, msg: "sub_id in use or too many subscriptions"}
	}

	sub, err := g.store.Subscribe(ctx, remote.SubscribeInput{
		ConversationID: c.ID,
		After:          p.After,
		Limit:          p.Limit,
		OnBatch:        func(recs []remote.Record) { g.push(s, subID, c.ID, recs, slow) },
		OnError:        func(err error) { g.subscriptionFailed(s, subID, err) },
	})
	if err != nil {
		s.takeSub(subID)
		return "", nil, err
	}
	if !s.bindSub(subID, sub) {
		// The listener failed before the reply; subscription_error is already queued.
		sub.Cancel()
	} else {
		g.metrics.Subscriptions.Inc()
	}

	g.log.Debug("gateway.subscribe", "session_id", s.id, "sub_id", subID, "conversation_id", c.ID, "after", p.After)
	return v1.TypeSubscribed, v1.SubscribedPayload{ConversationID: c.ID}, nil
}

func (g *Gateway) onUnsubscribe(s *session, env v1.Envelope) {
	sub, ok := s.takeSub(strings.TrimSpace(env.SubID))
	if !ok {
		return
	}
	if sub != nil {
		sub.Cancel()
		g.metrics.Subscriptions.Dec()
	}
	g.metrics.Requests.WithLabelValues(env.Type, "ok").Inc()
}

// push runs on the store listener's goroutine. A full send queue ends the session:
// dropping a batch would leave the client with a silent gap.
func (g *Gateway) push(s *session, subID, convID string, recs []remote.Record, slow func()) {
	if !s.hasSub(subID) {
		return
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRecords,
		SubID:   subID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RecordsPayload{ConversationID: convID, Records: recordsToWire(recs)}),
	}
	if !s.offer(env) {
		slow()
		return
	}
	g.metrics.PushedRecords.Add(float64(len(recs)))
}

func (g *Gateway) subscriptionFailed(s *session, subID string, err error) {
	sub, ok := s.takeSub(subID)
	if !ok {
		return
	}
	if sub != nil {
		g.metrics.Subscriptions.Dec()
	}

	code, msg := wireCode(err)
	if code == v1.CodeInternal {
		g.log.Warn("gateway.subscription.fail", "session_id", s.id, "sub_id", subID, "err", err)
	}
	_ = s.offer(v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscriptionError,
		SubID:   subID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscriptionErrorPayload{Code: code, Message: msg}),
	})
}

// memberConversation loads a conversation the session user belongs to.
func (g *Gateway) memberConversation(ctx context.Context, s *session, conversationID string) (remote.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return remote.Conversation{}, &wireError{code: v1.CodeBadRequest, msg: "missing conversation_id"}
	}
	c, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return remote.Conversation{}, err
	}
	if !remote.IsMember(c, s.userID) {
		return remote.Conversation{}, &wireError{code: v1.CodeForbidden, msg: "not a member of conversation_id"}
	}
	return c, nil
}

// ---- errors ----

type wireError struct {
	code string
	msg  string
}

func (e *wireError) Error() string { return e.code + ": " + e.msg }

// wireCode maps an error onto a protocol error code. Store internals are not echoed.
func wireCode(err error) (code, msg string) {
	var we *wireError
	switch {
	case errors.As(err, &we):
		return we.code, we.msg
	case errors.Is(err, remote.ErrNotFound):
		return v1.CodeNotFound, "not found"
	case errors.Is(err, remote.ErrInvalidInput):
		return v1.CodeBadRequest, err.Error()
	case errors.Is(err, remote.ErrSlowConsumer):
		return v1.CodeSlowConsumer, "listener queue overflow"
	default:
		return v1.CodeInternal, "internal error"
	}
}

func (g *Gateway) replyErr(s *session, env v1.Envelope, err error) {
	code, msg := wireCode(err)
	if code == v1.CodeInternal {
		g.log.Error("gateway.request.fail", "session_id", s.id, "type", env.Type, "err", err)
	}
	g.metrics.Requests.WithLabelValues(env.Type, code).Inc()
	g.replyError(s, env.ID, code, msg)
}

func (g *Gateway) replyError(s *session, replyTo, code, msg string) {
	_ = s.offer(reply(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg}))
}

// ---- envelope IO ----

func reply(typ, replyTo string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.RandomHex(10),
		ReplyTo: replyTo,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(v1.ErrorPayload{Code: v1.CodeInternal, Message: "encode failed"})
	}
	return b
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &wireError{code: v1.CodeBadRequest, msg: "missing payload"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &wireError{code: v1.CodeBadRequest, msg: "invalid payload: " + err.Error()}
	}
	return nil
}

func recordsToWire(recs []remote.Record) []v1.Record {
	out := make([]v1.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, remote.RecordToWire(r))
	}
	return out
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj *badJSONError
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
