// Package main is a CI-friendly smoke test for a running convsync gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack for two users
//   - subscribe -> subscribed
//   - send -> ack, and the records push to the other user's listener
//   - page fetch returns the stored record newest first
//   - idempotent resend by client_msg_id (duplicated ack, no second push)
//
// Both users must be members of -conv (see the [[seed.conversations]] config section).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "convsync/shared/contracts/feed/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	seq       int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		convID  = flag.String("conv", "dev-room", "Conversation ID (both users must be members)")
		userA   = flag.String("user-a", "dev-a", "Sending user")
		userB   = flag.String("user-b", "dev-b", "Subscribed user")
		text    = flag.String("text", "hello convsync", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.sessionID, b.sessionID)
	}

	const subID = "smoke-sub"
	b.mustRequest(root, v1.TypeSubscribe, subID, v1.SubscribePayload{ConversationID: *convID, After: time.Now().UTC()}, v1.TypeSubscribed, *timeout)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	send := v1.MessageSendPayload{ConversationID: *convID, ClientMsgID: clientMsgID, Text: *text}

	var ack v1.MessageAckPayload
	decodeInto(a.mustRequest(root, v1.TypeMessageSend, "", send, v1.TypeMessageAck, *timeout), &ack)
	if ack.Duplicated || ack.Record.ID == "" || ack.Record.SenderID != *userA || ack.Record.Text != *text {
		fatalf("unexpected ack: %+v", ack)
	}

	var pushed v1.RecordsPayload
	decodeInto(b.mustReadUntil(root, v1.TypeRecords, *timeout), &pushed)
	if len(pushed.Records) != 1 || pushed.Records[0].ID != ack.Record.ID {
		fatalf("unexpected push: %+v", pushed)
	}

	var page v1.PagePayload
	decodeInto(b.mustRequest(root, v1.TypePageFetch, "", v1.PageFetchPayload{ConversationID: *convID, Limit: 5}, v1.TypePage, *timeout), &page)
	if len(page.Records) == 0 || page.Records[0].ID != ack.Record.ID {
		fatalf("page does not start with the sent record: %+v", page.Records)
	}

	var again v1.MessageAckPayload
	decodeInto(a.mustRequest(root, v1.TypeMessageSend, "", send, v1.TypeMessageAck, *timeout), &again)
	if !again.Duplicated || again.Record.ID != ack.Record.ID {
		fatalf("resend was not deduplicated: %+v", again)
	}
	b.mustAssertNoType(root, v1.TypeRecords, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s record_id=%s\n", a.sessionID, b.sessionID, *convID, ack.Record.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	var p v1.HelloAckPayload
	decodeInto(c.mustRequest(parent, v1.TypeHello, "", v1.HelloPayload{UserID: userID}, v1.TypeHelloAck, stepTimeout), &p)
	if strings.TrimSpace(p.SessionID) == "" || p.UserID != userID {
		fatalf("bad hello_ack (%s): %+v", name, p)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustRequest writes one request and waits for its reply, skipping unrelated pushes.
func (c *smokeClient) mustRequest(parent context.Context, typ, subID string, payload any, want string, stepTimeout time.Duration) v1.Envelope {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, SubID: subID, TS: time.Now().UTC(), Payload: mustJSON(payload)}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	b, _ := json.Marshal(env)
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}

	for {
		reply := c.mustReadUntil(parent, "", stepTimeout)
		if reply.ReplyTo != id {
			continue
		}
		if reply.Type != want {
			fatalf("unexpected reply to %s (%s): got=%q want=%q", typ, c.name, reply.Type, want)
		}
		return reply
	}
}

// mustReadUntil returns the next envelope of wantType (any type when empty).
func (c *smokeClient) mustReadUntil(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == v1.TypeError || env.Type == v1.TypeSubscriptionError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): type=%s code=%q msg=%q", c.name, env.Type, ep.Code, ep.Message)
			}
			if wantType == "" || env.Type == wantType {
				return env
			}
		}
	}
}

func (c *smokeClient) mustAssertNoType(parent context.Context, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func decodeInto(env v1.Envelope, out any) {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
