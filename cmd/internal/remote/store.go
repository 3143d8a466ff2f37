// Package remote contains the Remote Conversation Store boundary and its reference
// implementations (in-memory, PostgreSQL with LISTEN/NOTIFY, websocket client).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a conversation or user does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("remote: invalid input")

	// ErrClosed is returned by a store (and delivered to listeners) after Close.
	ErrClosed = errors.New("remote: store closed")

	// ErrSlowConsumer terminates a listener whose delivery queue overflowed.
	ErrSlowConsumer = errors.New("remote: listener queue overflow")
)

// Kind is the conversation kind.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Record is the canonical persisted conversation item.
//
// CreatedAt is server-assigned and strictly increasing per conversation
// (microsecond precision), so it doubles as the change-feed watermark.
type Record struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Text           string
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// Conversation is the remote conversation document.
type Conversation struct {
	ID            string
	Kind          Kind
	Members       []string
	MemberCount   int
	MessageCount  int64
	LastMessage   string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// User is the public user document.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Tagline     string
}

// Cursor is an opaque page position issued by a store.
// The empty cursor is "null": no position.
type Cursor string

// CursorOf returns the cursor positioned at r. Pages requested with it hold
// records strictly older than r. All stores in this package issue cursors this way.
func CursorOf(r Record) Cursor { return Cursor(r.ID) }

// Page is one window of history, newest first.
// Next is empty when no older records remain.
type Page struct {
	Records []Record
	Next    Cursor
}

// FetchPageInput describes a ranged history query.
type FetchPageInput struct {
	ConversationID string
	Limit          int
	Before         Cursor
}

// AppendInput describes an append request. ClientMsgID is the idempotency key.
type AppendInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	Text           string
	Payload        json.RawMessage
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     Record
	Duplicated bool
}

// MembersUpdate atomically adds and removes conversation members.
type MembersUpdate struct {
	ConversationID string
	Add            []string
	Remove         []string
}

// SubscribeInput describes a change-feed listener.
//
// OnBatch receives every record newer than After, in batches, from a single
// goroutine per listener. OnError is invoked at most once when the listener
// terminates abnormally; listeners never retry.
type SubscribeInput struct {
	ConversationID string
	After          time.Time
	Limit          int
	OnBatch        func([]Record)
	OnError        func(error)
}

// Subscription is a live listener. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// UserReader is a point read against the user directory.
type UserReader interface {
	GetUser(ctx context.Context, userID string) (User, error)
}

// Store is the Remote Conversation Store boundary.
//
// Requirements:
//   - FetchPage orders by (CreatedAt, ID) DESC and honors Before exclusively.
//   - Append is idempotent per (conversation_id, client_msg_id).
//   - Subscribe never leaves a gap between its backlog and live delivery.
type Store interface {
	UserReader

	FetchPage(ctx context.Context, in FetchPageInput) (Page, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	UpdateMembers(ctx context.Context, in MembersUpdate) (Conversation, error)
	Subscribe(ctx context.Context, in SubscribeInput) (Subscription, error)
	Close() error
}

// WithUsers returns s with user reads served by users (e.g. a RedisUsers cache).
func WithUsers(s Store, users UserReader) Store {
	if users == nil {
		return s
	}
	return usersOverlay{Store: s, users: users}
}

type usersOverlay struct {
	Store
	users UserReader
}

func (o usersOverlay) GetUser(ctx context.Context, userID string) (User, error) {
	return o.users.GetUser(ctx, userID)
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// nextTimestamp returns the server timestamp for a new record: now truncated to
// microseconds, bumped past last so timestamps stay strictly increasing.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	return ts
}

// validateAppend checks the fields every store requires for an append.
func validateAppend(in AppendInput) error {
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return fmt.Errorf("%w: conversation_id, client_msg_id and sender_id are required", ErrInvalidInput)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidInput)
	}
	return nil
}

func normalizeMembers(add, remove, current []string) []string {
	set := make(map[string]struct{}, len(current)+len(add))
	for _, m := range current {
		set[m] = struct{}{}
	}
	for _, m := range add {
		if m != "" {
			set[m] = struct{}{}
		}
	}
	for _, m := range remove {
		delete(set, m)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether userID belongs to c.
func IsMember(c Conversation, userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
