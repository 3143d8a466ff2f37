package chatsync

import (
	"encoding/json"
	"time"

	"convsync/cmd/internal/remote"
)

// Kind is the conversation kind.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Conversation is the locally cached conversation metadata and summary.
type Conversation struct {
	ID            string
	Kind          Kind
	Members       []string
	MemberCount   int
	MessageCount  int64
	LastMessage   string
	LastMessageAt time.Time
}

// Profile is a resolved sender profile. Placeholder profiles stand in for
// users that are absent or could not be read.
type Profile struct {
	UserID      string
	Name        string
	Avatar      string
	Tagline     string
	Placeholder bool
}

// Message is one cached conversation item with its sender profile denormalized.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Payload        json.RawMessage
	CreatedAt      time.Time
	Sender         Profile
}

// View is a read-only snapshot of an open conversation.
type View struct {
	Conversation Conversation
	// Messages is newest first, unique by ID.
	Messages []Message

	// AtHistoryStart is true once a loaded page reported no older history.
	AtHistoryStart bool
	LoadingOlder   bool

	Subscription    SubState
	SubscriptionErr error
}

// LoadResult reports the outcome of LoadOlder.
type LoadResult struct {
	// Added is the number of messages that were not cached before.
	Added          int
	AtHistoryStart bool
}

// Session supplies the acting user. ok=false means no active session.
type Session interface {
	UserID() (userID string, ok bool)
}

// StaticSession is a Session bound to a fixed user id ("" means signed out).
type StaticSession string

func (s StaticSession) UserID() (string, bool) { return string(s), s != "" }

// Config holds the engine policy knobs.
type Config struct {
	// PageSize is the number of records per history page (default 20).
	PageSize int
	// MaxResident caps resident group-conversation caches (default 10).
	// Direct conversations are not counted.
	MaxResident int
	// ListLimit bounds ListConversations (default 50).
	ListLimit int
	// ProfileTimeout bounds profile resolution for pushed records and each
	// shared user read (default 5s).
	ProfileTimeout time.Duration
	// OpenTimeout bounds the load shared by concurrent Opens (default 30s).
	OpenTimeout time.Duration
	// ProfileFanout bounds concurrent profile reads per batch (default 8).
	ProfileFanout int
	// NotifyTimeout bounds a queued notification (default 5s).
	NotifyTimeout time.Duration
	// MaxMessageChars bounds Send text length in runes (default 4000).
	MaxMessageChars int
}

const (
	DefaultPageSize        = 20
	DefaultMaxResident     = 10
	DefaultListLimit       = 50
	DefaultProfileTimeout  = 5 * time.Second
	DefaultOpenTimeout     = 30 * time.Second
	DefaultProfileFanout   = 8
	DefaultNotifyTimeout   = 5 * time.Second
	DefaultMaxMessageChars = 4000
)

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxResident <= 0 {
		c.MaxResident = DefaultMaxResident
	}
	if c.ListLimit <= 0 {
		c.ListLimit = DefaultListLimit
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = DefaultProfileTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.ProfileFanout <= 0 {
		c.ProfileFanout = DefaultProfileFanout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultMaxMessageChars
	}
	return c
}

func conversationFromRemote(c remote.Conversation) Conversation {
	return Conversation{
		ID:            c.ID,
		Kind:          Kind(c.Kind),
		Members:       append([]string(nil), c.Members...),
		MemberCount:   c.MemberCount,
		MessageCount:  c.MessageCount,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
	}
}

func messageFromRecord(r remote.Record, sender Profile) Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
		Sender:         sender,
	}
}
