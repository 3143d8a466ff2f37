// Package v1 defines the convsync feed protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and remote clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by both sides.
const Subprotocol = "convsync.feed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePageFetch requests one page of history, newest first (client -> server).
	TypePageFetch = "page_fetch"
	// TypePage answers a page fetch (server -> client).
	TypePage = "page"

	// TypeConversationGet is a point read by conversation id (client -> server).
	TypeConversationGet = "conversation_get"
	// TypeConversationList lists the caller's conversations (client -> server).
	TypeConversationList = "conversation_list"
	// TypeMembersUpdate atomically adds/removes members (client -> server).
	TypeMembersUpdate = "members_update"
	// TypeConversation carries one conversation (server -> client).
	TypeConversation = "conversation"
	// TypeConversations carries a conversation list (server -> client).
	TypeConversations = "conversations"

	// TypeUserGet is a point read by user id (client -> server).
	TypeUserGet = "user_get"
	// TypeUser carries one user record (server -> client).
	TypeUser = "user"

	// TypeMessageSend appends a record (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck returns the canonical stored record (server -> client).
	TypeMessageAck = "message_ack"

	// TypeSubscribe opens a change-feed listener after a watermark (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a listener (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe cancels a listener (client -> server). No reply.
	TypeUnsubscribe = "unsubscribe"
	// TypeRecords pushes a batch of newly appended records (server -> client).
	TypeRecords = "records"
	// TypeSubscriptionError reports a terminal listener failure (server -> client).
	TypeSubscriptionError = "subscription_error"

	// TypeError is a generic error reply (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload and SubscriptionErrorPayload.
const (
	CodeBadJSON      = "bad_json"
	CodeBadEnvelope  = "bad_envelope"
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeUnsupported  = "unsupported"
	CodeInternal     = "internal"
	CodeSlowConsumer = "slow_consumer"
	CodeHelloFirst   = "hello_required"
)

// Envelope is the canonical wire wrapper.
//
// Requests carry a client-chosen ID; replies echo it in ReplyTo.
// Pushes (records, subscription_error) carry the SubID chosen by the client in subscribe.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	SubID   string          `json:"sub_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePageFetch,
		TypePage,
		TypeConversationGet,
		TypeConversationList,
		TypeMembersUpdate,
		TypeConversation,
		TypeConversations,
		TypeUserGet,
		TypeUser,
		TypeMessageSend,
		TypeMessageAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeRecords,
		TypeSubscriptionError,
		TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}

	if IsRequest(e.Type) && strings.TrimSpace(e.ID) == "" && e.Type != TypeUnsubscribe {
		return errors.New("missing field: id")
	}
	return nil
}

// IsRequest reports whether typ is sent client -> server.
func IsRequest(typ string) bool {
	switch typ {
	case TypeHello,
		TypePageFetch,
		TypeConversationGet,
		TypeConversationList,
		TypeMembersUpdate,
		TypeUserGet,
		TypeMessageSend,
		TypeSubscribe,
		TypeUnsubscribe:
		return true
	default:
		return false
	}
}

// ---- Shared records ----

// Record is one appended conversation item.
type Record struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	SenderID       string          `json:"sender_id"`
	Text           string          `json:"text"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversation is the conversation metadata + summary.
type Conversation struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Members       []string  `json:"members"`
	MemberCount   int       `json:"member_count"`
	MessageCount  int64     `json:"message_count"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// User is the public part of a user record.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Tagline     string `json:"tagline,omitempty"`
}

// ---- Payloads ----

// HelloPayload identifies the caller for this connection.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// HelloAckPayload carries the server-side session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PageFetchPayload requests records strictly older than Before (newest page when empty).
type PageFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	Before         string `json:"before,omitempty"`
}

// PagePayload is a page of records, newest first. Next is empty at end of history.
type PagePayload struct {
	ConversationID string   `json:"conversation_id"`
	Records        []Record `json:"records"`
	Next           string   `json:"next,omitempty"`
}

// ConversationGetPayload is a point read request.
type ConversationGetPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationListPayload lists conversations the caller belongs to.
type ConversationListPayload struct {
	Limit int `json:"limit,omitempty"`
}

// ConversationPayload carries a conversation.
type ConversationPayload struct {
	Conversation Conversation `json:"conversation"`
}

// ConversationsPayload carries a conversation list ordered by last activity.
type ConversationsPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// MembersUpdatePayload adds and removes members in one atomic update.
type MembersUpdatePayload struct {
	ConversationID string   `json:"conversation_id"`
	Add            []string `json:"add,omitempty"`
	Remove         []string `json:"remove,omitempty"`
}

// UserGetPayload is a point read request by user id.
type UserGetPayload struct {
	UserID string `json:"user_id"`
}

// UserPayload carries a user record.
type UserPayload struct {
	User User `json:"user"`
}

// MessageSendPayload requests appending a record. The sender is the session user.
type MessageSendPayload struct {
	ConversationID string          `json:"conversation_id"`
	ClientMsgID    string          `json:"client_msg_id"`
	Text           string          `json:"text"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// MessageAckPayload returns the stored record.
type MessageAckPayload struct {
	Record     Record `json:"record"`
	Duplicated bool   `json:"duplicated"`
}

// SubscribePayload opens a listener for records newer than After.
// A zero After means "no watermark": the newest Limit records are replayed first.
type SubscribePayload struct {
	ConversationID string    `json:"conversation_id"`
	After          time.Time `json:"after,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// SubscribedPayload confirms a listener.
type SubscribedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// RecordsPayload pushes newly appended records for a listener.
type RecordsPayload struct {
	ConversationID string   `json:"conversation_id"`
	Records        []Record `json:"records"`
}

// SubscriptionErrorPayload reports that a listener was terminated by the server.
type SubscriptionErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
