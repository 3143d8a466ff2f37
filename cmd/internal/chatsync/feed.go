package chatsync

import (
	"context"
	"errors"
	"time"

	"convsync/cmd/internal/remote"
)

// Feed is the engine's only path to the remote store. It adds nothing but error
// classification: store failures come back as *OpError with an engine Kind.
type Feed struct {
	store remote.Store
}

// NewFeed wraps store.
func NewFeed(store remote.Store) (*Feed, error) {
	if store == nil {
		return nil, errors.New("chatsync: nil store")
	}
	return &Feed{store: store}, nil
}

// FetchPage returns up to pageSize records newest first, strictly older than cursor
// when it is non-empty. The returned cursor is empty at end of history.
func (f *Feed) FetchPage(ctx context.Context, conversationID string, pageSize int, cursor remote.Cursor) (remote.Page, error) {
	p, err := f.store.FetchPage(ctx, remote.FetchPageInput{
		ConversationID: conversationID,
		Limit:          pageSize,
		Before:         cursor,
	})
	if err != nil {
		return remote.Page{}, classify("fetch_page", err)
	}
	return p, nil
}

// Subscribe opens a listener for records newer than watermark (zero: no watermark).
// onError fires at most once; the listener never retries.
func (f *Feed) Subscribe(ctx context.Context, conversationID string, watermark time.Time, limit int, onBatch func([]remote.Record), onError func(error)) (remote.Subscription, error) {
	sub, err := f.store.Subscribe(ctx, remote.SubscribeInput{
		ConversationID: conversationID,
		After:          watermark,
		Limit:          limit,
		OnBatch:        onBatch,
		OnError: func(err error) {
			if onError != nil {
				onError(classify("subscribe", err))
			}
		},
	})
	if err != nil {
		return nil, classify("subscribe", err)
	}
	return sub, nil
}

// Conversation is a point read by conversation id.
func (f *Feed) Conversation(ctx context.Context, conversationID string) (remote.Conversation, error) {
	c, err := f.store.GetConversation(ctx, conversationID)
	if err != nil {
		return remote.Conversation{}, classify("get_conversation", err)
	}
	return c, nil
}

// Conversations lists the conversations userID belongs to.
func (f *Feed) Conversations(ctx context.Context, userID string, limit int) ([]remote.Conversation, error) {
	cs, err := f.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, classify("list_conversations", err)
	}
	return cs, nil
}

// User is a point read by user id.
func (f *Feed) User(ctx context.Context, userID string) (remote.User, error) {
	u, err := f.store.GetUser(ctx, userID)
	if err != nil {
		return remote.User{}, classify("get_user", err)
	}
	return u, nil
}

// Append appends a record (idempotent per ClientMsgID).
func (f *Feed) Append(ctx context.Context, in remote.AppendInput) (remote.AppendResult, error) {
	res, err := f.store.Append(ctx, in)
	if err != nil {
		return remote.AppendResult{}, classify("append", err)
	}
	return res, nil
}

// UpdateMembers applies an atomic membership change.
func (f *Feed) UpdateMembers(ctx context.Context, in remote.MembersUpdate) (remote.Conversation, error) {
	c, err := f.store.UpdateMembers(ctx, in)
	if err != nil {
		return remote.Conversation{}, classify("update_members", err)
	}
	return c, nil
}
