package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convsync/cmd/internal/ids"
)

// Integration tests are enabled when CONVSYNC_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Append_Dedupe(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-dedupe-" + ids.RandomHex(8)
	mustPutConversation(t, store, convID, "u1", "u2")

	now := time.Now().UTC()
	first, err := store.Append(ctx, AppendInput{ConversationID: convID, ClientMsgID: "cmsg-1", SenderID: "u1", Text: "hello", Now: now})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}
	if strings.TrimSpace(first.Stored.ID) == "" {
		t.Fatalf("append first: expected non-empty id")
	}

	second, err := store.Append(ctx, AppendInput{ConversationID: convID, ClientMsgID: "cmsg-1", SenderID: "u1", Text: "hello", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated || second.Stored.ID != first.Stored.ID {
		t.Fatalf("append duplicate: got %+v", second)
	}

	if cnt := mustCountMessages(t, pool, schema, convID); cnt != 1 {
		t.Fatalf("expected 1 message row, got %d", cnt)
	}

	c, err := store.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if c.MessageCount != 1 || c.LastMessage != "hello" {
		t.Fatalf("summary mismatch: %+v", c)
	}

	if _, err := store.Append(ctx, AppendInput{ConversationID: "missing-" + ids.RandomHex(4), ClientMsgID: "x", SenderID: "u1", Text: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to unknown conversation: got %v want ErrNotFound", err)
	}
}

func TestPostgresStore_FetchPage_Cursor(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := "it-page-" + ids.RandomHex(8)
	mustPutConversation(t, store, convID, "u1")

	// Same wall clock on purpose: the clock row must still order them.
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, AppendInput{
			ConversationID: convID,
			ClientMsgID:    fmt.Sprintf("cmsg-%d", i),
			SenderID:       "u1",
			Text:           fmt.Sprintf("m%d", i),
			Now:            now,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var (
		texts  []string
		cursor Cursor
	)
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("pagination did not terminate")
		}
		p, err := store.FetchPage(ctx, FetchPageInput{ConversationID: convID, Limit: 2, Before: cursor})
		if err != nil {
			t.Fatalf("fetch page: %v", err)
		}
		for _, r := range p.Records {
			texts = append(texts, r.Text)
		}
		if p.Next == "" {
			break
		}
		cursor = p.Next
	}

	if got, want := strings.Join(texts, ","), "m4,m3,m2,m1,m0"; got != want {
		t.Fatalf("texts=%s want %s", got, want)
	}

	if _, err := store.FetchPage(ctx, FetchPageInput{ConversationID: "missing-" + ids.RandomHex(4), Limit: 2}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fetch unknown conversation: got %v want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateMembers_And_List(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-members-" + ids.RandomHex(8)
	mustPutConversation(t, store, convID, "u1", "u2")

	c, err := store.UpdateMembers(ctx, MembersUpdate{ConversationID: convID, Add: []string{"u3", "u3"}, Remove: []string{"u1"}})
	if err != nil {
		t.Fatalf("update members: %v", err)
	}
	if strings.Join(c.Members, ",") != "u2,u3" || c.MemberCount != 2 {
		t.Fatalf("members=%v count=%d", c.Members, c.MemberCount)
	}

	list, err := store.ListConversations(ctx, "u3", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != convID {
		t.Fatalf("list=%+v", list)
	}

	list, err = store.ListConversations(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list removed member: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("removed member still lists %d conversations", len(list))
	}
}

func TestPostgresStore_Subscribe_DeliversNotifiedAppends(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := "it-sub-" + ids.RandomHex(8)
	mustPutConversation(t, store, convID, "u1")

	base, err := store.Append(ctx, AppendInput{ConversationID: convID, ClientMsgID: "c0", SenderID: "u1", Text: "m0"})
	if err != nil {
		t.Fatalf("append base: %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	arrived := make(chan struct{}, 16)
	sub, err := store.Subscribe(ctx, SubscribeInput{
		ConversationID: convID,
		After:          base.Stored.CreatedAt,
		OnBatch: func(recs []Record) {
			mu.Lock()
			for _, r := range recs {
				got = append(got, r.Text)
			}
			mu.Unlock()
			arrived <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	for i := 1; i <= 3; i++ {
		if _, err := store.Append(ctx, AppendInput{ConversationID: convID, ClientMsgID: fmt.Sprintf("c%d", i), SenderID: "u1", Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	deadline := time.After(10 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-arrived:
		case <-deadline:
			t.Fatalf("timeout: delivered %v", got)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "m1,m2,m3" {
		t.Fatalf("delivered=%v want [m1 m2 m3]", got)
	}
}

// ---- test helpers ----

func mustNewTestStore(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.ApplySchema(ctx); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return st, pool, schema
}

func mustPutConversation(t *testing.T, st *PostgresStore, convID string, members ...string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.PutConversation(ctx, Conversation{ID: convID, Kind: KindGroup, Members: members}); err != nil {
		t.Fatalf("put conversation: %v", err)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CONVSYNC_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CONVSYNC_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CONVSYNC_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "convsync_it_" + strings.ToLower(ids.RandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema string, conversationID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}

	return cnt
}
