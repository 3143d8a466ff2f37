package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convsync/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close stops the LISTEN connection and terminates live listeners.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so created_at is
//     strictly increasing per conversation and commit order equals timestamp order.
//   - Every append emits pg_notify(<channel>, conversation_id) inside its transaction.
//     One dedicated connection LISTENs and, per notification, reads the records newer
//     than each listener's watermark.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	log     *slog.Logger
	hub     *hub

	mu        sync.Mutex
	closed    bool
	listening bool
	stop      context.CancelFunc
	loopDone  chan struct{}
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "convsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("remote: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("remote: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresLogger sets the store logger.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "convsync",
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("remote: nil pool")
	}
	// Per-schema channel keeps isolated schemas (tests, tenants) from sharing notifications.
	st.channel = st.schema + "_records"
	st.hub = newHub(st.log, defaultListenerQueue)
	return st, nil
}

// Close stops the notification loop and fails live listeners with ErrClosed.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stop, s.loopDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.hub.failAll(ErrClosed)
	return nil
}

// ApplySchema creates the tables this store needs (idempotent).
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SchemaSQL returns the DDL for the given schema.
func SchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	clocks := pgIdent(schema, "conversation_clocks")
	messages := pgIdent(schema, "messages")
	users := pgIdent(schema, "users")

	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id              TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
  members         TEXT[] NOT NULL DEFAULT '{}',
  member_count    INT NOT NULL DEFAULT 0,
  message_count   BIGINT NOT NULL DEFAULT 0,
  last_message    TEXT NOT NULL DEFAULT '',
  last_message_at TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_members
  ON %[1]s USING GIN (members);

CREATE TABLE IF NOT EXISTS %[2]s (
  conversation_id TEXT PRIMARY KEY REFERENCES %[1]s(id) ON DELETE CASCADE,
  last_ts         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[3]s (
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  id              TEXT NOT NULL,
  client_msg_id   TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  text            TEXT NOT NULL,
  payload         JSONB,
  created_at      TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (conversation_id, id),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_desc
  ON %[3]s (conversation_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS %[4]s (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  avatar_url   TEXT NOT NULL DEFAULT '',
  tagline      TEXT NOT NULL DEFAULT ''
);
`, conversations, clocks, messages, users)
}

// PutConversation upserts conversation metadata (summary columns are kept).
func (s *PostgresStore) PutConversation(ctx context.Context, c Conversation) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if c.Kind == "" {
		c.Kind = KindGroup
	}
	members := normalizeMembers(c.Members, nil, nil)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, kind, members, member_count)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		    SET kind = EXCLUDED.kind,
		        members = EXCLUDED.members,
		        member_count = EXCLUDED.member_count`,
		c.ID, string(c.Kind), members, len(members),
	)
	return err
}

// PutUser upserts a user record.
func (s *PostgresStore) PutUser(ctx context.Context, u User) error {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "users")+` (id, display_name, avatar_url, tagline)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		    SET display_name = EXCLUDED.display_name,
		        avatar_url = EXCLUDED.avatar_url,
		        tagline = EXCLUDED.tagline`,
		u.ID, u.DisplayName, u.AvatarURL, u.Tagline,
	)
	return err
}

// GetUser returns a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, tagline
		   FROM `+pgIdent(s.schema, "users")+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.Tagline)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

const conversationColumns = `id, kind, members, member_count, message_count, last_message, last_message_at, created_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		kind   string
		lastAt *time.Time
	)
	if err := row.Scan(&c.ID, &kind, &c.Members, &c.MemberCount, &c.MessageCount, &c.LastMessage, &lastAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.Kind = Kind(kind)
	if lastAt != nil {
		c.LastMessageAt = lastAt.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// GetConversation returns conversation metadata by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns the conversations userID belongs to, most recent activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE $1 = ANY(members)
		  ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
		  LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateMembers atomically applies member additions and removals in one statement.
func (s *PostgresStore) UpdateMembers(ctx context.Context, in MembersUpdate) (Conversation, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	add := in.Add
	if add == nil {
		add = []string{}
	}
	remove := in.Remove
	if remove == nil {
		remove = []string{}
	}

	conversations := pgIdent(s.schema, "conversations")
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`WITH next AS (
		   SELECT ARRAY(
		            SELECT DISTINCT m
		              FROM unnest(cur.members || $2::text[]) AS m
		             WHERE m <> '' AND NOT (m = ANY($3::text[]))
		             ORDER BY m
		          ) AS members
		     FROM `+conversations+` cur
		    WHERE cur.id = $1
		 )
		 UPDATE `+conversations+` AS c
		    SET members = next.members,
		        member_count = cardinality(next.members)
		   FROM next
		  WHERE c.id = $1
		RETURNING c.id, c.kind, c.members, c.member_count, c.message_count, c.last_message, c.last_message_at, c.created_at`,
		in.ConversationID, add, remove,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// Append appends a record with idempotency and strictly increasing per-conversation timestamps.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	clocks := pgIdent(s.schema, "conversation_clocks")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+conversations+` WHERE id = $1)`,
		in.ConversationID,
	).Scan(&exists); err != nil {
		return AppendResult{}, err
	}
	if !exists {
		return AppendResult{}, ErrNotFound
	}

	existing, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		in.ConversationID, in.ClientMsgID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	// The clock row keeps created_at strictly increasing even when wall clocks collide.
	var ts time.Time
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+clocks+` AS k (conversation_id, last_ts)
		 VALUES ($1, $2)
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET last_ts = GREATEST(EXCLUDED.last_ts, k.last_ts + interval '1 microsecond')
		RETURNING last_ts`,
		in.ConversationID, now.UTC().Truncate(time.Microsecond),
	).Scan(&ts); err != nil {
		return AppendResult{}, fmt.Errorf("advance clock: %w", err)
	}
	ts = ts.UTC()

	var payload []byte
	if len(in.Payload) > 0 {
		payload = in.Payload
	}

	rec := Record{
		ID:             ids.MustULID(ts),
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Payload:        payload,
		CreatedAt:      ts,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (conversation_id, id, client_msg_id, sender_id, text, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ConversationID, rec.ID, rec.ClientMsgID, rec.SenderID, rec.Text, payload, rec.CreatedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET message_count = message_count + 1,
		        last_message = $2,
		        last_message_at = $3
		  WHERE id = $1`,
		rec.ConversationID, rec.Text, rec.CreatedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("update summary: %w", err)
	}

	// Delivered to listeners only on commit.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, rec.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: rec}, nil
}

// FetchPage returns up to Limit records strictly older than Before, newest first.
func (s *PostgresStore) FetchPage(ctx context.Context, in FetchPageInput) (Page, error) {
	if in.ConversationID == "" {
		return Page{}, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+recordColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		var beforeTS time.Time
		err = s.pool.QueryRow(ctx,
			`SELECT created_at FROM `+messages+` WHERE conversation_id = $1 AND id = $2`,
			in.ConversationID, string(in.Before),
		).Scan(&beforeTS)
		if errors.Is(err, pgx.ErrNoRows) {
			return Page{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
		}
		if err != nil {
			return Page{}, err
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+recordColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND (created_at, id) < ($2::timestamptz, $3::text)
			  ORDER BY created_at DESC, id DESC
			  LIMIT $4`,
			in.ConversationID, beforeTS, string(in.Before), fetch,
		)
	}
	if err != nil {
		return Page{}, err
	}

	recs, err := collectRecords(rows, fetch)
	if err != nil {
		return Page{}, err
	}

	if len(recs) == 0 && in.Before == "" {
		if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
			return Page{}, err
		}
	}

	page := Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.Next = CursorOf(page.Records[limit-1])
	}
	return page, nil
}

// Subscribe registers a listener and replays the backlog newer than in.After.
// With a zero watermark the newest Limit records are replayed.
func (s *PostgresStore) Subscribe(ctx context.Context, in SubscribeInput) (Subscription, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if in.OnBatch == nil {
		return nil, fmt.Errorf("%w: missing OnBatch", ErrInvalidInput)
	}
	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}
	if err := s.ensureListening(ctx); err != nil {
		return nil, err
	}

	// Register before reading the backlog: a notification racing the backlog read is
	// filtered by the listener watermark, never lost.
	l := s.hub.add(in)

	var (
		backlog []Record
		err     error
	)
	if in.After.IsZero() {
		backlog, err = s.newest(ctx, in.ConversationID, clampLimit(in.Limit))
	} else {
		backlog, err = s.newer(ctx, in.ConversationID, in.After)
	}
	if err != nil {
		l.Cancel()
		return nil, err
	}
	if len(backlog) > 0 {
		l.offer(backlog)
	}
	return l, nil
}

func (s *PostgresStore) ensureListening(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.listening {
		return nil
	}

	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	// A LISTEN session must never return to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.loopDone = make(chan struct{})
	s.listening = true

	go s.listenLoop(loopCtx, conn, s.loopDone)

	s.log.Info("feed.listen.start", "channel", s.channel)
	return nil
}

func (s *PostgresStore) listenLoop(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)

	var loopErr error
	defer func() {
		_ = conn.Close(context.Background())

		s.mu.Lock()
		s.listening = false
		s.mu.Unlock()

		if loopErr != nil {
			s.log.Warn("feed.listen.failed", "channel", s.channel, "err", loopErr)
			s.hub.failAll(fmt.Errorf("remote: change feed lost: %w", loopErr))
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				loopErr = err
			}
			return
		}
		s.deliver(ctx, n.Payload)
	}
}

// deliver reads the records each listener of convID has not seen yet.
func (s *PostgresStore) deliver(ctx context.Context, convID string) {
	for _, l := range s.hub.listeners(convID) {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		recs, err := s.newer(fetchCtx, convID, l.watermark())
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.fail(fmt.Errorf("remote: read new records: %w", err))
			continue
		}
		l.offer(recs)
	}
}

// newer returns every record with created_at > after, ascending.
func (s *PostgresStore) newer(ctx context.Context, convID string, after time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND created_at > $2
		  ORDER BY created_at ASC, id ASC`,
		convID, after,
	)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows, 16)
}

// newest returns the newest limit records, ascending.
func (s *PostgresStore) newest(ctx context.Context, convID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		convID, limit,
	)
	if err != nil {
		return nil, err
	}
	recs, err := collectRecords(rows, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

const recordColumns = `conversation_id, id, client_msg_id, sender_id, text, payload, created_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r       Record
		payload []byte
	)
	if err := row.Scan(&r.ConversationID, &r.ID, &r.ClientMsgID, &r.SenderID, &r.Text, &payload, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	if len(payload) > 0 {
		r.Payload = payload
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func collectRecords(rows pgx.Rows, capacity int) ([]Record, error) {
	defer rows.Close()

	out := make([]Record, 0, capacity)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
