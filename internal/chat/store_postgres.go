package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements ConversationStore and MessageStore on PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - The send path takes a per-conversation transactional advisory lock so the
//     lastMessage snapshot and the unread increment land as one unit. Summary
//     fields remain a recomputable cache; the message log itself is append-only.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "quadchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "quadchat",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

// ---- ConversationStore ----

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pairKey := PairKey(conv.Participants[0].UserID, conv.Participants[1].UserID)

	var lastContent, lastSender, lastType *string
	var lastSentAt *time.Time
	if lm := conv.LastMessage; lm != nil {
		lastContent = &lm.Content
		lastSender = &lm.SenderID
		t := string(lm.Type)
		lastType = &t
		lastSentAt = &lm.SentAt
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (
		     id, pair_key, listing_id, is_active,
		     last_content, last_sender_id, last_type, last_sent_at,
		     created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, pairKey, conv.ListingID, conv.IsActive,
		lastContent, lastSender, lastType, lastSentAt,
		conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for i := range conv.Participants {
		p := conv.Participants[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("conversation_participants")+` (
			     conversation_id, user_id, unread_count, visibility, hidden_at
			   ) VALUES ($1, $2, $3, $4, $5)`,
			conv.ID, p.UserID, p.UnreadCount, string(p.Visibility), p.HiddenAt,
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getConversation(ctx, s.pool, id)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getConversation(ctx context.Context, q pgQuerier, id string) (*Conversation, error) {
	var (
		conv        Conversation
		lastContent *string
		lastSender  *string
		lastType    *string
		lastSentAt  *time.Time
	)

	err := q.QueryRow(ctx,
		`SELECT id, listing_id, is_active,
		        last_content, last_sender_id, last_type, last_sent_at,
		        created_at, updated_at
		   FROM `+s.table("conversations")+`
		  WHERE id = $1`,
		id,
	).Scan(
		&conv.ID, &conv.ListingID, &conv.IsActive,
		&lastContent, &lastSender, &lastType, &lastSentAt,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastContent != nil && lastSender != nil && lastType != nil && lastSentAt != nil {
		conv.LastMessage = &LastMessage{
			Content:  *lastContent,
			SenderID: *lastSender,
			Type:     MessageType(*lastType),
			SentAt:   *lastSentAt,
		}
	}

	rows, err := q.Query(ctx,
		`SELECT user_id, unread_count, visibility, hidden_at
		   FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = $1
		  ORDER BY user_id`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= 2 {
			return nil, errors.New("chat: conversation has more than two participants")
		}
		var p Participant
		var vis string
		if err := rows.Scan(&p.UserID, &p.UnreadCount, &vis, &p.HiddenAt); err != nil {
			return nil, err
		}
		p.Visibility = Visibility(vis)
		conv.Participants[i] = p
		i++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if i != 2 {
		return nil, errors.New("chat: conversation participant rows missing")
	}

	return &conv, nil
}

func (s *PostgresStore) FindActiveConversation(ctx context.Context, pairKey string, listingID *string) (*Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+s.table("conversations")+`
		  WHERE pair_key = $1
		    AND listing_id IS NOT DISTINCT FROM $2
		    AND is_active`,
		pairKey, listingID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	conv, err := s.getConversation(ctx, s.pool, id)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func (s *PostgresStore) SetVisibility(ctx context.Context, convID, userID string, hidden bool, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var hiddenAt *time.Time
	vis := VisibilityVisible
	if hidden {
		vis = VisibilityHidden
		hiddenAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET visibility = $3, hidden_at = $4
		  WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID, string(vis), hiddenAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingParticipantErr(ctx, convID)
	}
	return nil
}

func (s *PostgresStore) ApplySend(ctx context.Context, convID string, last LastMessage, recipientID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize summary writes per conversation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, convID); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET last_content = $2, last_sender_id = $3, last_type = $4, last_sent_at = $5,
		        updated_at = $6
		  WHERE id = $1`,
		convID, last.Content, last.SenderID, string(last.Type), last.SentAt, now,
	)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrConversationNotFound
	}

	var unread int
	err = tx.QueryRow(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET unread_count = unread_count + 1,
		        visibility = $3, hidden_at = NULL
		  WHERE conversation_id = $1 AND user_id = $2
		RETURNING unread_count`,
		convID, recipientID, string(VisibilityVisible),
	).Scan(&unread)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotParticipant
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return unread, nil
}

func (s *PostgresStore) ResetUnread(ctx context.Context, convID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_participants")+`
		    SET unread_count = 0
		  WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingParticipantErr(ctx, convID)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, page Page) ([]Conversation, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(defaultConversationLimit, maxConversationLimit)

	conversations := s.table("conversations")
	participants := s.table("conversation_participants")

	matchSQL := ` FROM ` + conversations + ` c
	  JOIN ` + participants + ` p ON p.conversation_id = c.id
	 WHERE p.user_id = $1 AND p.visibility = $2 AND c.is_active`

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*)`+matchSQL, userID, string(VisibilityVisible),
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id`+matchSQL+`
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT $3 OFFSET $4`,
		userID, string(VisibilityVisible), page.Limit, page.offset(),
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	ids := make([]string, 0, page.Limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.getConversation(ctx, s.pool, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *conv)
	}
	return out, total, nil
}

func (s *PostgresStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(p.unread_count), 0)
		   FROM `+s.table("conversation_participants")+` p
		   JOIN `+s.table("conversations")+` c ON c.id = p.conversation_id
		  WHERE p.user_id = $1 AND p.visibility = $2 AND c.is_active`,
		userID, string(VisibilityVisible),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, convID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+` SET is_active = FALSE WHERE id = $1`,
		convID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ---- MessageStore ----

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, conversation_id, sender_id, content, type, image_url, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Type),
		nullIfEmpty(msg.ImageURL), msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, r := range msg.ReadBy {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("message_reads")+` (message_id, user_id, read_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			msg.ID, r.UserID, r.ReadAt,
		); err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		m        Message
		typ      string
		imageURL *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, content, type, image_url, created_at
		   FROM `+s.table("messages")+`
		  WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &imageURL, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Type = MessageType(typ)
	if imageURL != nil {
		m.ImageURL = *imageURL
	}

	if err := s.loadReceipts(ctx, []*Message{&m}); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, convID, userID string, page Page) ([]Message, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page = page.normalized(defaultMessageLimit, maxMessageLimit)

	messages := s.table("messages")
	deletes := s.table("message_deletes")

	visibleSQL := ` FROM ` + messages + ` m
	 WHERE m.conversation_id = $1
	   AND NOT EXISTS (
	         SELECT 1 FROM ` + deletes + ` d
	          WHERE d.message_id = m.id AND d.user_id = $2
	       )`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*)`+visibleSQL, convID, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	// Newest-first page, reversed below to chronological order.
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.image_url, m.created_at`+
			visibleSQL+`
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $3 OFFSET $4`,
		convID, userID, page.Limit, page.offset(),
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Message, 0, page.Limit)
	for rows.Next() {
		var (
			m        Message
			typ      string
			imageURL *string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &imageURL, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		m.Type = MessageType(typ)
		if imageURL != nil {
			m.ImageURL = *imageURL
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Reverse to oldest -> newest.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	ptrs := make([]*Message, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := s.loadReceipts(ctx, ptrs); err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, convID, readerID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("message_reads")+` (message_id, user_id, read_at)
		 SELECT m.id, $2, $3
		   FROM `+s.table("messages")+` m
		  WHERE m.conversation_id = $1 AND m.sender_id <> $2
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		convID, readerID, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteMessageForUser(ctx context.Context, msgID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("messages")+` WHERE id = $1)`,
		msgID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrMessageNotFound
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("message_deletes")+` (message_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		msgID, userID,
	)
	return err
}

// ---- helpers ----

func (s *PostgresStore) loadReceipts(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, read_at
		   FROM `+s.table("message_reads")+`
		  WHERE message_id = ANY($1)
		  ORDER BY read_at`,
		ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var msgID string
		var r ReadReceipt
		if err := rows.Scan(&msgID, &r.UserID, &r.ReadAt); err != nil {
			return err
		}
		if m := byID[msgID]; m != nil {
			m.ReadBy = append(m.ReadBy, r)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) missingParticipantErr(ctx context.Context, convID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1)`,
		convID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrConversationNotFound
	}
	return ErrNotParticipant
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
