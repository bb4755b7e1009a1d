package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/store"
)

// conversationRow maps a conversations table row.
type conversationRow struct {
	ID        string    `db:"id"`
	Subject   string    `db:"subject"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *conversationRow) toConversation() store.Conversation {
	return store.Conversation{
		ID:        r.ID,
		Subject:   r.Subject,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateConversation persists a new conversation.
func (s *Store) CreateConversation(ctx context.Context, data store.ConversationData) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	createdAt := timeOrNow(data.CreatedAt)
	c := store.Conversation{
		ID:        uuid.New().String(),
		Subject:   data.Subject,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, subject, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, s.conversations)

	if _, err := s.db.ExecContext(ctx, query, c.ID, c.Subject, c.CreatedAt, c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, subject, created_at, updated_at FROM %s WHERE id = $1
	`, s.conversations)

	var row conversationRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c := row.toConversation()
	return &c, nil
}

// TouchConversation advances the conversation's UpdatedAt timestamp.
// The timestamp never moves backwards.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !validID(id) {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET updated_at = GREATEST(updated_at, $1) WHERE id = $2
	`, s.conversations)

	result, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteConversation permanently removes a conversation; its messages
// and their receipts cascade via foreign keys.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !validID(id) {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.conversations)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Participants returns the distinct receivers holding receipts on any of
// the conversation's messages, in first-appearance order.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]store.Ref, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !validID(conversationID) {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT r.receiver_kind, r.receiver_id
		FROM %s r
		JOIN %s n ON n.id = r.notification_id
		WHERE n.conversation_id = $1
		GROUP BY r.receiver_kind, r.receiver_id
		ORDER BY MIN(r.seq)
	`, s.receipts, s.notifications)

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var refs []store.Ref
	for rows.Next() {
		var ref store.Ref
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// boxPredicate returns the receipt predicate that files a conversation
// under the given box for a receiver.
func boxPredicate(box store.Box) (string, bool) {
	switch box {
	case store.BoxInbox:
		return `r.mailbox = 'inbox' AND NOT r.trashed AND NOT r.deleted`, true
	case store.BoxSentbox:
		return `r.mailbox = 'sentbox' AND NOT r.trashed AND NOT r.deleted`, true
	case store.BoxTrash:
		return `r.trashed AND NOT r.deleted`, true
	default:
		return "", false
	}
}

// ListConversations returns the conversations visible to receiver in the
// given box, most recently active first.
func (s *Store) ListConversations(ctx context.Context, receiver store.Ref, box store.Box, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}
	predicate, ok := boxPredicate(box)
	if !ok {
		return nil, fmt.Errorf("postgres: unknown box %q", box)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	exists := fmt.Sprintf(`
		EXISTS (
			SELECT 1 FROM %s r
			JOIN %s n ON n.id = r.notification_id
			WHERE n.conversation_id = c.id
			  AND r.receiver_kind = $1 AND r.receiver_id = $2
			  AND %s
		)
	`, s.receipts, s.notifications, predicate)

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s c WHERE %s`, s.conversations, exists)
	var total int64
	if err := s.db.GetContext(ctx, &total, countQuery, receiver.Kind, receiver.ID); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.subject, c.created_at, c.updated_at
		FROM %s c
		WHERE %s
		ORDER BY c.updated_at DESC, c.id
		LIMIT $3 OFFSET $4
	`, s.conversations, exists)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, receiver.Kind, receiver.ID, opts.Limit+1, opts.Offset); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	hasMore := len(rows) > opts.Limit
	if hasMore {
		rows = rows[:opts.Limit]
	}

	conversations := make([]store.Conversation, len(rows))
	for i := range rows {
		conversations[i] = rows[i].toConversation()
	}

	return &store.ConversationList{
		Conversations: conversations,
		Total:         total,
		HasMore:       hasMore,
	}, nil
}

// SearchConversations returns the conversations in which receiver holds
// an undeleted receipt on a message whose subject or body matches the
// search term (case-insensitive substring).
func (s *Store) SearchConversations(ctx context.Context, receiver store.Ref, query string, opts store.ListOptions) (*store.ConversationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	pattern := "%" + escapeLike(query) + "%"

	exists := fmt.Sprintf(`
		EXISTS (
			SELECT 1 FROM %s r
			JOIN %s n ON n.id = r.notification_id
			WHERE n.conversation_id = c.id
			  AND r.receiver_kind = $1 AND r.receiver_id = $2
			  AND NOT r.deleted
			  AND (n.subject ILIKE $3 OR n.body ILIKE $3)
		)
	`, s.receipts, s.notifications)

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s c WHERE %s`, s.conversations, exists)
	var total int64
	if err := s.db.GetContext(ctx, &total, countQuery, receiver.Kind, receiver.ID, pattern); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT c.id, c.subject, c.created_at, c.updated_at
		FROM %s c
		WHERE %s
		ORDER BY c.updated_at DESC, c.id
		LIMIT $4 OFFSET $5
	`, s.conversations, exists)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, listQuery, receiver.Kind, receiver.ID, pattern, opts.Limit+1, opts.Offset); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	hasMore := len(rows) > opts.Limit
	if hasMore {
		rows = rows[:opts.Limit]
	}

	conversations := make([]store.Conversation, len(rows))
	for i := range rows {
		conversations[i] = rows[i].toConversation()
	}

	return &store.ConversationList{
		Conversations: conversations,
		Total:         total,
		HasMore:       hasMore,
	}, nil
}

// escapeLike escapes LIKE wildcards in user-provided search terms.
func escapeLike(s string) string {
	var out []rune
	for _, r := range s {
		switch r {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
