package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/store"
)

// notificationRow maps a notifications table row.
type notificationRow struct {
	ID             string         `db:"id"`
	Seq            int64          `db:"seq"`
	Kind           string         `db:"kind"`
	ConversationID sql.NullString `db:"conversation_id"`
	SenderKind     string         `db:"sender_kind"`
	SenderID       string         `db:"sender_id"`
	Subject        string         `db:"subject"`
	Body           string         `db:"body"`
	ObjectKind     string         `db:"object_kind"`
	ObjectID       string         `db:"object_id"`
	Code           string         `db:"code"`
	Global         bool           `db:"global"`
	Expires        sql.NullTime   `db:"expires"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *notificationRow) toNotification() store.Notification {
	n := store.Notification{
		ID:        r.ID,
		Kind:      store.Kind(r.Kind),
		Sender:    store.Ref{Kind: r.SenderKind, ID: r.SenderID},
		Subject:   r.Subject,
		Body:      r.Body,
		Object:    store.Ref{Kind: r.ObjectKind, ID: r.ObjectID},
		Code:      r.Code,
		Global:    r.Global,
		CreatedAt: r.CreatedAt,
	}
	if r.ConversationID.Valid {
		n.ConversationID = r.ConversationID.String
	}
	if r.Expires.Valid {
		expires := r.Expires.Time
		n.Expires = &expires
	}
	return n
}

const notificationColumns = `id, seq, kind, conversation_id, sender_kind, sender_id,
	subject, body, object_kind, object_id, code, global, expires, created_at`

// Deliver atomically persists a notification together with its receipt
// batch inside one transaction.
func (s *Store) Deliver(ctx context.Context, data store.NotificationData, receipts []store.ReceiptData) (*store.Notification, []store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	if err := validateReceiptBatch(receipts); err != nil {
		return nil, nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	createdAt := timeOrNow(data.CreatedAt)
	n := store.Notification{
		ID:             uuid.New().String(),
		Kind:           data.Kind,
		ConversationID: data.ConversationID,
		Sender:         data.Sender,
		Subject:        data.Subject,
		Body:           data.Body,
		Object:         data.Object,
		Code:           data.Code,
		Global:         data.Global,
		Expires:        data.Expires,
		CreatedAt:      createdAt,
	}

	var convID sql.NullString
	if n.ConversationID != "" {
		if !validID(n.ConversationID) {
			return nil, nil, store.ErrInvalidID
		}
		convID = sql.NullString{String: n.ConversationID, Valid: true}
	}

	insertNotification := fmt.Sprintf(`
		INSERT INTO %s (id, kind, conversation_id, sender_kind, sender_id,
			subject, body, object_kind, object_id, code, global, expires, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.notifications)

	if _, err := tx.ExecContext(ctx, insertNotification,
		n.ID, string(n.Kind), convID, n.Sender.Kind, n.Sender.ID,
		n.Subject, n.Body, n.Object.Kind, n.Object.ID, n.Code, n.Global,
		nullTime(n.Expires), n.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("insert notification: %w", err)
	}

	saved, err := s.insertReceiptsTx(ctx, tx, n.ID, receipts)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}
	return &n, saved, nil
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (*store.Notification, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, notificationColumns, s.notifications)

	var row notificationRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	n := row.toNotification()
	return &n, nil
}

// notificationWhere builds the WHERE clause for a NotificationQuery.
func (s *Store) notificationWhere(q store.NotificationQuery) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(q.ConversationID))
	}
	if q.Sender != nil {
		conds = append(conds, "sender_kind = "+arg(q.Sender.Kind))
		conds = append(conds, "sender_id = "+arg(q.Sender.ID))
	}
	if q.Receiver != nil {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s r WHERE r.notification_id = %s.id AND r.receiver_kind = %s AND r.receiver_id = %s)",
			s.receipts, s.notifications, arg(q.Receiver.Kind), arg(q.Receiver.ID)))
	}
	if q.Object != nil {
		conds = append(conds, "object_kind = "+arg(q.Object.Kind))
		conds = append(conds, "object_id = "+arg(q.Object.ID))
	}
	if q.Code != "" {
		conds = append(conds, "code = "+arg(q.Code))
	}
	if q.Global != nil {
		conds = append(conds, "global = "+arg(*q.Global))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindNotifications retrieves notifications matching the query, oldest
// first with insertion order as tiebreak.
func (s *Store) FindNotifications(ctx context.Context, q store.NotificationQuery, opts store.ListOptions) (*store.NotificationList, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	where, args := s.notificationWhere(q)

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.notifications, where)
	var total int64
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s%s
		ORDER BY created_at ASC, seq ASC
		LIMIT $%d OFFSET $%d
	`, notificationColumns, s.notifications, where, len(args)+1, len(args)+2)
	args = append(args, opts.Limit+1, opts.Offset)

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	hasMore := len(rows) > opts.Limit
	if hasMore {
		rows = rows[:opts.Limit]
	}

	notifications := make([]store.Notification, len(rows))
	for i := range rows {
		notifications[i] = rows[i].toNotification()
	}

	return &store.NotificationList{
		Notifications: notifications,
		Total:         total,
		HasMore:       hasMore,
	}, nil
}

// SetExpires persists the expiry timestamp of a notification.
func (s *Store) SetExpires(ctx context.Context, id string, expires time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !validID(id) {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET expires = $1 WHERE id = $2`, s.notifications)
	result, err := s.db.ExecContext(ctx, query, expires, id)
	if err != nil {
		return fmt.Errorf("set expires: %w", err)
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

// DeleteNotification permanently removes a notification; receipts
// cascade via the foreign key.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !validID(id) {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.notifications)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
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

// DeleteExpiredNotifications atomically deletes all notifications whose
// expiry is set and earlier than cutoff.
func (s *Store) DeleteExpiredNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires IS NOT NULL AND expires < $1`, s.notifications)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return result.RowsAffected()
}
