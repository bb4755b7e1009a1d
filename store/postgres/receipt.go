package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/store"
)

// receiptRow maps a receipts table row.
type receiptRow struct {
	ID             string    `db:"id"`
	Seq            int64     `db:"seq"`
	NotificationID string    `db:"notification_id"`
	ReceiverKind   string    `db:"receiver_kind"`
	ReceiverID     string    `db:"receiver_id"`
	Mailbox        string    `db:"mailbox"`
	IsRead         bool      `db:"is_read"`
	Trashed        bool      `db:"trashed"`
	Deleted        bool      `db:"deleted"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *receiptRow) toReceipt() store.Receipt {
	return store.Receipt{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		Receiver:       store.Ref{Kind: r.ReceiverKind, ID: r.ReceiverID},
		Mailbox:        store.Mailbox(r.Mailbox),
		IsRead:         r.IsRead,
		Trashed:        r.Trashed,
		Deleted:        r.Deleted,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const receiptColumns = `id, seq, notification_id, receiver_kind, receiver_id,
	mailbox, is_read, trashed, deleted, created_at, updated_at`

// validateReceiptBatch rejects batches with invalid receivers or
// duplicate (notification, receiver) pairs before anything is written.
func validateReceiptBatch(receipts []store.ReceiptData) error {
	seen := make(map[string]bool, len(receipts))
	for _, r := range receipts {
		if !r.Receiver.Valid() {
			return store.ErrInvalidRef
		}
		key := r.NotificationID + "\x00" + r.Receiver.String()
		if seen[key] {
			return store.ErrDuplicateEntry
		}
		seen[key] = true
	}
	return nil
}

// insertReceiptsTx inserts a receipt batch inside an open transaction.
// notificationID overrides the batch's NotificationID when non-empty.
func (s *Store) insertReceiptsTx(ctx context.Context, tx *sqlx.Tx, notificationID string, receipts []store.ReceiptData) ([]store.Receipt, error) {
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, notification_id, receiver_kind, receiver_id,
			mailbox, is_read, trashed, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, FALSE, $7, $8)
	`, s.receipts)

	saved := make([]store.Receipt, 0, len(receipts))
	for _, data := range receipts {
		nid := data.NotificationID
		if notificationID != "" {
			nid = notificationID
		}
		if !validID(nid) {
			return nil, store.ErrInvalidID
		}

		mailbox := data.Mailbox
		if mailbox == "" {
			mailbox = store.MailboxInbox
		}
		createdAt := timeOrNow(data.CreatedAt)
		updatedAt := data.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}

		r := store.Receipt{
			ID:             uuid.New().String(),
			NotificationID: nid,
			Receiver:       data.Receiver,
			Mailbox:        mailbox,
			IsRead:         data.IsRead,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
		}

		if _, err := tx.ExecContext(ctx, insert,
			r.ID, r.NotificationID, r.Receiver.Kind, r.Receiver.ID,
			string(r.Mailbox), r.IsRead, r.CreatedAt, r.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrDuplicateEntry
			}
			return nil, fmt.Errorf("insert receipt: %w", err)
		}
		saved = append(saved, r)
	}
	return saved, nil
}

// GetReceipt retrieves the single receipt held by receiver for the
// given notification.
func (s *Store) GetReceipt(ctx context.Context, notificationID string, receiver store.Ref) (*store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !validID(notificationID) {
		return nil, store.ErrInvalidID
	}
	if !receiver.Valid() {
		return nil, store.ErrInvalidRef
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE notification_id = $1 AND receiver_kind = $2 AND receiver_id = $3
	`, receiptColumns, s.receipts)

	var row receiptRow
	if err := s.db.GetContext(ctx, &row, query, notificationID, receiver.Kind, receiver.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r := row.toReceipt()
	return &r, nil
}

// CreateReceipts atomically persists a batch of receipts.
func (s *Store) CreateReceipts(ctx context.Context, data []store.ReceiptData) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateReceiptBatch(data); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	saved, err := s.insertReceiptsTx(ctx, tx, "", data)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}
	return saved, nil
}

// receiptWhere builds the WHERE clause for a ReceiptQuery.
func (s *Store) receiptWhere(q store.ReceiptQuery) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.NotificationID != "" {
		conds = append(conds, "notification_id = "+arg(q.NotificationID))
	}
	if q.ConversationID != "" {
		conds = append(conds, fmt.Sprintf(
			"notification_id IN (SELECT id FROM %s WHERE conversation_id = %s)",
			s.notifications, arg(q.ConversationID)))
	}
	if q.Receiver != nil {
		conds = append(conds, "receiver_kind = "+arg(q.Receiver.Kind))
		conds = append(conds, "receiver_id = "+arg(q.Receiver.ID))
	}
	if q.Mailbox != "" {
		conds = append(conds, "mailbox = "+arg(string(q.Mailbox)))
	}
	if q.Read != nil {
		conds = append(conds, "is_read = "+arg(*q.Read))
	}
	if q.Trashed != nil {
		conds = append(conds, "trashed = "+arg(*q.Trashed))
	}
	if q.Deleted != nil {
		conds = append(conds, "deleted = "+arg(*q.Deleted))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindReceipts retrieves receipts matching the query, oldest first.
func (s *Store) FindReceipts(ctx context.Context, q store.ReceiptQuery, opts store.ListOptions) ([]store.Receipt, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	where, args := s.receiptWhere(q)
	query := fmt.Sprintf(`
		SELECT %s FROM %s%s
		ORDER BY created_at ASC, seq ASC
		LIMIT $%d OFFSET $%d
	`, receiptColumns, s.receipts, where, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	var rows []receiptRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}

	receipts := make([]store.Receipt, len(rows))
	for i := range rows {
		receipts[i] = rows[i].toReceipt()
	}
	return receipts, nil
}

// CountReceipts returns the count of receipts matching the query.
func (s *Store) CountReceipts(ctx context.Context, q store.ReceiptQuery) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := s.receiptWhere(q)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.receipts, where)

	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return count, nil
}

// UpdateReceipts applies flag changes to every receipt matching the
// query in a single UPDATE statement.
func (s *Store) UpdateReceipts(ctx context.Context, q store.ReceiptQuery, flags store.Flags) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if flags.IsZero() {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := s.receiptWhere(q)

	var sets []string
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if flags.Read != nil {
		set("is_read", *flags.Read)
	}
	if flags.Trashed != nil {
		set("trashed", *flags.Trashed)
	}
	if flags.Deleted != nil {
		set("deleted", *flags.Deleted)
	}
	set("updated_at", time.Now().UTC())

	query := fmt.Sprintf(`UPDATE %s SET %s%s`, s.receipts, strings.Join(sets, ", "), where)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update receipts: %w", err)
	}
	return result.RowsAffected()
}
