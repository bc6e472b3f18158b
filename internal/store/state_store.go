package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/qmail/internal/model"
)

// SaveSyncState persists the durable part of an account's sync cursor.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, state model.AccountSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, last_sync_at, high_water_mark, error_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			high_water_mark = excluded.high_water_mark,
			error_count = excluded.error_count`,
		state.AccountID, state.LastSyncAt.UTC(), state.HighWaterMark, state.ErrorCount,
	)
	if err != nil {
		return classify(fmt.Errorf("saving sync state for %s: %w", state.AccountID, err))
	}
	return nil
}

// GetSyncState loads an account's checkpoint. Accounts that never synced
// get a zero state rather than ErrNotFound.
func (s *SQLiteStore) GetSyncState(ctx context.Context, accountID string) (*model.AccountSyncState, error) {
	var st model.AccountSyncState
	err := s.reader.GetContext(ctx, &st, `
		SELECT account_id, last_sync_at, high_water_mark, error_count
		FROM sync_state WHERE account_id = ?`, accountID,
	)
	if err != nil {
		err = classify(err)
		if IsNotFound(err) {
			return &model.AccountSyncState{AccountID: accountID, Phase: model.PhaseIdle}, nil
		}
		return nil, fmt.Errorf("getting sync state for %s: %w", accountID, err)
	}

	st.Phase = model.PhaseIdle
	return &st, nil
}

// DeleteAccount purges an account's messages, queue, checkpoint and
// notifications in one transaction.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, accountID string) ([]string, error) {
	var ids []string

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids, "SELECT id FROM messages WHERE account_id = ?", accountID); err != nil {
			return err
		}

		for _, q := range []string{
			"DELETE FROM messages WHERE account_id = ?",
			"DELETE FROM mutation_queue WHERE account_id = ?",
			"DELETE FROM sync_state WHERE account_id = ?",
			"DELETE FROM notifications WHERE account_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting account %s: %w", accountID, err)
	}

	return ids, nil
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, account_id, count, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, n.Count, n.Message, boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("creating notification: %w", err))
	}

	return nil
}

// GetUnreadNotifications retrieves all notifications that have not been read,
// ordered by creation time descending.
func (s *SQLiteStore) GetUnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	rows, err := s.reader.QueryxContext(ctx, `
		SELECT id, account_id, count, message, read, created_at
		FROM notifications WHERE read = 0 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("querying unread notifications: %w", err))
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, classify(rows.Err())
}

// MarkNotificationRead marks a single notification as read.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ?", id,
	)
	if err != nil {
		return classify(fmt.Errorf("marking notification %s as read: %w", id, err))
	}
	return nil
}

// scanNotification scans a notification row from a sqlx.Rows result set.
func scanNotification(rows *sqlx.Rows) (model.Notification, error) {
	var (
		n         model.Notification
		readInt   int
		createdAt time.Time
	)

	err := rows.Scan(&n.ID, &n.AccountID, &n.Count, &n.Message, &readInt, &createdAt)
	if err != nil {
		return model.Notification{}, corrupt("notification row", err)
	}

	n.Read = readInt != 0
	n.CreatedAt = createdAt

	return n, nil
}
