package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/qmail/internal/model"
)

const mutationColumns = `seq, id, account_id, kind, message_id, payload, enqueued_at, attempts, last_error`

// EnqueueMutation appends an entry to the account's queue.
func (s *SQLiteStore) EnqueueMutation(
	ctx context.Context,
	entry model.MutationQueueEntry,
) (*model.MutationQueueEntry, error) {
	var out *model.MutationQueueEntry

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := s.insertMutationTx(ctx, tx, entry)
		if err != nil {
			return err
		}

		// Keep the pending_upload invariant for records that exist locally.
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET sync_status = ? WHERE id = ?",
			string(model.SyncStatusPendingUpload), e.MessageID,
		)
		if err != nil {
			return fmt.Errorf("marking message %s pending: %w", e.MessageID, err)
		}

		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DrainMutations returns up to max of the account's oldest entries without
// removing them.
func (s *SQLiteStore) DrainMutations(
	ctx context.Context,
	accountID string,
	max int,
) ([]model.MutationQueueEntry, error) {
	if max <= 0 {
		max = 1
	}

	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+mutationColumns+" FROM mutation_queue WHERE account_id = ? ORDER BY seq ASC LIMIT ?",
		accountID, max,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("querying mutation queue: %w", err))
	}
	defer rows.Close()

	var entries []model.MutationQueueEntry
	for rows.Next() {
		e, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, classify(rows.Err())
}

// CompleteMutation removes a replayed entry. Once no entries remain for the
// message, the record returns to synced.
func (s *SQLiteStore) CompleteMutation(ctx context.Context, id string) error {
	return s.removeMutation(ctx, id, "completing")
}

// DiscardMutation drops an entry the user chose not to replay.
func (s *SQLiteStore) DiscardMutation(ctx context.Context, id string) error {
	return s.removeMutation(ctx, id, "discarding")
}

func (s *SQLiteStore) removeMutation(ctx context.Context, id, verb string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var messageID string
		err := tx.GetContext(ctx, &messageID, "SELECT message_id FROM mutation_queue WHERE id = ?", id)
		if err != nil {
			return classify(err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id); err != nil {
			return err
		}

		var remaining int
		err = tx.GetContext(ctx, &remaining, "SELECT COUNT(*) FROM mutation_queue WHERE message_id = ?", messageID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		// A summary patched before its content arrived still needs the
		// download.
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET sync_status =
				CASE WHEN body = '' AND length(ciphertext) = 0 THEN ? ELSE ? END
			WHERE id = ? AND sync_status IN (?, ?)`,
			string(model.SyncStatusPendingDownload), string(model.SyncStatusSynced), messageID,
			string(model.SyncStatusPendingUpload), string(model.SyncStatusConflict),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s mutation %s: %w", verb, id, err)
	}

	return nil
}

// FailMutation records a failed replay attempt. The entry stays at the
// head of the queue. Rejected replays flag the record as conflicting.
func (s *SQLiteStore) FailMutation(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE mutation_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?",
			msg, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		var conflict rejectedError
		if errors.As(cause, &conflict) && conflict.Rejected() {
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET sync_status = ?
				WHERE id = (SELECT message_id FROM mutation_queue WHERE id = ?)`,
				string(model.SyncStatusConflict), id,
			)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failing mutation %s: %w", id, err)
	}

	return nil
}

// rejectedError is implemented by remote errors the server refused.
type rejectedError interface {
	Rejected() bool
}

// PendingMutations counts the account's queued entries.
func (s *SQLiteStore) PendingMutations(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM mutation_queue WHERE account_id = ?", accountID)
	if err != nil {
		return 0, classify(fmt.Errorf("counting mutations for %s: %w", accountID, err))
	}
	return n, nil
}

// AccountsWithPendingMutations lists accounts that have queued entries.
func (s *SQLiteStore) AccountsWithPendingMutations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, "SELECT DISTINCT account_id FROM mutation_queue ORDER BY account_id")
	if err != nil {
		return nil, classify(fmt.Errorf("listing accounts with mutations: %w", err))
	}
	return ids, nil
}

func (s *SQLiteStore) insertMutationTx(
	ctx context.Context,
	tx *sqlx.Tx,
	e model.MutationQueueEntry,
) (*model.MutationQueueEntry, error) {
	if e.AccountID == "" || e.MessageID == "" {
		return nil, fmt.Errorf("enqueueing %s mutation: account and message ids are required", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = s.now()
	}
	if len(e.Payload) == 0 {
		e.Payload = []byte("{}")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (id, account_id, kind, message_id, payload, enqueued_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Kind), e.MessageID, string(e.Payload),
		e.EnqueuedAt.UTC(), e.Attempts, e.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting %s mutation for %s: %w", e.Kind, e.MessageID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading mutation sequence: %w", err)
	}
	e.Seq = seq

	return &e, nil
}

// scanMutation scans a queue row from a sqlx.Rows result set.
func scanMutation(rows *sqlx.Rows) (model.MutationQueueEntry, error) {
	var (
		e       model.MutationQueueEntry
		kind    string
		payload string
	)

	err := rows.Scan(
		&e.Seq, &e.ID, &e.AccountID, &kind, &e.MessageID,
		&payload, &e.EnqueuedAt, &e.Attempts, &e.LastError,
	)
	if err != nil {
		return model.MutationQueueEntry{}, corrupt("mutation row", err)
	}

	e.Kind = model.MutationKind(kind)
	e.Payload = []byte(payload)

	return e, nil
}
