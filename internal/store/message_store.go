package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/qmail/internal/model"
)

const messageColumns = `
	id, account_id, folder, thread_id, subject,
	from_addr, from_name, to_addr, to_name,
	body, ciphertext, is_read, is_starred,
	tier, key_ref, decrypted, globally_decrypted,
	timestamp, sync_status, last_modified`

// GetByFolder returns a page of cached messages in a folder, newest first.
func (s *SQLiteStore) GetByFolder(
	ctx context.Context,
	accountID, folder string,
	limit, offset int,
) ([]model.MessageRecord, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE folder = ?"
	args := []interface{}{folder}

	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	var records []model.MessageRecord
	if err := s.reader.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, classify(fmt.Errorf("querying folder %s: %w", folder, err))
	}

	return records, nil
}

// GetByID retrieves a single cached message by its ID.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	err := s.reader.GetContext(ctx, &rec,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("getting message %s: %w", id, err))
	}

	return &rec, nil
}

// ExistingIDs reports which of the given ids are already cached.
func (s *SQLiteStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	// Ids with a queued delete count as known so a poll does not announce
	// them again before the delete is replayed.
	query, args, err := sqlx.In(`
		SELECT id FROM messages WHERE id IN (?)
		UNION
		SELECT message_id FROM mutation_queue WHERE kind = ? AND message_id IN (?)`,
		ids, string(model.MutationDelete), ids,
	)
	if err != nil {
		return nil, fmt.Errorf("building id lookup: %w", err)
	}

	var found []string
	if err := s.reader.SelectContext(ctx, &found, s.reader.Rebind(query), args...); err != nil {
		return nil, classify(fmt.Errorf("looking up message ids: %w", err))
	}
	for _, id := range found {
		existing[id] = true
	}

	return existing, nil
}

// PendingDownloads returns ids of listing summaries still waiting for
// their content. Summaries patched locally before the download keep
// qualifying while their body is empty.
func (s *SQLiteStore) PendingDownloads(ctx context.Context, accountID string, max int) ([]string, error) {
	query := `
		SELECT id FROM messages
		WHERE account_id = ?
		  AND (sync_status = ?
		       OR (sync_status = ? AND body = '' AND length(ciphertext) = 0))
		ORDER BY timestamp DESC, id DESC`
	if max > 0 {
		query += fmt.Sprintf(" LIMIT %d", max)
	}

	var ids []string
	err := s.reader.SelectContext(ctx, &ids, query,
		accountID, string(model.SyncStatusPendingDownload), string(model.SyncStatusPendingUpload),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("listing pending downloads of %s: %w", accountID, err))
	}

	return ids, nil
}

// Upsert inserts new records and merge-patches existing ones. Applying the
// same record twice changes nothing but last_modified. Records deleted
// locally are not re-inserted while their remote delete is queued.
func (s *SQLiteStore) Upsert(ctx context.Context, records ...model.MessageRecord) error {
	if len(records) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, in := range records {
			if in.ID == "" {
				return fmt.Errorf("upserting message: empty id")
			}

			cur, err := getMessageTx(ctx, tx, in.ID)
			switch {
			case err == nil:
				merged := mergeRecord(*cur, in)
				merged.LastModified = s.now()
				if err := updateMessageTx(ctx, tx, merged); err != nil {
					return err
				}
			case IsNotFound(err):
				deleted, err := pendingDeleteTx(ctx, tx, in.ID)
				if err != nil {
					return err
				}
				if deleted {
					continue
				}
				if in.SyncStatus == "" {
					in.SyncStatus = model.SyncStatusSynced
				}
				in.LastModified = s.now()
				if err := insertMessageTx(ctx, tx, in); err != nil {
					return err
				}
			default:
				return err
			}
		}
		return nil
	})
}

// Patch applies a partial update. Every read/starred/folder write appends
// exactly one mutation entry and marks the record pending_upload.
func (s *SQLiteStore) Patch(
	ctx context.Context,
	id string,
	patch model.MessagePatch,
) (*model.MessageRecord, error) {
	var out model.MessageRecord

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		rec := *cur

		var entries []model.MutationQueueEntry

		if patch.IsRead != nil {
			rec.IsRead = *patch.IsRead
			entries = append(entries, flagEntry(rec, model.MutationMarkRead, *patch.IsRead))
		}
		if patch.IsStarred != nil {
			rec.IsStarred = *patch.IsStarred
			entries = append(entries, flagEntry(rec, model.MutationMarkStarred, *patch.IsStarred))
		}
		if patch.Folder != nil {
			if *patch.Folder != model.FolderTrash {
				return fmt.Errorf("moving message %s to %q: only %q is supported", id, *patch.Folder, model.FolderTrash)
			}
			rec.Folder = *patch.Folder
			snapshot, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("snapshotting message %s: %w", id, err)
			}
			entries = append(entries, model.MutationQueueEntry{
				AccountID: rec.AccountID,
				Kind:      model.MutationMoveToTrash,
				MessageID: rec.ID,
				Payload:   snapshot,
			})
		}
		if patch.Decrypted != nil {
			rec.Decrypted = *patch.Decrypted
		}
		if patch.GloballyDecrypted != nil {
			rec.GloballyDecrypted = *patch.GloballyDecrypted
		}

		if len(entries) > 0 {
			rec.SyncStatus = model.SyncStatusPendingUpload
		}
		rec.LastModified = s.now()

		if err := updateMessageTx(ctx, tx, rec); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := s.insertMutationTx(ctx, tx, e); err != nil {
				return err
			}
		}

		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("patching message %s: %w", id, err)
	}

	return &out, nil
}

// Delete removes a cached message and enqueues the remote delete.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("snapshotting message %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting message %s: %w", id, err)
		}

		_, err = s.insertMutationTx(ctx, tx, model.MutationQueueEntry{
			AccountID: cur.AccountID,
			Kind:      model.MutationDelete,
			MessageID: cur.ID,
			Payload:   snapshot,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}

	return nil
}

// mergeRecord applies an incoming remote copy onto the cached one.
// Immutable fields are fixed once set; mutable flags follow the incoming
// copy unless a local change is still waiting to be uploaded; local-only
// decrypt markers are sticky.
func mergeRecord(cur, in model.MessageRecord) model.MessageRecord {
	out := cur

	setOnce(&out.AccountID, in.AccountID)
	setOnce(&out.ThreadID, in.ThreadID)
	setOnce(&out.Subject, in.Subject)
	setOnce(&out.FromAddr, in.FromAddr)
	setOnce(&out.FromName, in.FromName)
	setOnce(&out.ToAddr, in.ToAddr)
	setOnce(&out.ToName, in.ToName)
	setOnce(&out.Body, in.Body)
	setOnce(&out.KeyRef, in.KeyRef)
	if len(out.Ciphertext) == 0 && len(in.Ciphertext) > 0 {
		out.Ciphertext = in.Ciphertext
	}
	if out.Tier == model.TierNone {
		out.Tier = in.Tier
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = in.Timestamp
	}

	if cur.SyncStatus != model.SyncStatusPendingUpload {
		out.IsRead = in.IsRead
		out.IsStarred = in.IsStarred
		if in.Folder != "" {
			out.Folder = in.Folder
		}
	}

	out.Decrypted = cur.Decrypted || in.Decrypted
	out.GloballyDecrypted = cur.GloballyDecrypted || in.GloballyDecrypted

	if cur.SyncStatus == model.SyncStatusPendingDownload && in.SyncStatus == model.SyncStatusSynced {
		out.SyncStatus = model.SyncStatusSynced
	}

	return out
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func getMessageTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	err := tx.GetContext(ctx, &rec, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, classify(fmt.Errorf("getting message %s: %w", id, err))
	}
	return &rec, nil
}

// pendingDeleteTx reports whether a remote delete of id is still queued.
func pendingDeleteTx(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM mutation_queue WHERE message_id = ? AND kind = ?",
		id, string(model.MutationDelete),
	)
	if err != nil {
		return false, fmt.Errorf("checking queued delete of %s: %w", id, err)
	}
	return n > 0, nil
}

func insertMessageTx(ctx context.Context, tx *sqlx.Tx, m model.MessageRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)`,
		m.ID, m.AccountID, m.Folder, m.ThreadID, m.Subject,
		m.FromAddr, m.FromName, m.ToAddr, m.ToName,
		m.Body, nonNil(m.Ciphertext), boolToInt(m.IsRead), boolToInt(m.IsStarred),
		int(m.Tier), m.KeyRef, boolToInt(m.Decrypted), boolToInt(m.GloballyDecrypted),
		m.Timestamp.UTC(), string(m.SyncStatus), m.LastModified.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

func updateMessageTx(ctx context.Context, tx *sqlx.Tx, m model.MessageRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET
			account_id = ?, folder = ?, thread_id = ?, subject = ?,
			from_addr = ?, from_name = ?, to_addr = ?, to_name = ?,
			body = ?, ciphertext = ?, is_read = ?, is_starred = ?,
			tier = ?, key_ref = ?, decrypted = ?, globally_decrypted = ?,
			timestamp = ?, sync_status = ?, last_modified = ?
		WHERE id = ?`,
		m.AccountID, m.Folder, m.ThreadID, m.Subject,
		m.FromAddr, m.FromName, m.ToAddr, m.ToName,
		m.Body, nonNil(m.Ciphertext), boolToInt(m.IsRead), boolToInt(m.IsStarred),
		int(m.Tier), m.KeyRef, boolToInt(m.Decrypted), boolToInt(m.GloballyDecrypted),
		m.Timestamp.UTC(), string(m.SyncStatus), m.LastModified.UTC(),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", m.ID, err)
	}
	return nil
}

func flagEntry(rec model.MessageRecord, kind model.MutationKind, value bool) model.MutationQueueEntry {
	payload, _ := json.Marshal(model.FlagPayload{Value: value})
	return model.MutationQueueEntry{
		AccountID: rec.AccountID,
		Kind:      kind,
		MessageID: rec.ID,
		Payload:   payload,
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
