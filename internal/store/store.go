package store

import (
	"context"
	"errors"

	"github.com/nhle/qmail/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupt marks storage corruption. It is fatal for the affected
	// account and is never retried.
	ErrCorrupt = errors.New("store: storage corruption")
)

// IsNotFound reports whether err (or any error in its chain) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt reports whether err (or any error in its chain) is ErrCorrupt.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// Store defines the Local Mailbox Store: cached message records, the
// mutation queue, sync checkpoints and notifications. No operation touches
// the network.
type Store interface {
	// === Messages ===

	GetByFolder(ctx context.Context, accountID, folder string, limit, offset int) ([]model.MessageRecord, error)
	GetByID(ctx context.Context, id string) (*model.MessageRecord, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// PendingDownloads returns ids of the account's records whose content
	// has not been fetched yet, newest first.
	PendingDownloads(ctx context.Context, accountID string, max int) ([]string, error)

	// Upsert merges records into the cache keyed by id.
	Upsert(ctx context.Context, records ...model.MessageRecord) error

	// Patch applies a partial update. Remote-visible changes enqueue exactly
	// one mutation each in the same transaction.
	Patch(ctx context.Context, id string, patch model.MessagePatch) (*model.MessageRecord, error)

	// Delete removes the record locally and enqueues a remote delete.
	Delete(ctx context.Context, id string) error

	// === Mutation queue ===

	EnqueueMutation(ctx context.Context, entry model.MutationQueueEntry) (*model.MutationQueueEntry, error)
	DrainMutations(ctx context.Context, accountID string, max int) ([]model.MutationQueueEntry, error)
	CompleteMutation(ctx context.Context, id string) error
	FailMutation(ctx context.Context, id string, cause error) error
	DiscardMutation(ctx context.Context, id string) error
	PendingMutations(ctx context.Context, accountID string) (int, error)
	AccountsWithPendingMutations(ctx context.Context) ([]string, error)

	// === Sync state ===

	SaveSyncState(ctx context.Context, state model.AccountSyncState) error
	GetSyncState(ctx context.Context, accountID string) (*model.AccountSyncState, error)

	// DeleteAccount removes every record, queue entry and checkpoint of the
	// account and returns the ids of the removed messages.
	DeleteAccount(ctx context.Context, accountID string) ([]string, error)

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	Close() error
}
