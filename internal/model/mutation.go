package model

import (
	"encoding/json"
	"time"
)

// MutationKind identifies the remote operation a queue entry replays.
type MutationKind string

const (
	MutationMarkRead    MutationKind = "mark_read"
	MutationMarkStarred MutationKind = "mark_starred"
	MutationDelete      MutationKind = "delete"
	MutationMoveToTrash MutationKind = "move_to_trash"
)

// MutationQueueEntry is a durable intent to replay a local change against
// the remote mailbox once connectivity allows.
type MutationQueueEntry struct {
	// ID is the unique identifier of the entry.
	ID string `json:"id" db:"id"`

	// Seq orders entries; lower values were enqueued first.
	Seq int64 `json:"seq" db:"seq"`

	AccountID string       `json:"account_id" db:"account_id"`
	Kind      MutationKind `json:"kind" db:"kind"`
	MessageID string       `json:"message_id" db:"message_id"`

	// Payload is a snapshot of the values the mutation applies.
	Payload json.RawMessage `json:"payload" db:"payload"`

	EnqueuedAt time.Time `json:"enqueued_at" db:"enqueued_at"`
	Attempts   int       `json:"attempts" db:"attempts"`
	LastError  string    `json:"last_error" db:"last_error"`
}

// FlagPayload is the payload of mark_read and mark_starred entries.
type FlagPayload struct {
	Value bool `json:"value"`
}

// FlagValue decodes the boolean carried by a flag mutation.
func (e MutationQueueEntry) FlagValue() (bool, error) {
	var p FlagPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return false, err
	}
	return p.Value, nil
}
