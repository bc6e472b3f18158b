package model

import "time"

// SyncStatus describes how a cached record relates to the remote copy.
type SyncStatus string

const (
	SyncStatusSynced          SyncStatus = "synced"
	SyncStatusPendingUpload   SyncStatus = "pending_upload"
	SyncStatusPendingDownload SyncStatus = "pending_download"
	SyncStatusConflict        SyncStatus = "conflict"
)

// Well-known folder names.
const (
	FolderInbox = "inbox"
	FolderSent  = "sent"
	FolderTrash = "trash"
)

// Tier is the ordinal encryption level of a message. Zero means no
// encryption; higher values carry more assurance.
type Tier int

// TierNone is the unencrypted tier.
const TierNone Tier = 0

// MessageRecord is the canonical cached unit of the local mailbox.
type MessageRecord struct {
	// ID is the stable remote identifier of the message.
	ID string `json:"id" db:"id"`

	// AccountID is the account the message belongs to.
	AccountID string `json:"account_id" db:"account_id"`

	// Folder is the mailbox folder the message is filed in.
	Folder string `json:"folder" db:"folder"`

	// ThreadID groups the message into a conversation.
	ThreadID string `json:"thread_id" db:"thread_id"`

	Subject  string `json:"subject" db:"subject"`
	FromAddr string `json:"from_addr" db:"from_addr"`
	FromName string `json:"from_name" db:"from_name"`
	ToAddr   string `json:"to_addr" db:"to_addr"`
	ToName   string `json:"to_name" db:"to_name"`

	// Body is the plaintext body, when the message is not encrypted.
	Body string `json:"body" db:"body"`

	// Ciphertext is the opaque encrypted payload, when present.
	Ciphertext []byte `json:"ciphertext,omitempty" db:"ciphertext"`

	IsRead    bool `json:"is_read" db:"is_read"`
	IsStarred bool `json:"is_starred" db:"is_starred"`

	// Tier is the encryption tier the message was sent with.
	Tier Tier `json:"tier" db:"tier"`

	// KeyRef binds the message to the key-pool resource consumed at
	// encryption time (the QKD flow identifier).
	KeyRef string `json:"key_ref" db:"key_ref"`

	// Decrypted is set once a resource-backed decryption has succeeded and
	// the plaintext is held in the vault.
	Decrypted bool `json:"decrypted" db:"decrypted"`

	// GloballyDecrypted marks plaintext that is safe to reuse across sessions.
	GloballyDecrypted bool `json:"globally_decrypted" db:"globally_decrypted"`

	// Timestamp is when the message was sent or received remotely.
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	SyncStatus SyncStatus `json:"sync_status" db:"sync_status"`

	// LastModified is refreshed on every local write.
	LastModified time.Time `json:"last_modified" db:"last_modified"`
}

// Encrypted reports whether the record needs the access gate to reveal
// its content: it was sent above tier none and no plaintext body is held
// locally. Summaries still waiting for their ciphertext count as encrypted.
func (m MessageRecord) Encrypted() bool {
	return m.Tier > TierNone && m.Body == ""
}

// MessagePatch holds a partial update to a MessageRecord. Nil fields are
// left untouched.
type MessagePatch struct {
	IsRead            *bool
	IsStarred         *bool
	Folder            *string
	Decrypted         *bool
	GloballyDecrypted *bool
}

// Remote reports whether the patch changes state that must be replayed
// against the remote mailbox.
func (p MessagePatch) Remote() bool {
	return p.IsRead != nil || p.IsStarred != nil || p.Folder != nil
}
