// Package remote defines the collaborators the core talks to over the
// network: the mail backend, the key pool, the encryption service and the
// submission endpoint. Client implements all of them over HTTP/JSON.
package remote

import (
	"context"

	"github.com/nhle/qmail/internal/model"
)

// Page is one page of a folder listing.
type Page struct {
	Messages   []model.MessageRecord
	Total      int
	NextCursor string
}

// Mailbox is the remote message store of one account.
type Mailbox interface {
	// ListFolder returns a page of the folder, newest first. Entries
	// without content are returned with SyncStatusPendingDownload.
	ListFolder(ctx context.Context, folder string, limit, offset int) (*Page, error)

	// GetMessage returns the full message.
	GetMessage(ctx context.Context, id string) (*model.MessageRecord, error)

	MarkRead(ctx context.Context, id string, read bool) error
	MarkStarred(ctx context.Context, id string, starred bool) error
	Delete(ctx context.Context, id string) error
	MoveToTrash(ctx context.Context, id string) error
}

// KeyPool reports and replenishes the shared key material that encrypted
// tiers consume.
type KeyPool interface {
	// KeyStatus returns the number of keys currently available.
	KeyStatus(ctx context.Context) (int, error)

	// RequestKeys asks for count new keys and returns how many were granted.
	RequestKeys(ctx context.Context, count int) (int, error)
}

// Sealed is the result of encrypting a payload.
type Sealed struct {
	Ciphertext []byte
	FlowID     string
}

// Opened is the result of a resource-consuming decryption.
type Opened struct {
	Plaintext []byte
	Tier      model.Tier
	FlowID    string
}

// Crypto is the encryption service.
type Crypto interface {
	Encrypt(ctx context.Context, tier model.Tier, payload []byte) (*Sealed, error)

	// Decrypt consumes the key resource bound to the message.
	Decrypt(ctx context.Context, messageID string) (*Opened, error)

	// VerifyCode checks a second-factor code for a message.
	VerifyCode(ctx context.Context, messageID, code string) (bool, error)
}

// Submission encodings.
const (
	EncodingPlain      = "plain"
	EncodingCiphertext = "ciphertext"
)

// Attachment is a file sent along with a plaintext submission.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Submission is a message handed to the send endpoint.
type Submission struct {
	// IdempotencyKey makes retried submissions safe.
	IdempotencyKey string

	To      []string
	Subject string

	// Body is the plaintext body for EncodingPlain, or the ciphertext for
	// EncodingCiphertext.
	Body     []byte
	Encoding string

	Tier           model.Tier
	FlowID         string
	CiphertextSize int
	Attachments    []Attachment
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	MessageID string
	Tier      model.Tier
	FlowID    string
}

// Sender submits outgoing messages.
type Sender interface {
	Send(ctx context.Context, sub Submission) (*Receipt, error)
}

// Prober checks whether the backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}
