package remote

import (
	"time"

	"github.com/nhle/qmail/internal/model"
)

// errorResponse is the backend's JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// wireMessage is a message as the backend serialises it.
type wireMessage struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	Folder        string    `json:"folder"`
	Subject       string    `json:"subject"`
	FromAddr      string    `json:"from_addr"`
	FromName      string    `json:"from_name"`
	ToAddr        string    `json:"to_addr"`
	ToName        string    `json:"to_name"`
	Body          string    `json:"body,omitempty"`
	Ciphertext    []byte    `json:"ciphertext,omitempty"`
	IsRead        bool      `json:"is_read"`
	IsStarred     bool      `json:"is_starred"`
	SecurityLevel int       `json:"security_level"`
	FlowID        string    `json:"flow_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type folderResponse struct {
	Messages   []wireMessage `json:"messages"`
	Total      int           `json:"total"`
	NextCursor string        `json:"next_cursor"`
}

type flagRequest struct {
	Read    *bool `json:"read,omitempty"`
	Starred *bool `json:"starred,omitempty"`
}

type keyStatusResponse struct {
	Available int `json:"available"`
}

type keyRequest struct {
	MasterSAEID string `json:"master_sae_id"`
	SlaveSAEID  string `json:"slave_sae_id"`
	Count       int    `json:"count"`
}

type keyRequestResponse struct {
	Granted int `json:"granted"`
}

type encryptRequest struct {
	SecurityLevel int    `json:"security_level"`
	Payload       []byte `json:"payload"`
}

type encryptResponse struct {
	Ciphertext []byte `json:"ciphertext"`
	FlowID     string `json:"flow_id"`
}

type decryptResponse struct {
	Plaintext     string `json:"plaintext"`
	SecurityLevel int    `json:"security_level"`
	FlowID        string `json:"flow_id"`
}

type verifyRequest struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

type sendRequest struct {
	To             []string     `json:"to"`
	Subject        string       `json:"subject"`
	Body           string       `json:"body"`
	SecurityLevel  int          `json:"security_level"`
	FlowID         string       `json:"flow_id,omitempty"`
	CiphertextSize int          `json:"ciphertext_size,omitempty"`
	Encoding       string       `json:"encoding"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type sendResponse struct {
	MessageID     string `json:"message_id"`
	SecurityLevel int    `json:"security_level"`
	FlowID        string `json:"flow_id"`
}

// toRecord converts a wire message. Listing entries that carry neither a
// body nor a ciphertext are summaries still waiting for their content.
func (w wireMessage) toRecord(accountID string, summary bool) model.MessageRecord {
	rec := model.MessageRecord{
		ID:         w.ID,
		AccountID:  accountID,
		Folder:     w.Folder,
		ThreadID:   w.ThreadID,
		Subject:    w.Subject,
		FromAddr:   w.FromAddr,
		FromName:   w.FromName,
		ToAddr:     w.ToAddr,
		ToName:     w.ToName,
		Body:       w.Body,
		Ciphertext: w.Ciphertext,
		IsRead:     w.IsRead,
		IsStarred:  w.IsStarred,
		Tier:       model.Tier(w.SecurityLevel),
		KeyRef:     w.FlowID,
		Timestamp:  w.Timestamp.UTC(),
		SyncStatus: model.SyncStatusSynced,
	}

	if rec.ThreadID == "" {
		rec.ThreadID = rec.ID
	}
	if summary && rec.Body == "" && len(rec.Ciphertext) == 0 {
		rec.SyncStatus = model.SyncStatusPendingDownload
	}

	return rec
}
