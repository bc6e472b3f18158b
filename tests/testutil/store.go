package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Message builds a synced inbox record for account acct. Records built with
// increasing n sort newest-first by n.
func Message(acct string, n int) model.MessageRecord {
	return model.MessageRecord{
		ID:         fmt.Sprintf("%s-msg-%03d", acct, n),
		AccountID:  acct,
		Folder:     model.FolderInbox,
		ThreadID:   fmt.Sprintf("%s-thread-%03d", acct, n),
		Subject:    fmt.Sprintf("subject %d", n),
		FromAddr:   "alice@example.com",
		FromName:   "Alice",
		ToAddr:     "bob@example.com",
		ToName:     "Bob",
		Body:       fmt.Sprintf("body %d", n),
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Minute),
		SyncStatus: model.SyncStatusSynced,
	}
}

// EncryptedMessage builds an inbox record at the given tier carrying an
// opaque ciphertext and key reference.
func EncryptedMessage(acct string, n int, tier model.Tier) model.MessageRecord {
	m := Message(acct, n)
	m.Body = ""
	m.Tier = tier
	m.Ciphertext = []byte(fmt.Sprintf("cipher-%d", n))
	m.KeyRef = fmt.Sprintf("flow-%d", n)
	return m
}
