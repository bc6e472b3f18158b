// Package events is the in-process publish/subscribe bus that carries sync
// and network notifications from the core to its consumers.
package events

import (
	"github.com/nhle/qmail/internal/model"
)

// Event is anything published on the bus. Account returns the owning
// account id, or "" for process-wide events.
type Event interface {
	Account() string
}

// NewMessages announces messages that were not cached before a poll.
type NewMessages struct {
	AccountID string
	Count     int
	IDs       []string
}

func (e NewMessages) Account() string { return e.AccountID }

// SyncError reports a failed fetch or replay that the user should see.
// Network unavailability is never reported this way.
type SyncError struct {
	AccountID string
	Kind      model.ErrorKind
	Err       error
}

func (e SyncError) Account() string { return e.AccountID }

// AccountStateChanged carries a snapshot of an account's sync state after
// a phase change.
type AccountStateChanged struct {
	AccountID string
	State     model.AccountSyncState
}

func (e AccountStateChanged) Account() string { return e.AccountID }

// AccountStopped is published when an account's worker gives up after too
// many consecutive failures or a storage fault.
type AccountStopped struct {
	AccountID string
	Reason    string
}

func (e AccountStopped) Account() string { return e.AccountID }

// NetworkStatusChanged is published on every online/offline transition.
type NetworkStatusChanged struct {
	Online bool
}

func (NetworkStatusChanged) Account() string { return "" }
