package model

import "time"

// SyncPhase is the state of an account's sync state machine.
type SyncPhase string

const (
	PhaseIdle         SyncPhase = "idle"
	PhaseInitialFetch SyncPhase = "initial_fetch"
	PhasePolling      SyncPhase = "polling"
	PhaseErrorBackoff SyncPhase = "error_backoff"
	PhaseStopped      SyncPhase = "stopped"
)

// AccountSyncState is the per-account runtime cursor of the sync engine.
type AccountSyncState struct {
	AccountID string `json:"account_id" db:"account_id"`

	// LastSyncAt is when the last fully successful fetch finished.
	LastSyncAt time.Time `json:"last_sync_at" db:"last_sync_at"`

	// HighWaterMark is the newest remote message id fully ingested.
	HighWaterMark string `json:"high_water_mark" db:"high_water_mark"`

	// ErrorCount counts consecutive failed fetches.
	ErrorCount int `json:"error_count" db:"error_count"`

	PollingActive bool      `json:"polling_active" db:"-"`
	Phase         SyncPhase `json:"phase" db:"-"`
	LastError     string    `json:"last_error,omitempty" db:"-"`
}
