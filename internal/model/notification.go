package model

import "time"

// Notification is a persisted "new messages" alert surfaced to the user.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	// AccountID identifies the account whose poll produced the alert.
	AccountID string `json:"account_id" db:"account_id"`

	// Count is the number of new messages announced.
	Count int `json:"count" db:"count"`

	// Message is the human-readable notification text.
	Message string `json:"message" db:"message"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read" db:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
