package model

import "time"

// Presence is a model of the persistency layer. One record exists per
// open connection; it is created on authentication and deleted on
// disconnect.
type Presence struct {
	ID           int64
	ConnectionID string
	UserID       string
	SessionID    string
	ConnectedAt  time.Time
	LastSeenAt   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
