package auth

import (
	"context"
	"time"
)

// Identity is the verified (user, session) pair attached to a connection
// after a successful handshake.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// UserRoom returns the room key every connection of this user joins
// automatically.
func (id Identity) UserRoom() string {
	return "user:" + id.UserID
}

// SessionRoom returns the room key shared by all connections of the same
// study session. Empty if the token carried no session.
func (id Identity) SessionRoom() string {
	if id.SessionID == "" {
		return ""
	}
	return "session:" + id.SessionID
}

// Verifier turns connection credentials into a verified identity. The
// relay only consumes this; token issuance lives elsewhere.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
