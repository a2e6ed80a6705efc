package storage

import (
	"time"

	"github.com/prepio/relay/pkg/model"
)

// Interface is implemented by the storage
type Interface interface {
	Presences() PresenceStore
}

// PresenceStore is responsible for managing the Presence model
type PresenceStore interface {
	FetchAll() (map[string]model.Presence, error)
	FindByConnectionID(connID string) (*model.Presence, error)
	FindByUserID(userID string) ([]model.Presence, error)
	Create(m *model.Presence) error
	Touch(connID string, seenAt time.Time) error
	Delete(connID string) error
}
