package postgres

import (
	"github.com/jmoiron/sqlx"
	"github.com/prepio/relay/pkg/storage"
)

// store contains all PostgreSQL based sub-stores for managing the models
type store struct {
	presences *presenceStore
}

// NewStore creates a new PostgreSQL based Storage interface
func NewStore(db *sqlx.DB) storage.Interface {
	return &store{
		presences: newPresenceStore(db),
	}
}

// Presences returns a sub-store for managing the Presence model
func (s *store) Presences() storage.PresenceStore {
	return s.presences
}
