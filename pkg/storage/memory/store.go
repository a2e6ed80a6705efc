package memory

import "github.com/prepio/relay/pkg/storage"

// Store contains all memory-based sub-stores for managing the persistent models
type store struct {
	presences *presenceStore
}

// NewStore creates a new memory-based Storage interface
func NewStore() storage.Interface {
	return &store{
		presences: newPresenceStore(),
	}
}

// Presences returns a sub-store for managing the Presence model
func (s *store) Presences() storage.PresenceStore {
	return s.presences
}
