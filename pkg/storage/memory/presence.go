package memory

import (
	"sync"
	"time"

	"github.com/prepio/relay/pkg/model"
	"github.com/prepio/relay/pkg/storage"
)

type presenceStore struct {
	store  map[string]model.Presence
	nextID int64
	sync.RWMutex
}

func newPresenceStore() *presenceStore {
	return &presenceStore{
		store:  make(map[string]model.Presence),
		nextID: 1,
	}
}

func (s *presenceStore) FetchAll() (map[string]model.Presence, error) {
	s.RLock()
	defer s.RUnlock()
	models := make(map[string]model.Presence, len(s.store))

	for connID, m := range s.store {
		models[connID] = m
	}

	return models, nil
}

func (s *presenceStore) FindByConnectionID(connID string) (*model.Presence, error) {
	s.RLock()
	defer s.RUnlock()
	if m, ok := s.store[connID]; ok {
		return &m, nil
	}

	return nil, storage.ErrNotFound
}

func (s *presenceStore) FindByUserID(userID string) ([]model.Presence, error) {
	s.RLock()
	defer s.RUnlock()

	models := make([]model.Presence, 0)
	for _, m := range s.store {
		if m.UserID == userID {
			models = append(models, m)
		}
	}

	return models, nil
}

func (s *presenceStore) Create(m *model.Presence) error {
	s.Lock()
	defer s.Unlock()

	now := time.Now().Round(time.Second).UTC()
	m.ID = s.nextID
	s.nextID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	s.store[m.ConnectionID] = *m
	return nil
}

func (s *presenceStore) Touch(connID string, seenAt time.Time) error {
	s.Lock()
	defer s.Unlock()

	m, ok := s.store[connID]
	if !ok {
		return storage.ErrNotFound
	}

	m.LastSeenAt = seenAt
	m.UpdatedAt = time.Now().Round(time.Second).UTC()
	s.store[connID] = m
	return nil
}

func (s *presenceStore) Delete(connID string) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.store[connID]; !ok {
		return storage.ErrNotFound
	}

	delete(s.store, connID)
	return nil
}
