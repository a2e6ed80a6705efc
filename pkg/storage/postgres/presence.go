package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prepio/relay/pkg/model"
	"github.com/prepio/relay/pkg/storage"
)

func newPresenceStore(db *sqlx.DB) *presenceStore {
	return &presenceStore{
		db: db,
	}
}

type presenceStore struct {
	db *sqlx.DB
}

type sqlDataPresence struct {
	ID           int64     `db:"id"`
	ConnectionID string    `db:"connection_id"`
	UserID       string    `db:"user_id"`
	SessionID    string    `db:"session_id"`
	ConnectedAt  time.Time `db:"connected_at"`
	LastSeenAt   time.Time `db:"last_seen_at"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

var sqlParamsPresence = []string{
	"id",
	"connection_id",
	"user_id",
	"session_id",
	"connected_at",
	"last_seen_at",
	"created_at",
	"updated_at",
}

func (d *sqlDataPresence) Scan(m *model.Presence) error {
	var createdAt, updatedAt = m.CreatedAt, m.UpdatedAt

	if m.CreatedAt.IsZero() {
		createdAt = time.Now().Round(time.Second).UTC()
	}

	if m.UpdatedAt.IsZero() {
		updatedAt = time.Now().Round(time.Second).UTC()
	}

	d.ID = m.ID
	d.ConnectionID = m.ConnectionID
	d.UserID = m.UserID
	d.SessionID = m.SessionID
	d.ConnectedAt = m.ConnectedAt
	d.LastSeenAt = m.LastSeenAt
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt

	return nil
}

func (d *sqlDataPresence) Model() (*model.Presence, error) {
	m := &model.Presence{
		ID:           d.ID,
		ConnectionID: d.ConnectionID,
		UserID:       d.UserID,
		SessionID:    d.SessionID,
		ConnectedAt:  d.ConnectedAt,
		LastSeenAt:   d.LastSeenAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}

	return m, nil
}

func (s *presenceStore) FetchAll() (map[string]model.Presence, error) {
	rows := make([]sqlDataPresence, 0)
	models := make(map[string]model.Presence)

	query := "SELECT * FROM presences"
	if err := s.db.Select(&rows, query); err != nil {
		return nil, errors.Wrap(err, "failed to fetch all presences")
	}

	for _, d := range rows {
		m, err := d.Model()
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert SQL data to presence model")
		}

		models[d.ConnectionID] = *m
	}

	return models, nil
}

func (s *presenceStore) FindByConnectionID(connID string) (*model.Presence, error) {
	d := sqlDataPresence{}
	query := "SELECT * FROM presences WHERE connection_id=$1"
	if err := s.db.Get(&d, query, connID); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to find presence")
	}

	return d.Model()
}

func (s *presenceStore) FindByUserID(userID string) ([]model.Presence, error) {
	rows := make([]sqlDataPresence, 0)
	query := "SELECT * FROM presences WHERE user_id=$1"
	if err := s.db.Select(&rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "failed to find presences for user")
	}

	models := make([]model.Presence, 0, len(rows))
	for _, d := range rows {
		m, err := d.Model()
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert SQL data to presence model")
		}
		models = append(models, *m)
	}

	return models, nil
}

func (s *presenceStore) Create(m *model.Presence) error {
	d := sqlDataPresence{}
	if err := d.Scan(m); err != nil {
		return errors.Wrap(err, "failed to convert presence model to SQL data")
	}

	// Remove the id column because it's of SQL type serial
	sqlParamsWithoutID := make([]string, 0)
	for _, p := range sqlParamsPresence {
		if p != "id" {
			sqlParamsWithoutID = append(sqlParamsWithoutID, p)
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO presences (%s) VALUES (%s) RETURNING id",
		strings.Join(sqlParamsWithoutID, ", "),
		":"+strings.Join(sqlParamsWithoutID, ", :"),
	)
	rows, err := s.db.NamedQuery(query, d)
	if err != nil {
		return errors.Wrap(err, "failed to create presence")
	}
	defer rows.Close()
	if rows.Next() {
		rows.Scan(&m.ID)
	}

	return nil
}

func (s *presenceStore) Touch(connID string, seenAt time.Time) error {
	query := "UPDATE presences SET last_seen_at=$1, updated_at=$2 WHERE connection_id=$3"
	res, err := s.db.Exec(query, seenAt, time.Now().Round(time.Second).UTC(), connID)
	if err != nil {
		return errors.Wrap(err, "failed to touch presence")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *presenceStore) Delete(connID string) error {
	res, err := s.db.Exec("DELETE FROM presences WHERE connection_id=$1", connID)
	if err != nil {
		return errors.Wrap(err, "failed to delete presence")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
