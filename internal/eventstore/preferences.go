package eventstore

import (
	"context"
	"database/sql"
	"errors"
)

// GetPreference returns a persisted preference value.
func (s *Store) GetPreference(ctx context.Context, key string) (string, bool, error) {
	if !s.persistent() {
		s.prefMu.Lock()
		defer s.prefMu.Unlock()
		value, ok := s.prefs[key]
		return value, ok, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetPreference stores value under key, replacing any previous value.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	if !s.persistent() {
		s.prefMu.Lock()
		defer s.prefMu.Unlock()
		s.prefs[key] = value
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC().UnixNano())
	return err
}

// DeletePreference removes key. Missing keys are not an error.
func (s *Store) DeletePreference(ctx context.Context, key string) error {
	if !s.persistent() {
		s.prefMu.Lock()
		defer s.prefMu.Unlock()
		delete(s.prefs, key)
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key)
	return err
}
