package scope

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SelectionStore persists the operator's selected agent across restarts in
// a local SQLite file, so the console reopens on the same agent.
//
// The database is opened in WAL mode with a busy timeout; writes are rare
// (one per selection change) so contention is not a concern.
type SelectionStore struct {
	db *sql.DB
}

// OpenSelectionStore opens (creating if needed) the selection database at
// path.
func OpenSelectionStore(path string) (*SelectionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("scope: open selection db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("scope: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS selected_agent (
    operator_id TEXT PRIMARY KEY,
    agent_id    TEXT NOT NULL,
    updated_at  TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scope: create schema: %w", err)
	}

	return &SelectionStore{db: db}, nil
}

// Load returns the persisted agent id for the operator, or ok=false when no
// selection has been saved.
func (s *SelectionStore) Load(operatorID string) (agentID string, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT agent_id FROM selected_agent WHERE operator_id = ?`, operatorID)
	if err := row.Scan(&agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scope: load selection: %w", err)
	}
	return agentID, true, nil
}

// Save upserts the operator's selection.
func (s *SelectionStore) Save(operatorID, agentID string) error {
	_, err := s.db.Exec(`
INSERT INTO selected_agent (operator_id, agent_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (operator_id) DO UPDATE SET
    agent_id   = excluded.agent_id,
    updated_at = excluded.updated_at`,
		operatorID, agentID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("scope: save selection: %w", err)
	}
	return nil
}

// Clear removes the operator's persisted selection.
func (s *SelectionStore) Clear(operatorID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM selected_agent WHERE operator_id = ?`, operatorID); err != nil {
		return fmt.Errorf("scope: clear selection: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SelectionStore) Close() error {
	return s.db.Close()
}
