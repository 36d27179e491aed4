package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (generation, key)
);
`

// SQLiteStore implements Store on top of a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(generation, key string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO entries (generation, key, body) VALUES (?, ?, ?)`,
		generation, key, data,
	)
	if err != nil {
		return fmt.Errorf("store put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(generation, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(
		`SELECT body FROM entries WHERE generation = ? AND key = ?`,
		generation, key,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	return body, nil
}

func (s *SQLiteStore) Generations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT generation FROM entries ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("enumerating generations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enumerating generations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DropGeneration(generation string) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("dropping generation %s: %w", generation, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
