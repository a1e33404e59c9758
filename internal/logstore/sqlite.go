package logstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite stores entries in a database/sql handle backed by modernc.org/sqlite.
// Only the newest limit rows are kept.
type SQLite struct {
	db    *sql.DB
	limit int
}

// NewSQLite opens path, which may be ":memory:".
func NewSQLite(path string, limit int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS exchanges (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		data TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create exchanges table: %w", err)
	}
	return &SQLite{db: db, limit: limit}, nil
}

func (s *SQLite) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO exchanges (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, e.ID, string(data)); err != nil {
		return fmt.Errorf("store exchange %s: %w", e.ID, err)
	}
	if s.limit > 0 {
		if _, err := s.db.Exec(`DELETE FROM exchanges WHERE seq <= (SELECT MAX(seq) FROM exchanges) - ?`, s.limit); err != nil {
			return fmt.Errorf("trim exchanges: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Recent(limit int) ([]Entry, error) {
	q := `SELECT data FROM exchanges ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode exchange: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Get(id string) (Entry, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM exchanges WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode exchange: %w", err)
	}
	return e, true, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
