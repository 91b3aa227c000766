package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the journal database at path and creates the downloads table
// if it doesn't exist. Use ":memory:" for a throwaway journal.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	// The journal is written from several goroutines; a single connection
	// keeps sqlite from returning SQLITE_BUSY and keeps :memory: shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY,
		download_id TEXT UNIQUE NOT NULL,
		uri TEXT NOT NULL,
		local_path TEXT NOT NULL,
		caller_name TEXT NOT NULL DEFAULT '',
		correlation_vector TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'created',
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		bytes_total INTEGER NOT NULL DEFAULT 0,
		error_code INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	return db, nil
}
