// Package sqlitedb opens the embedded sqlite files used for limits and usage.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const pingTimeout = 5 * time.Second

// Open creates the parent directory of path if needed and opens it with a
// single connection, WAL journaling and a busy timeout. It returns the
// absolute path of the database file.
func Open(path string) (*sql.DB, string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, "", fmt.Errorf("sqlite: path is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: resolve path: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, "", fmt.Errorf("sqlite: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", abs))
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: open %s: %w", abs, err)
	}
	// Writers serialise on the single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("sqlite: ping %s: %w", abs, err)
	}
	return db, abs, nil
}

// ApplySchema runs idempotent DDL statements in order. It works for any driver.
func ApplySchema(ctx context.Context, db *sql.DB, stmts ...string) error {
	if db == nil {
		return fmt.Errorf("schema: database is nil")
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
