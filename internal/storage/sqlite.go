package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: schemaSQLite,
	isUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
	},
}

// NewSQLite creates a sqlite-backed store at path, creating the file and its
// parent directory as needed.
//
// WAL keeps readers off the writer's lock, and transactions open immediate so
// multi-statement writes take the write lock up front instead of failing on a
// mid-transaction lock upgrade. Row locking clauses stay empty in the sqlite
// dialect for the same reason.
func NewSQLite(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// A shared-cache memory database disappears when its last connection
		// closes; a single connection keeps it alive and serialized.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newSQLStore(db, sqliteDialect), nil
}
