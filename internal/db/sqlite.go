// Package db opens the SQLite store that holds async query statuses and
// tenant table definitions, and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// Role selects pool sizing and locking for a SQLite handle.
type Role string

// Pool roles.
const (
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

const (
	busyTimeoutMillis = "5000"
	defaultReadConns  = 4
)

// Open opens a pool for the SQLite file at path. Write pools hold a single
// connection and begin transactions with IMMEDIATE locking so the status
// claim updates serialize.
func Open(path string, role Role, maxOpen int) (*sql.DB, error) {
	if role != RoleRead && role != RoleWrite {
		return nil, fmt.Errorf("invalid SQLite role %q", role)
	}

	db, err := sql.Open("sqlite3", dsn(path, role))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", role, err)
	}

	if role == RoleWrite {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = defaultReadConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", role, err)
	}
	return db, nil
}

// OpenPair opens the write pool and a read pool for the same file.
func OpenPair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = Open(path, RoleWrite, 1)
	if err != nil {
		return nil, nil, err
	}
	readDB, err = Open(path, RoleRead, readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}

func dsn(path string, role Role) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", busyTimeoutMillis)
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	if role == RoleWrite {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
