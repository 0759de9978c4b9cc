// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteProvider persists schema documents in a SQLite database, one row per
// version. Load returns the newest version; Save appends a new one, so the
// full configuration history stays queryable.
type SQLiteProvider struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the config database at path.
func OpenSQLite(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open config db: %w", err)
	}
	const create = `CREATE TABLE IF NOT EXISTS schema_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		doc BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		db.Close()
		return nil, fmt.Errorf("init config db: %w", err)
	}
	return &SQLiteProvider{db: db}, nil
}

// Close closes the underlying database.
func (p *SQLiteProvider) Close() error { return p.db.Close() }

// ErrNoConfig indicates the config database holds no schema yet.
var ErrNoConfig = errors.New("no schema configuration stored")

// Load returns the most recently saved schema snapshot.
func (p *SQLiteProvider) Load(ctx context.Context) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT version, doc FROM schema_config ORDER BY id DESC LIMIT 1`)
	var version string
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("load schema config: %w", err)
	}
	s, err := Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("parse stored schema %s: %w", version, err)
	}
	return &Snapshot{Version: version, Schema: s, Raw: doc, LoadedAt: time.Now()}, nil
}

// Save validates doc and appends it as a new schema version.
func (p *SQLiteProvider) Save(ctx context.Context, version string, doc []byte) error {
	if _, err := Parse(doc); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO schema_config (version, doc, created_at) VALUES (?, ?, ?)`,
		version, doc, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save schema config: %w", err)
	}
	return nil
}
