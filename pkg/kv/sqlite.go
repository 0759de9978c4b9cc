// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a Store backed by a SQLite database. The conditional insert in
// PutIfAbsent runs inside the database engine, so the CAS guarantee does not
// depend on application-level locking.
type SQLite struct {
	counters

	db *sql.DB
}

// OpenSQLite opens (creating if needed) a KV database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create kv directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	const create = `CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL
	)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv db: %w", err)
	}
	s := &SQLite{db: db}
	s.start = time.Now()
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	s.puts.Add(1)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	s.casPuts.Add(1)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO NOTHING`,
		key, value)
	if err != nil {
		return fmt.Errorf("kv cas put %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kv cas put %q: %w", key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.deletes.Add(1)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	s.scans.Add(1)
	query := `SELECT k, v FROM kv ORDER BY k`
	args := []any{}
	if prefix != "" {
		query = `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`
		args = []any{prefix, prefixUpperBound(prefix)}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	return out, nil
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, by incrementing the last byte that can be
// incremented.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff: no upper bound; scan to the end of the keyspace.
	return string([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
}

func (s *SQLite) Stats() Stats { return s.snapshot() }

func (s *SQLite) Close() error { return s.db.Close() }
