// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kv provides the ordered key-value store abstraction used for
// artifact metadata and index entries. Keys are byte strings ordered
// lexicographically; Scan returns every entry under a prefix in key order.
//
// PutIfAbsent is the concurrency-control primitive for metadata creation:
// it is atomic at the store level, so two concurrent publishes of the same
// key resolve to exactly one winner and one ErrConflict.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/depotrun/depot/pkg/schema"
)

var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrConflict indicates a conditional write found the key already set.
	ErrConflict = errors.New("key already exists")
)

// Entry is one key-value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is an ordered key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes key unconditionally.
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent writes key only if it does not exist, atomically.
	// Returns ErrConflict if the key is already present.
	PutIfAbsent(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns all entries whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Stats returns operation counters for the store.
	Stats() Stats
	// Close releases the store.
	Close() error
}

// Stats counts operations since the store was opened.
type Stats struct {
	Gets      uint64    `json:"gets"`
	Puts      uint64    `json:"puts"`
	CASPuts   uint64    `json:"cas_puts"`
	Deletes   uint64    `json:"deletes"`
	Scans     uint64    `json:"scans"`
	StartTime time.Time `json:"start_time"`
}

// counters is embedded by implementations to share stats accounting.
type counters struct {
	gets, puts, casPuts, deletes, scans atomic.Uint64
	start                               time.Time
}

func (c *counters) snapshot() Stats {
	return Stats{
		Gets:      c.gets.Load(),
		Puts:      c.puts.Load(),
		CASPuts:   c.casPuts.Load(),
		Deletes:   c.deletes.Load(),
		Scans:     c.scans.Load(),
		StartTime: c.start,
	}
}

// Open builds a Store from its schema definition. Relative roots are
// resolved against dataDir.
func Open(cfg *schema.KVStore, dataDir string) (Store, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(resolveRoot(cfg.Root, dataDir))
	default:
		return nil, fmt.Errorf("unknown kv store kind %q", cfg.Kind)
	}
}
