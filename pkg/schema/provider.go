// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schema

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
)

// Snapshot is one immutable, versioned view of the configuration. The
// engine swaps whole snapshots; it never sees a partially applied schema.
type Snapshot struct {
	Version  string
	Schema   *Schema
	Raw      []byte
	LoadedAt time.Time
}

// Provider supplies configuration snapshots. Implementations own where the
// schema document lives (file, database); the engine only ever calls Load.
type Provider interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileProvider loads the schema from a JSONC file on disk. The snapshot
// version is the content digest of the file, so an unchanged file yields an
// identical version across reloads.
type FileProvider struct {
	Path string
}

// Load reads and compiles the schema file.
func (p *FileProvider) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", p.Path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", p.Path, err)
	}
	return &Snapshot{
		Version:  digest.FromBytes(data).Encoded()[:12],
		Schema:   s,
		Raw:      data,
		LoadedAt: time.Now(),
	}, nil
}

// Static wraps an already-parsed schema in a Provider, for tests and
// embedded use.
type Static struct {
	Schema *Schema
}

// Load returns the wrapped schema.
func (p *Static) Load(ctx context.Context) (*Snapshot, error) {
	return &Snapshot{Version: "static", Schema: p.Schema, LoadedAt: time.Now()}, nil
}
