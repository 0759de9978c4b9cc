// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blob implements content-addressed binary storage. A blob's
// storage path is derived from the digest of its bytes and the store's
// addressing mode, so identical content always lands at the identical path
// and duplicate puts are free.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/depotrun/depot/pkg/schema"
	"github.com/opencontainers/go-digest"
)

// ErrNotFound indicates no blob exists for the digest.
var ErrNotFound = errors.New("blob not found")

// SizeLimitError indicates a put exceeded the store's max_blob_bytes. No
// bytes are persisted when this is returned.
type SizeLimitError struct {
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("blob exceeds size limit of %d bytes", e.Limit)
}

// Info describes one stored blob, as reported by Enumerate.
type Info struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time
}

// Store is a content-addressed blob store.
type Store interface {
	// Put streams r into the store and returns the content digest and
	// byte count. Storing bytes that already exist is a no-op that
	// returns the same digest.
	Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error)
	// Get streams the blob back, or returns ErrNotFound.
	Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
	// Exists reports whether the blob is stored.
	Exists(ctx context.Context, d digest.Digest) bool
	// Size returns the stored size, or ErrNotFound.
	Size(ctx context.Context, d digest.Digest) (int64, error)
	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, d digest.Digest) error
	// Enumerate calls fn for every stored blob. Used by the GC
	// collaborator to compute reachability.
	Enumerate(ctx context.Context, fn func(Info) error) error
}

// Open builds a Store from its schema definition.
func Open(cfg *schema.BlobStore, dataDir string) (Store, error) {
	switch cfg.Kind {
	case "fs":
		return NewFS(cfg, dataDir)
	default:
		return nil, fmt.Errorf("unknown blob store kind %q", cfg.Kind)
	}
}
