// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/depotrun/depot/pkg/schema"
	"github.com/opencontainers/go-digest"
)

// FS stores blobs on the local filesystem. Writes stream to a temporary
// file and are renamed into their content-addressed path only after the
// digest is known and the size limit has been checked, so a reader never
// observes a partial blob.
type FS struct {
	root     string
	template string
	maxBytes int64
}

// NewFS creates the store rooted per the schema definition. Relative roots
// resolve against dataDir.
func NewFS(cfg *schema.BlobStore, dataDir string) (*FS, error) {
	root := cfg.Root
	if root == "" {
		return nil, fmt.Errorf("blob store requires a root")
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(dataDir, root)
	}
	for _, dir := range []string{root, filepath.Join(root, "tmp"), filepath.Join(root, "blobs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
	}
	tmpl := cfg.Addressing.PathTemplate
	if tmpl == "" {
		switch cfg.Addressing.Mode {
		case schema.AddressingFlat:
			tmpl = "{digest}"
		default:
			tmpl = "{algorithm}/{prefix1}/{prefix2}/{digest}"
		}
	}
	return &FS{
		root:     root,
		template: tmpl,
		maxBytes: cfg.Limits.MaxBlobBytes,
	}, nil
}

// path maps a digest to its storage location. The template plus the digest
// fully determine the path: identical bytes resolve to the identical file.
func (s *FS) path(d digest.Digest) string {
	hex := d.Encoded()
	rel := strings.NewReplacer(
		"{algorithm}", string(d.Algorithm()),
		"{prefix1}", hex[:2],
		"{prefix2}", hex[2:4],
		"{digest}", hex,
	).Replace(s.template)
	return filepath.Join(s.root, "blobs", filepath.FromSlash(rel))
}

func (s *FS) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digester := digest.SHA256.Digester()
	src := io.Reader(r)
	if s.maxBytes > 0 {
		// Read one byte past the limit so an oversized stream is
		// detected without buffering it whole.
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if err != nil {
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return "", 0, &SizeLimitError{Limit: s.maxBytes}
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	d := digester.Digest()

	dst := s.path(d)
	if _, err := os.Stat(dst); err == nil {
		// Identical bytes are already stored; the temp file is discarded
		// and the existing blob stands.
		return d, n, nil
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("rename blob: %w", err)
	}
	return d, n, nil
}

func (s *FS) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *FS) Exists(ctx context.Context, d digest.Digest) bool {
	if err := d.Validate(); err != nil {
		return false
	}
	_, err := os.Stat(s.path(d))
	return err == nil
}

func (s *FS) Size(ctx context.Context, d digest.Digest) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, ErrNotFound
	}
	st, err := os.Stat(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return st.Size(), nil
}

func (s *FS) Delete(ctx context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return nil
	}
	if err := os.Remove(s.path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FS) Enumerate(ctx context.Context, fn func(Info) error) error {
	blobs := filepath.Join(s.root, "blobs")
	return filepath.WalkDir(blobs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		// File names are the digest hex; the algorithm comes from the
		// template's directory layout or defaults to sha256.
		dg := digest.NewDigestFromEncoded(digest.SHA256, name)
		if dg.Validate() != nil {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		return fn(Info{Digest: dg, Size: st.Size(), ModTime: st.ModTime()})
	})
}
