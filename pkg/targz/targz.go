// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package targz packs directory trees into tar.gz artifact payloads and
// unpacks them again. The pack output is deterministic for a given tree:
// entries are walked in sorted order and timestamps are zeroed, so packing
// the same directory twice yields the same bytes and therefore the same
// content digest.
package targz

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Reader struct {
	z *gzip.Reader
	r *tar.Reader
}

func (r Reader) Read(p []byte) (n int, err error) {
	return r.r.Read(p)
}

func (r Reader) Close() error {
	return r.z.Close()
}

func (r Reader) Next() (*tar.Header, error) {
	return r.r.Next()
}

func New(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{z: gz, r: tar.NewReader(gz)}, nil
}

// ReadFile calls f for each entry in the tarball.
func ReadFile(r io.Reader, f func(*tar.Header, io.Reader) error) error {
	t, err := New(r)
	if err != nil {
		return err
	}
	defer t.Close()

	for {
		header, err := t.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := f(header, t); err != nil {
			return err
		}
	}
	return nil
}

// Pack writes dir as a tar.gz stream to w. Paths inside the archive are
// relative to dir and slash-separated. Symlinks are stored as links, not
// followed.
func Pack(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		// Zero the variable metadata so identical trees produce
		// identical archives.
		hdr.ModTime = zeroTime
		hdr.AccessTime = zeroTime
		hdr.ChangeTime = zeroTime
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

var zeroTime time.Time

// Extract unpacks a tar.gz stream into dir, refusing entries that would
// escape it.
func Extract(r io.Reader, dir string) error {
	return ReadFile(r, func(hdr *tar.Header, body io.Reader) error {
		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the target directory", hdr.Name)
		}
		dst := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(dst, fs.FileMode(hdr.Mode)|0700)
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(hdr.Linkname) {
				return fmt.Errorf("archive symlink %q has unsafe target %q", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			return os.Symlink(hdr.Linkname, dst)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, body); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		default:
			// Devices, fifos and the like have no place in an artifact.
			if strings.HasPrefix(hdr.Name, "._") {
				return nil // macOS resource forks
			}
			return fmt.Errorf("archive entry %q has unsupported type %c", hdr.Name, hdr.Typeflag)
		}
	})
}
