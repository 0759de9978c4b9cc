// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/depotrun/depot/pkg/blob"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
	"github.com/opencontainers/go-digest"
)

func newFixture(t *testing.T) (kv.Store, *blob.FS, *Collector) {
	t.Helper()
	kvs := kv.NewMemory()
	t.Cleanup(func() { kvs.Close() })
	blobs, err := blob.NewFS(&schema.BlobStore{Kind: "fs", Root: "blobs"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := &Collector{KV: kvs, Blobs: blobs, Retention: time.Millisecond}
	return kvs, blobs, c
}

func putBlob(t *testing.T, blobs *blob.FS, content string) digest.Digest {
	t.Helper()
	d, _, err := blobs.Put(context.Background(), strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// ageBlobs backdates every stored blob past the retention window.
func ageBlobs(t *testing.T, blobs *blob.FS) {
	t.Helper()
	old := time.Now().Add(-time.Hour)
	err := blobs.Enumerate(context.Background(), func(info blob.Info) error {
		rc, err := blobs.Get(context.Background(), info.Digest)
		if err != nil {
			return err
		}
		f, ok := rc.(*os.File)
		if !ok {
			t.Fatalf("expected *os.File from fs store, got %T", rc)
		}
		name := f.Name()
		f.Close()
		return os.Chtimes(name, old, old)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunSweepsUnreferenced(t *testing.T) {
	ctx := context.Background()
	kvs, blobs, c := newFixture(t)

	referenced := putBlob(t, blobs, "kept bytes")
	orphan := putBlob(t, blobs, "orphaned bytes")

	record, _ := json.Marshal(map[string]any{
		"namespace":   "acme",
		"name":        "widget",
		"blob_digest": referenced.String(),
	})
	if err := kvs.Put(ctx, "artifact/acme/widget/1.0.0/default", record); err != nil {
		t.Fatal(err)
	}

	ageBlobs(t, blobs)

	res, err := c.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Referenced != 1 || res.Swept != 1 {
		t.Errorf("result = %+v, want 1 referenced, 1 swept", res)
	}
	if !blobs.Exists(ctx, referenced) {
		t.Error("referenced blob was swept")
	}
	if blobs.Exists(ctx, orphan) {
		t.Error("orphaned blob survived")
	}
}

func TestRunRetainsYoungBlobs(t *testing.T) {
	ctx := context.Background()
	_, blobs, c := newFixture(t)
	c.Retention = time.Hour

	// Unreferenced but freshly written: an in-flight publish may be about
	// to reference it.
	young := putBlob(t, blobs, "just uploaded")

	res, err := c.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Swept != 0 || res.Kept != 1 {
		t.Errorf("result = %+v, want 0 swept, 1 kept", res)
	}
	if !blobs.Exists(ctx, young) {
		t.Error("young blob was swept")
	}
}

func TestMarkFindsNestedDigests(t *testing.T) {
	ctx := context.Background()
	kvs, blobs, c := newFixture(t)

	d := putBlob(t, blobs, "indexed bytes")
	// Index records carry digests inside nested arrays and objects.
	record := fmt.Sprintf(
		`{"versions":[{"version":"1.0.0","blob_digest":%q}],"latest":{"blob_digest":%q}}`,
		d.String(), d.String())
	if err := kvs.Put(ctx, "index/acme/widget", []byte(record)); err != nil {
		t.Fatal(err)
	}

	marked, err := c.mark(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !marked[d] {
		t.Errorf("digest %s not marked from nested record", d)
	}
}
