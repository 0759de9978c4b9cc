// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc removes blobs no KV record references anymore. It is a
// mark-and-sweep over content-addressed storage: artifact records are the
// roots, blob digests are the objects.
package gc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/depotrun/depot/pkg/blob"
	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// DefaultRetention is how long an unreferenced blob survives before the
// sweep removes it. The window covers the gap between a blob-put and the
// kv-put that references it: a blob uploaded by an in-flight publish is
// never younger than its own request.
const DefaultRetention = 1 * time.Hour

// Collector sweeps one blob store against the records in one KV store.
type Collector struct {
	KV    kv.Store
	Blobs blob.Store

	// Retention overrides DefaultRetention when positive.
	Retention time.Duration

	// Workers bounds concurrent deletes. Defaults to 4.
	Workers int
}

// Result summarizes one collection run.
type Result struct {
	Referenced int `json:"referenced"`
	Swept      int `json:"swept"`
	Kept       int `json:"kept"`
}

// Run performs one mark-and-sweep pass.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	logger := ctxlog.FromContext(ctx)

	marked, err := c.mark(ctx)
	if err != nil {
		return Result{}, err
	}

	retention := c.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention)

	var candidates []digest.Digest
	var res Result
	res.Referenced = len(marked)
	err = c.Blobs.Enumerate(ctx, func(info blob.Info) error {
		if marked[info.Digest] {
			return nil
		}
		if info.ModTime.After(cutoff) {
			res.Kept++
			return nil
		}
		candidates = append(candidates, info.Digest)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	workers := c.Workers
	if workers <= 0 {
		workers = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, d := range candidates {
		g.Go(func() error {
			if err := c.Blobs.Delete(gctx, d); err != nil && err != blob.ErrNotFound {
				return err
			}
			logger.Debug("swept unreferenced blob", "digest", d.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	res.Swept = len(candidates)
	logger.Info("gc pass complete",
		"referenced", res.Referenced, "swept", res.Swept, "kept", res.Kept)
	return res, nil
}

// mark collects every blob digest referenced by a KV record. Any string
// field whose value parses as a digest counts as a reference; records
// besides artifacts (indexes, tags) may carry digests too.
func (c *Collector) mark(ctx context.Context) (map[digest.Digest]bool, error) {
	entries, err := c.KV.Scan(ctx, "")
	if err != nil {
		return nil, err
	}
	marked := make(map[digest.Digest]bool)
	for _, ent := range entries {
		var record map[string]any
		if err := json.Unmarshal(ent.Value, &record); err != nil {
			continue
		}
		markRecord(marked, record)
	}
	return marked, nil
}

func markRecord(marked map[digest.Digest]bool, v any) {
	switch t := v.(type) {
	case string:
		if d, err := digest.Parse(t); err == nil {
			marked[d] = true
		}
	case map[string]any:
		for _, child := range t {
			markRecord(marked, child)
		}
	case []any:
		for _, child := range t {
			markRecord(marked, child)
		}
	}
}

// Runner runs periodic collection passes until its context is canceled.
func Runner(ctx context.Context, c *Collector, interval time.Duration) {
	logger := ctxlog.FromContext(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.Run(ctx); err != nil {
				logger.Error("gc pass failed", "error", err)
			}
		}
	}
}
