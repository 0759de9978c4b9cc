// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/depotrun/depot/pkg/events"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
)

// indexRow is one version entry in a package index record.
type indexRow struct {
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Variant    string `json:"variant,omitempty"`
	BlobDigest string `json:"blob_digest"`

	ver *semver.Version
}

// indexRecord is the derived per-package index: all published versions,
// newest first, plus the resolved latest.
type indexRecord struct {
	Versions []indexRow `json:"versions"`
	Latest   *indexRow  `json:"latest,omitempty"`
}

// stepIndexUpsert rebuilds a package's index from the artifact records
// under the scan prefix and writes it back. Rebuilding from scratch keeps
// the index correct without read-modify-write races: the write is a plain
// replace and the source of truth stays the artifact records.
func (e *Engine) stepIndexUpsert(ctx context.Context, snap *snapshot, cr *compiledRoute, st *schema.Step, rc *RequestContext) error {
	prefix, err := rc.expand(st.ScanPrefix)
	if err != nil {
		return err
	}
	idxKey, err := rc.expand(st.IndexKey)
	if err != nil {
		return err
	}
	store := e.kvs[st.Store]

	opCtx, cancel := e.withOpTimeout(ctx)
	entries, err := store.Scan(opCtx, prefix)
	cancel()
	if err != nil {
		return storeErr(st.Store, prefix, err)
	}

	idx, err := buildIndex(entries, snap.schema.Versioning)
	if err != nil {
		return &StorageError{Store: st.Store, Key: prefix, Err: err}
	}

	opCtx, cancel = e.withOpTimeout(ctx)
	defer cancel()
	if len(idx.Versions) == 0 {
		// Nothing published (anymore): drop the index so lookups 404
		// instead of serving an empty record.
		if err := store.Delete(opCtx, idxKey); err != nil && err != kv.ErrNotFound {
			return storeErr(st.Store, idxKey, err)
		}
		return nil
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return &StorageError{Store: st.Store, Key: idxKey, Err: err}
	}
	if err := store.Put(opCtx, idxKey, data); err != nil {
		return storeErr(st.Store, idxKey, err)
	}
	e.bus.Publish(events.Event{
		Type:  events.TypeIndexUpsert,
		Route: cr.route.ID,
		Key:   idxKey,
	})
	return nil
}

// buildIndex decodes artifact records into index rows, orders them newest
// first, and resolves latest per the versioning policy: highest stable
// release, or highest overall when prereleases are eligible (or when the
// package has never had a stable release).
func buildIndex(entries []kv.Entry, v schema.Versioning) (*indexRecord, error) {
	rows := make([]indexRow, 0, len(entries))
	for _, ent := range entries {
		var row indexRow
		if err := json.Unmarshal(ent.Value, &row); err != nil {
			return nil, err
		}
		row.ver, _ = semver.NewVersion(row.Version)
		rows = append(rows, row)
	}
	sortVersionsDesc(rows)

	idx := &indexRecord{Versions: rows}
	for i := range rows {
		if rows[i].ver == nil {
			continue
		}
		if v.IncludePrereleases || rows[i].ver.Prerelease() == "" {
			idx.Latest = &rows[i]
			break
		}
	}
	if idx.Latest == nil && len(rows) > 0 {
		// No stable release exists. A resolvable latest beats an
		// unresolvable one, so fall back to the newest entry.
		idx.Latest = &rows[0]
	}
	return idx, nil
}

// sortVersionsDesc orders rows newest-version first. Rows that do not parse
// as semver sort after all that do, lexicographically descending, so they
// stay listed but never win "latest" over a real version.
func sortVersionsDesc(rows []indexRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].ver, rows[j].ver
		switch {
		case a != nil && b != nil:
			if c := a.Compare(b); c != 0 {
				return c > 0
			}
			return rows[i].Variant < rows[j].Variant
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			if c := strings.Compare(rows[i].Version, rows[j].Version); c != 0 {
				return c > 0
			}
			return rows[i].Variant < rows[j].Variant
		}
	})
}
