// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/events"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
	"github.com/opencontainers/go-digest"
)

var testSecret = []byte("engine-test-secret")

// testSchema parses the built-in document and swaps the KV store to the
// in-memory backend so tests carry no database files.
func testSchema(t *testing.T, mutate func(*schema.Schema)) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(schema.DefaultDocument)
	if err != nil {
		t.Fatal(err)
	}
	s.Storage.KVStores["meta"] = &schema.KVStore{Kind: "memory"}
	if mutate != nil {
		mutate(s)
		if err := s.Compile(); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// swappableProvider lets a test change what Reload sees.
type swappableProvider struct {
	snap *schema.Snapshot
}

func (p *swappableProvider) Load(ctx context.Context) (*schema.Snapshot, error) {
	return p.snap, nil
}

func newTestEngine(t *testing.T, mutate func(*schema.Schema)) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{
		Provider:    &schema.Static{Schema: testSchema(t, mutate)},
		DataDir:     t.TempDir(),
		TokenSecret: testSecret,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := authz.MintToken(testSecret, authz.Claims{
		Subject: subject,
		Scopes:  scopes,
		Expiry:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func do(e *Engine, method, path, token string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return out.Error.Code
}

func TestPublishFetchConflictLatest(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")
	content := []byte("widget artifact v1.2.0")

	// Publish succeeds and reports the content digest.
	rec := do(e, "PUT", "/v1/acme/widget/1.2.0/default/blob", writer, content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish = %d: %s", rec.Code, rec.Body)
	}
	resp := decode(t, rec)
	wantDigest := digest.FromBytes(content).String()
	if resp["digest"] != wantDigest {
		t.Errorf("digest = %v, want %s", resp["digest"], wantDigest)
	}
	if resp["size"] != float64(len(content)) {
		t.Errorf("size = %v, want %d", resp["size"], len(content))
	}

	// Fetch returns the exact bytes, anonymously (anonymous_read is on).
	rec = do(e, "GET", "/v1/acme/widget/1.2.0/default/blob", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch = %d: %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("fetched bytes differ from published bytes")
	}
	if got := rec.Header().Get("ETag"); !strings.Contains(got, wantDigest) {
		t.Errorf("ETag = %q, want digest", got)
	}

	// Same coordinates, different bytes: the write is conditional and the
	// original record stands.
	rec = do(e, "PUT", "/v1/acme/widget/1.2.0/default/blob", writer, []byte("different bytes"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("republish = %d, want 409", rec.Code)
	}
	if code := errCode(t, rec); code != CodeAlreadyExists {
		t.Errorf("code = %q, want %s", code, CodeAlreadyExists)
	}
	rec = do(e, "GET", "/v1/acme/widget/1.2.0/default/blob", "", nil)
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("conflicting publish altered the stored bytes")
	}

	// A higher prerelease is listed but does not win latest.
	rec = do(e, "PUT", "/v1/acme/widget/2.0.0-rc.1/default/blob", writer, []byte("rc bytes"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish rc = %d: %s", rec.Code, rec.Body)
	}
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d: %s", rec.Code, rec.Body)
	}
	latest := decode(t, rec)["latest"].(map[string]any)
	if latest["version"] != "1.2.0" {
		t.Errorf("latest = %v, want 1.2.0 (stable beats prerelease)", latest["version"])
	}
}

func TestLatestWithPrereleasesIncluded(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Versioning.IncludePrereleases = true
	})
	writer := token(t, "alice", "write")
	do(e, "PUT", "/v1/acme/widget/1.2.0/default/blob", writer, []byte("stable"))
	do(e, "PUT", "/v1/acme/widget/2.0.0-rc.1/default/blob", writer, []byte("rc"))

	rec := do(e, "GET", "/v1/acme/widget/latest", "", nil)
	latest := decode(t, rec)["latest"].(map[string]any)
	if latest["version"] != "2.0.0-rc.1" {
		t.Errorf("latest = %v, want 2.0.0-rc.1", latest["version"])
	}
}

func TestLatestUnknownPackage(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := do(e, "GET", "/v1/acme/ghost/latest", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("latest unknown = %d, want 404", rec.Code)
	}
}

func TestVersionsListedNewestFirst(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")
	for _, v := range []string{"1.0.0", "2.1.0", "1.5.0"} {
		rec := do(e, "PUT", "/v1/acme/widget/"+v+"/default/blob", writer, []byte("v "+v))
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish %s = %d", v, rec.Code)
		}
	}
	rec := do(e, "GET", "/v1/acme/widget/versions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions = %d: %s", rec.Code, rec.Body)
	}
	rows := decode(t, rec)["versions"].([]any)
	var got []string
	for _, row := range rows {
		got = append(got, row.(map[string]any)["version"].(string))
	}
	want := []string{"2.1.0", "1.5.0", "1.0.0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("versions = %v, want %v", got, want)
	}
}

func TestAuthDecisions(t *testing.T) {
	e := newTestEngine(t, nil)
	content := []byte("bytes")

	// Anonymous publish: 401, unauthenticated.
	rec := do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", "", content)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous publish = %d, want 401", rec.Code)
	}
	if code := errCode(t, rec); code != CodeUnauthorized {
		t.Errorf("code = %q", code)
	}

	// Authenticated but read-only: 403, forbidden.
	reader := token(t, "bob", "read")
	rec = do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", reader, content)
	if rec.Code != http.StatusForbidden {
		t.Errorf("read-only publish = %d, want 403", rec.Code)
	}
	if code := errCode(t, rec); code != CodeForbidden {
		t.Errorf("code = %q", code)
	}

	// Garbage token: 401 before any pipeline work.
	rec = do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", "not-a-token", content)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rec.Code)
	}

	// delete needs admin; write scope is not enough.
	writer := token(t, "alice", "write")
	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, content)
	rec = do(e, "DELETE", "/v1/acme/widget/1.0.0/default", writer, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("writer delete = %d, want 403", rec.Code)
	}
	admin := token(t, "root", "admin")
	rec = do(e, "DELETE", "/v1/acme/widget/1.0.0/default", admin, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admin delete = %d: %s", rec.Code, rec.Body)
	}
}

func TestAnonymousReadDisabled(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Features.AnonymousRead = false
	})
	rec := do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous read = %d, want 401", rec.Code)
	}
}

func TestValidationRejectsBeforeStorage(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")

	rec := do(e, "PUT", "/v1/_bad/widget/1.0.0/default/blob", writer, []byte("x"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad namespace = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != CodeValidation {
		t.Errorf("code = %q, want %s", code, CodeValidation)
	}
	// Nothing was written.
	if stats := e.KVStats()["meta"]; stats.Puts+stats.CASPuts != 0 {
		t.Errorf("kv writes after validation failure: %+v", stats)
	}
}

func TestNormalizationAppliesToCoordinates(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")

	rec := do(e, "PUT", "/v1/ACME/Widget/v1.2.0/default/blob", writer, []byte("x"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish = %d: %s", rec.Code, rec.Body)
	}
	// Normalized coordinates resolve the same artifact.
	rec = do(e, "GET", "/v1/acme/widget/1.2.0/default/blob", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("fetch normalized = %d", rec.Code)
	}
}

func TestTags(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")

	// Tagging a nonexistent artifact fails.
	body := []byte(`{"version":"1.0.0","variant":"default"}`)
	rec := do(e, "PUT", "/v1/acme/widget/tags/stable", writer, body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("tag missing artifact = %d, want 404", rec.Code)
	}

	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("one"))
	do(e, "PUT", "/v1/acme/widget/2.0.0/default/blob", writer, []byte("two"))

	rec = do(e, "PUT", "/v1/acme/widget/tags/stable", writer, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("set tag = %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, "GET", "/v1/acme/widget/tags/stable", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get tag = %d: %s", rec.Code, rec.Body)
	}
	if got := decode(t, rec)["version"]; got != "1.0.0" {
		t.Errorf("tag version = %v, want 1.0.0", got)
	}

	// mutable_tags is on by default: retagging replaces.
	rec = do(e, "PUT", "/v1/acme/widget/tags/stable", writer, []byte(`{"version":"2.0.0","variant":"default"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("retag = %d: %s", rec.Code, rec.Body)
	}
	rec = do(e, "GET", "/v1/acme/widget/tags/stable", "", nil)
	if got := decode(t, rec)["version"]; got != "2.0.0" {
		t.Errorf("tag version after retag = %v, want 2.0.0", got)
	}
}

func TestImmutableTags(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Features.MutableTags = false
	})
	writer := token(t, "alice", "write")
	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("one"))
	do(e, "PUT", "/v1/acme/widget/2.0.0/default/blob", writer, []byte("two"))

	rec := do(e, "PUT", "/v1/acme/widget/tags/stable", writer, []byte(`{"version":"1.0.0","variant":"default"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("set tag = %d: %s", rec.Code, rec.Body)
	}
	rec = do(e, "PUT", "/v1/acme/widget/tags/stable", writer, []byte(`{"version":"2.0.0","variant":"default"}`))
	if rec.Code != http.StatusConflict {
		t.Errorf("retag with immutable tags = %d, want 409", rec.Code)
	}
}

func TestOverwriteArtifactsFeature(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Features.AllowOverwriteArtifacts = true
	})
	writer := token(t, "alice", "write")
	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("first"))

	rec := do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("second"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("overwrite = %d, want 201", rec.Code)
	}
	rec = do(e, "GET", "/v1/acme/widget/1.0.0/default/blob", "", nil)
	if rec.Body.String() != "second" {
		t.Errorf("fetched = %q, want overwritten bytes", rec.Body.String())
	}
}

func TestDeleteUpdatesLatest(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")
	admin := token(t, "root", "admin")
	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("one"))
	do(e, "PUT", "/v1/acme/widget/2.0.0/default/blob", writer, []byte("two"))

	rec := do(e, "DELETE", "/v1/acme/widget/2.0.0/default", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", rec.Code, rec.Body)
	}
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	latest := decode(t, rec)["latest"].(map[string]any)
	if latest["version"] != "1.0.0" {
		t.Errorf("latest after delete = %v, want 1.0.0", latest["version"])
	}

	// Deleting the last version drops the index entirely.
	do(e, "DELETE", "/v1/acme/widget/1.0.0/default", admin, nil)
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("latest after deleting all = %d, want 404", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := do(e, "GET", "/v2/acme/widget/latest", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}
	if code := errCode(t, rec); code != CodeNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")
	rec := do(e, "PUT", "/v1/acme/widget/tags/stable", writer, []byte("{not json"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != CodeInvalidRequest {
		t.Errorf("code = %q", code)
	}
}

func TestBlobSizeLimit(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Storage.BlobStores["artifacts"].Limits.MaxBlobBytes = 16
	})
	writer := token(t, "alice", "write")
	rec := do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, bytes.Repeat([]byte("x"), 64))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized publish = %d, want 413", rec.Code)
	}
	if code := errCode(t, rec); code != CodeBlobTooLarge {
		t.Errorf("code = %q", code)
	}
}

func TestMutationEvents(t *testing.T) {
	e := newTestEngine(t, nil)
	sub := e.Bus().Subscribe(16)
	defer sub.Close()

	writer := token(t, "alice", "write")
	rec := do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("bytes"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish = %d", rec.Code)
	}

	want := []events.Type{events.TypeBlobPut, events.TypeKVPut, events.TypeIndexUpsert}
	for i, wt := range want {
		select {
		case ev := <-sub.C:
			if ev.Type != wt {
				t.Errorf("event %d = %s, want %s", i, ev.Type, wt)
			}
			if ev.Route != "publish" {
				t.Errorf("event %d route = %q", i, ev.Route)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, wt)
		}
	}
}

func TestResponseCache(t *testing.T) {
	e := newTestEngine(t, func(s *schema.Schema) {
		s.Caching.ResponseCache = schema.ResponseCache{Enabled: true, DefaultTTLSeconds: 60}
	})
	writer := token(t, "alice", "write")
	do(e, "PUT", "/v1/acme/widget/1.0.0/default/blob", writer, []byte("one"))

	rec := do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d", rec.Code)
	}
	gets := e.KVStats()["meta"].Gets

	// Second identical read is served from the cache.
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cached latest = %d", rec.Code)
	}
	if after := e.KVStats()["meta"].Gets; after != gets {
		t.Errorf("kv gets went %d -> %d; expected a cache hit", gets, after)
	}

	// A mutation invalidates, and the next read sees the new state.
	do(e, "PUT", "/v1/acme/widget/2.0.0/default/blob", writer, []byte("two"))
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	latest := decode(t, rec)["latest"].(map[string]any)
	if latest["version"] != "2.0.0" {
		t.Errorf("latest after publish = %v, want 2.0.0 (stale cache?)", latest["version"])
	}
}

func TestReloadSwapsBehavior(t *testing.T) {
	s := testSchema(t, nil)
	p := &swappableProvider{snap: &schema.Snapshot{Version: "v1", Schema: s}}
	e, err := New(context.Background(), Config{
		Provider:    p,
		DataDir:     t.TempDir(),
		TokenSecret: testSecret,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	rec := do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code == http.StatusUnauthorized {
		t.Fatal("anonymous read denied before reload")
	}

	// New snapshot turns anonymous reads off; same store topology.
	s2 := testSchema(t, func(s *schema.Schema) { s.Features.AnonymousRead = false })
	p.snap = &schema.Snapshot{Version: "v2", Schema: s2}
	if err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	version, _, _ := e.Snapshot()
	if version != "v2" {
		t.Errorf("snapshot version = %q, want v2", version)
	}
	rec = do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous read after reload = %d, want 401", rec.Code)
	}
}

func TestReloadRefusesStorageChange(t *testing.T) {
	s := testSchema(t, nil)
	p := &swappableProvider{snap: &schema.Snapshot{Version: "v1", Schema: s}}
	e, err := New(context.Background(), Config{
		Provider:    p,
		DataDir:     t.TempDir(),
		TokenSecret: testSecret,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	s2 := testSchema(t, nil)
	s2.Storage.KVStores["extra"] = &schema.KVStore{Kind: "memory"}
	p.snap = &schema.Snapshot{Version: "v2", Schema: s2}
	if err := e.Reload(context.Background()); err == nil {
		t.Error("Reload accepted a store topology change")
	}
	if version, _, _ := e.Snapshot(); version != "v1" {
		t.Errorf("snapshot version = %q, want v1 (unchanged)", version)
	}
}

// A name made entirely of digits, or the literal "true", satisfies the
// identifier constraints and must round-trip through the stored record and
// the index rebuild as the string it is.
func TestPublishDigitOnlyName(t *testing.T) {
	e := newTestEngine(t, nil)
	writer := token(t, "alice", "write")

	rec := do(e, "PUT", "/v1/acme/12345/1.0.0/default/blob", writer, []byte("one"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish digit name = %d: %s", rec.Code, rec.Body)
	}
	// The second publish rebuilds the index over the first record.
	rec = do(e, "PUT", "/v1/acme/12345/1.1.0/default/blob", writer, []byte("two"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("second publish = %d: %s", rec.Code, rec.Body)
	}

	rec = do(e, "GET", "/v1/acme/12345/latest", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d: %s", rec.Code, rec.Body)
	}
	latest, ok := decode(t, rec)["latest"].(map[string]any)
	if !ok {
		t.Fatalf("latest missing from %s", rec.Body)
	}
	if latest["name"] != "12345" || latest["version"] != "1.1.0" {
		t.Errorf("latest = %v, want name 12345 version 1.1.0", latest)
	}

	rec = do(e, "PUT", "/v1/acme/true/1.0.0/default/blob", writer, []byte("three"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish name true = %d: %s", rec.Code, rec.Body)
	}
	rec = do(e, "GET", "/v1/acme/true/latest", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("latest for name true = %d: %s", rec.Code, rec.Body)
	}
}

// stalledStore delegates to an inner store but never answers Get, standing
// in for a wedged backend.
type stalledStore struct{ kv.Store }

func (s stalledStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutReturns504(t *testing.T) {
	e, err := New(context.Background(), Config{
		Provider:    &schema.Static{Schema: testSchema(t, nil)},
		DataDir:     t.TempDir(),
		TokenSecret: testSecret,
		OpTimeout:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	e.kvs["meta"] = stalledStore{e.kvs["meta"]}

	rec := do(e, "GET", "/v1/acme/widget/latest", "", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("stalled store = %d: %s", rec.Code, rec.Body)
	}
	if code := errCode(t, rec); code != CodeTimeout {
		t.Errorf("code = %q, want %s", code, CodeTimeout)
	}
}
