// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine turns a compiled schema snapshot into HTTP request
// handling. The dispatcher matches method and path against the configured
// route table, and the executor runs the route's step pipeline against a
// per-request context.
//
// The active snapshot is held behind an atomic pointer: a reload swaps the
// whole route table at once, so an in-flight request always sees one
// consistent configuration.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/blob"
	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/depotrun/depot/pkg/events"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultOpTimeout bounds every single store operation. A store call never
// blocks a request longer than this.
const DefaultOpTimeout = 5 * time.Second

// Config configures an Engine.
type Config struct {
	Provider    schema.Provider
	DataDir     string
	TokenSecret []byte
	Bus         *events.Bus
	// OpTimeout overrides DefaultOpTimeout when positive.
	OpTimeout time.Duration
}

// Engine serves the configured route table. Stores are opened once at
// construction; Reload swaps routes, entities, policies, and features but
// refuses store topology changes (those need a restart, since in-flight
// requests may hold store handles).
type Engine struct {
	cfg       Config
	opTimeout time.Duration
	bus       *events.Bus

	kvs   map[string]kv.Store
	blobs map[string]blob.Store

	snap atomic.Pointer[snapshot]
}

// snapshot is one immutable compiled configuration.
type snapshot struct {
	version  string
	raw      []byte
	schema   *schema.Schema
	routes   []*compiledRoute
	eval     *authz.Evaluator
	cache    *gocache.Cache
	cacheTTL time.Duration
}

type compiledRoute struct {
	route      *schema.Route
	segs       []segment
	hasBlobPut bool
}

// segment is one path element: either a literal or a named parameter.
type segment struct {
	literal string
	param   string
}

// New loads the initial snapshot from cfg.Provider and opens its stores.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	snap, err := cfg.Provider.Load(ctx)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		opTimeout: cfg.OpTimeout,
		bus:       cfg.Bus,
		kvs:       make(map[string]kv.Store),
		blobs:     make(map[string]blob.Store),
	}
	if e.opTimeout <= 0 {
		e.opTimeout = DefaultOpTimeout
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	for name, c := range snap.Schema.Storage.KVStores {
		s, err := kv.Open(c, cfg.DataDir)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open kv store %q: %w", name, err)
		}
		e.kvs[name] = s
	}
	for name, c := range snap.Schema.Storage.BlobStores {
		s, err := blob.Open(c, cfg.DataDir)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open blob store %q: %w", name, err)
		}
		e.blobs[name] = s
	}
	compiled, err := compile(snap)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.snap.Store(compiled)
	return e, nil
}

// Close releases all stores.
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.kvs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Bus returns the engine's mutation event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// KVStore returns the named KV store, shared with the engine. Auxiliary
// consumers (the garbage collector) use this to see the same data the
// pipelines write.
func (e *Engine) KVStore(name string) (kv.Store, bool) {
	s, ok := e.kvs[name]
	return s, ok
}

// BlobStore returns the named blob store, shared with the engine.
func (e *Engine) BlobStore(name string) (blob.Store, bool) {
	s, ok := e.blobs[name]
	return s, ok
}

// Snapshot returns the active schema snapshot metadata.
func (e *Engine) Snapshot() (version string, raw []byte, s *schema.Schema) {
	snap := e.snap.Load()
	return snap.version, snap.raw, snap.schema
}

// KVStats returns per-store operation counters, for the stats endpoint.
func (e *Engine) KVStats() map[string]kv.Stats {
	out := make(map[string]kv.Stats, len(e.kvs))
	for name, s := range e.kvs {
		out[name] = s.Stats()
	}
	return out
}

// Reload fetches a fresh snapshot from the provider and atomically swaps
// it in. The new route table applies to requests that start after the
// swap; requests already executing finish against the old one.
func (e *Engine) Reload(ctx context.Context) error {
	snap, err := e.cfg.Provider.Load(ctx)
	if err != nil {
		return err
	}
	old := e.snap.Load()
	if !reflect.DeepEqual(snap.Schema.Storage, old.schema.Storage) {
		return fmt.Errorf("reload cannot change store definitions; restart required")
	}
	compiled, err := compile(snap)
	if err != nil {
		return err
	}
	e.snap.Store(compiled)
	return nil
}

func compile(snap *schema.Snapshot) (*snapshot, error) {
	s := &snapshot{
		version: snap.Version,
		raw:     snap.Raw,
		schema:  snap.Schema,
		eval:    authz.NewEvaluator(&snap.Schema.Auth),
	}
	for _, r := range snap.Schema.API.Routes {
		cr := &compiledRoute{route: r}
		for _, part := range strings.Split(strings.Trim(r.Path, "/"), "/") {
			if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
				cr.segs = append(cr.segs, segment{param: part[1 : len(part)-1]})
			} else {
				cr.segs = append(cr.segs, segment{literal: part})
			}
		}
		for _, st := range r.Pipeline {
			if st.Op == schema.OpBlobPut {
				cr.hasBlobPut = true
			}
		}
		s.routes = append(s.routes, cr)
	}
	if rc := snap.Schema.Caching.ResponseCache; rc.Enabled {
		ttl := time.Duration(rc.DefaultTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		s.cacheTTL = ttl
		s.cache = gocache.New(ttl, 2*ttl)
	}
	return s, nil
}

// match finds the route for method and path and binds its named
// parameters. When several routes match, the one with the most literal
// segments wins, so /pkg/{name}/tags/{tag} beats /pkg/{name}/{version}/{variant}
// regardless of declaration order.
func (s *snapshot) match(method, path string) (*compiledRoute, map[string]string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	var best *compiledRoute
	var bestParams map[string]string
	bestLiterals := -1
	for _, cr := range s.routes {
		if cr.route.Method != method || len(cr.segs) != len(parts) {
			continue
		}
		params := make(map[string]string, 2)
		literals := 0
		ok := true
		for i, seg := range cr.segs {
			switch {
			case seg.param != "":
				params[seg.param] = parts[i]
			case seg.literal == parts[i]:
				literals++
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if ok && literals > bestLiterals {
			best, bestParams, bestLiterals = cr, params, literals
		}
	}
	return best, bestParams
}

// principalFor authenticates the request. A missing Authorization header
// yields the anonymous principal; a present but invalid one is an error.
func (e *Engine) principalFor(r *http.Request, snap *snapshot) (*authz.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return authz.Anonymous(snap.schema.Features.AnonymousRead), nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, &AuthError{Unauthenticated: true}
	}
	claims, err := authz.VerifyToken(e.cfg.TokenSecret, token)
	if err != nil {
		return nil, &AuthError{Unauthenticated: true}
	}
	return claims.Principal(), nil
}

// ServeHTTP dispatches to the configured route table.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := e.snap.Load()
	cr, params := snap.match(r.Method, r.URL.Path)
	if cr == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no such route")
		return
	}

	logger := ctxlog.FromContext(r.Context()).With("route", cr.route.ID)
	ctx := ctxlog.WithLogger(r.Context(), logger)
	r = r.WithContext(ctx)

	principal, err := e.principalFor(r, snap)
	if err != nil {
		status, code, msg := translate(err)
		WriteError(w, status, code, msg)
		return
	}

	if resp, ok := snap.cachedResponse(r, principal); ok {
		writeJSONResponse(w, resp)
		return
	}

	e.execute(w, r, snap, cr, params, principal)
}

// withOpTimeout bounds one store operation.
func (e *Engine) withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opTimeout)
}
