// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/blob"
	"github.com/depotrun/depot/pkg/compress"
	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/depotrun/depot/pkg/entity"
	"github.com/depotrun/depot/pkg/events"
	"github.com/depotrun/depot/pkg/kv"
	"github.com/depotrun/depot/pkg/schema"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// execute builds the request context, runs the pipeline, and writes the
// response. It is the single place pipeline errors become HTTP.
func (e *Engine) execute(w http.ResponseWriter, r *http.Request, snap *snapshot, cr *compiledRoute, params map[string]string, principal *authz.Principal) {
	logger := ctxlog.FromContext(r.Context())

	rc := &RequestContext{
		ID:        uuid.New().String(),
		Route:     cr.route,
		Params:    params,
		Query:     r.URL.Query(),
		Principal: principal,
		now:       time.Now,
	}
	logger = logger.With("request_id", rc.ID, "principal", principal.Subject)
	ctx := ctxlog.WithLogger(r.Context(), logger)

	body := io.Reader(r.Body)
	if max := snap.schema.Limits.MaxRequestBodyBytes; max > 0 {
		body = http.MaxBytesReader(w, r.Body, max)
	}
	if cr.hasBlobPut {
		rc.Body = body
	} else if r.Method != http.MethodGet && r.ContentLength != 0 {
		if err := json.NewDecoder(body).Decode(&rc.JSONBody); err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
			return
		}
	}

	err := e.runPipeline(ctx, snap, cr, rc)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// Client went away; nothing useful to write.
			logger.Debug("pipeline aborted by client disconnect")
			return
		}
		status, code, msg := translate(err)
		if status >= http.StatusInternalServerError {
			logger.Error("pipeline failed", "error", err, "status", status)
		} else {
			logger.Info("pipeline rejected request", "code", code, "status", status)
		}
		WriteError(w, status, code, msg)
		return
	}
	if rc.Response == nil {
		logger.Error("pipeline produced no response", "route", cr.route.ID)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "no response produced")
		return
	}

	if snap.cache != nil {
		if r.Method == http.MethodGet {
			snap.storeCached(r, principal, rc.Response)
		} else {
			// Coarse but correct: any mutation may change what reads
			// return, so the whole response cache is dropped.
			snap.cache.Flush()
		}
	}
	writeResponse(w, r, rc.Response)
}

// runPipeline executes the route's steps in order. A step failure halts
// the pipeline; a step that sets the response terminates it.
func (e *Engine) runPipeline(ctx context.Context, snap *snapshot, cr *compiledRoute, rc *RequestContext) error {
	for i := range cr.route.Pipeline {
		// Client cancellation takes effect between steps: the current
		// step always runs to completion so its side effect is whole.
		if err := ctx.Err(); err != nil {
			return err
		}
		st := &cr.route.Pipeline[i]
		if err := e.runStep(ctx, snap, cr, st, rc); err != nil {
			return err
		}
		if rc.Response != nil {
			break
		}
	}
	return nil
}

// runStep dispatches on the step variant. The switch is exhaustive over
// the closed op set; schema compilation rejects anything else.
func (e *Engine) runStep(ctx context.Context, snap *snapshot, cr *compiledRoute, st *schema.Step, rc *RequestContext) error {
	switch st.Op {
	case schema.OpNormalize:
		return e.stepNormalize(snap, st, rc)
	case schema.OpAuthCheck:
		return e.stepAuthCheck(snap, cr, st, rc)
	case schema.OpKVGet:
		return e.stepKVGet(ctx, st, rc)
	case schema.OpKVPut:
		return e.stepKVPut(ctx, snap, cr, st, rc)
	case schema.OpKVDelete:
		return e.stepKVDelete(ctx, st, rc)
	case schema.OpBlobPut:
		return e.stepBlobPut(ctx, cr, st, rc)
	case schema.OpBlobGet:
		return e.stepBlobGet(ctx, st, rc)
	case schema.OpIndexUpsert:
		return e.stepIndexUpsert(ctx, snap, cr, st, rc)
	case schema.OpRespond:
		return e.stepRespond(st, rc)
	default:
		return fmt.Errorf("unhandled step op %q", st.Op)
	}
}

func (e *Engine) stepNormalize(snap *snapshot, st *schema.Step, rc *RequestContext) error {
	src := make(map[string]string, len(rc.Params))
	for k, v := range rc.Params {
		src[k] = v
	}
	for k, v := range rc.JSONBody {
		if s, ok := stringify(v); ok {
			src[k] = s
		}
	}
	normalized, err := entity.Normalize(snap.schema.Entities[st.Entity], src)
	if err != nil {
		return err
	}
	rc.Payload = normalized
	return nil
}

func (e *Engine) stepAuthCheck(snap *snapshot, cr *compiledRoute, st *schema.Step, rc *RequestContext) error {
	res := authz.Resource{Tags: cr.route.Tags, Path: cr.route.Path}
	if snap.eval.Decide(rc.Principal, st.Action, res) != authz.Allow {
		return &AuthError{Unauthenticated: rc.Principal.Anonymous, Action: st.Action}
	}
	return nil
}

func (e *Engine) stepKVGet(ctx context.Context, st *schema.Step, rc *RequestContext) error {
	key, err := rc.expand(st.Key)
	if err != nil {
		return err
	}
	opCtx, cancel := e.withOpTimeout(ctx)
	defer cancel()
	v, err := e.kvs[st.Store].Get(opCtx, key)
	if err != nil {
		return storeErr(st.Store, key, err)
	}
	var record map[string]any
	if err := json.Unmarshal(v, &record); err != nil {
		return &StorageError{Store: st.Store, Key: key, Err: err}
	}
	into := st.Into
	if into == "" {
		into = "record"
	}
	rc.mergeRecord(into, record)
	return nil
}

func (e *Engine) stepKVPut(ctx context.Context, snap *snapshot, cr *compiledRoute, st *schema.Step, rc *RequestContext) error {
	key, err := rc.expand(st.Key)
	if err != nil {
		return err
	}
	store := e.kvs[st.Store]

	for _, tmpl := range st.RequireKeys {
		rk, err := rc.expand(tmpl)
		if err != nil {
			return err
		}
		opCtx, cancel := e.withOpTimeout(ctx)
		_, err = store.Get(opCtx, rk)
		cancel()
		if err != nil {
			return storeErr(st.Store, rk, err)
		}
	}

	// Record values stay strings: a name like "12345" or "true" is a
	// valid identifier under the entity constraints and must round-trip
	// through the index decode as the string it is.
	record := make(map[string]any, len(st.Value))
	for k, tmpl := range st.Value {
		if raw, ok := rc.rawFor(tmpl); ok {
			record[k] = raw
			continue
		}
		record[k] = rc.expandLoose(tmpl)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record for %s: %w", key, err)
	}

	cas := st.CAS
	if cas && st.MutableWhen != "" && snap.schema.Features.Enabled(st.MutableWhen) {
		cas = false
	}
	opCtx, cancel := e.withOpTimeout(ctx)
	defer cancel()
	if cas {
		err = store.PutIfAbsent(opCtx, key, data)
	} else {
		err = store.Put(opCtx, key, data)
	}
	if err != nil {
		return storeErr(st.Store, key, err)
	}
	e.bus.Publish(events.Event{
		Type:   events.TypeKVPut,
		Route:  cr.route.ID,
		Key:    key,
		Digest: rc.Values["digest"],
	})
	return nil
}

func (e *Engine) stepKVDelete(ctx context.Context, st *schema.Step, rc *RequestContext) error {
	key, err := rc.expand(st.Key)
	if err != nil {
		return err
	}
	opCtx, cancel := e.withOpTimeout(ctx)
	defer cancel()
	if err := e.kvs[st.Store].Delete(opCtx, key); err != nil {
		return storeErr(st.Store, key, err)
	}
	return nil
}

func (e *Engine) stepBlobPut(ctx context.Context, cr *compiledRoute, st *schema.Step, rc *RequestContext) error {
	if rc.Body == nil {
		return fmt.Errorf("blob-put with no request body")
	}
	opCtx, cancel := context.WithTimeout(ctx, e.blobTimeout())
	defer cancel()
	d, n, err := e.blobs[st.Store].Put(opCtx, rc.Body)
	if err != nil {
		return storeErr(st.Store, "", err)
	}
	field := st.DigestField
	if field == "" {
		field = "digest"
	}
	rc.SetValue(field, d.String())
	rc.SetValue("size", strconv.FormatInt(n, 10))
	e.bus.Publish(events.Event{
		Type:   events.TypeBlobPut,
		Route:  cr.route.ID,
		Digest: d.String(),
	})
	return nil
}

func (e *Engine) stepBlobGet(ctx context.Context, st *schema.Step, rc *RequestContext) error {
	field := st.DigestField
	if field == "" {
		field = "digest"
	}
	ds, ok := rc.lookup(field)
	if !ok {
		return blob.ErrNotFound
	}
	d, err := digest.Parse(ds)
	if err != nil {
		return blob.ErrNotFound
	}
	store := e.blobs[st.Store]
	opCtx, cancel := e.withOpTimeout(ctx)
	defer cancel()
	rdr, err := store.Get(opCtx, d)
	if err != nil {
		return storeErr(st.Store, ds, err)
	}
	size, err := store.Size(opCtx, d)
	if err != nil {
		rdr.Close()
		return storeErr(st.Store, ds, err)
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/octet-stream")
	h.Set("ETag", strconv.Quote(d.String()))
	if name, ok := rc.lookup("name"); ok && name != "" {
		if version, ok := rc.lookup("version"); ok && version != "" {
			h.Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=%q", name+"-"+version+".tar.gz"))
		}
	}
	rc.Response = &Response{
		Status:     http.StatusOK,
		Header:     h,
		Stream:     rdr,
		StreamSize: size,
	}
	return nil
}

func (e *Engine) stepRespond(st *schema.Step, rc *RequestContext) error {
	body := make(map[string]any, len(st.Body))
	for k, tmpl := range st.Body {
		if raw, ok := rc.rawFor(tmpl); ok {
			body[k] = raw
			continue
		}
		body[k] = coerce(rc.expandLoose(tmpl))
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	rc.Response = &Response{Status: st.Status, Header: h, Body: data}
	return nil
}

// blobTimeout bounds blob streaming operations, which move real bytes and
// get a longer budget than point KV lookups.
func (e *Engine) blobTimeout() time.Duration {
	return 12 * e.opTimeout
}

// storeErr passes taxonomy errors (not-found, conflict, timeout, size
// limit) through untouched and wraps everything else as a StorageError so
// it logs with store and key context.
func storeErr(store, key string, err error) error {
	var se *blob.SizeLimitError
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, kv.ErrNotFound),
		errors.Is(err, kv.ErrConflict),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &se),
		errors.As(err, &mbe):
		return err
	default:
		return &StorageError{Store: store, Key: key, Err: err}
	}
}

// coerce turns boolean and integer literal strings into typed JSON values,
// so respond bodies read {"ok": true, "size": 4096} rather than quoted
// strings. It is applied to respond bodies only, never to stored records.
func coerce(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if v == "0" || (v != "" && len(v) < 19 && !strings.HasPrefix(v, "0")) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return v
}

// writeResponse sends the terminal response, negotiating compression for
// blob streams.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if resp.Stream != nil {
		defer resp.Stream.Close()
		if enc := compress.SelectEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
			cw, err := compress.NewWriter(w, enc)
			if err == nil {
				defer cw.Close()
				cw.WriteHeader(resp.Status)
				io.Copy(cw, resp.Stream)
				return
			}
		}
		if resp.StreamSize > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(resp.StreamSize, 10))
		}
		w.WriteHeader(resp.Status)
		io.Copy(w, resp.Stream)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func writeJSONResponse(w http.ResponseWriter, resp *Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
