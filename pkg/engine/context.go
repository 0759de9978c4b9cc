// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/schema"
	"tailscale.com/util/mak"
)

// Response is the response-in-progress. A step that sets it terminates the
// pipeline. Either Body or Stream is set, never both.
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	StreamSize int64
}

// RequestContext is the mutable state one pipeline run operates on. It is
// owned by a single request; nothing in it is shared.
type RequestContext struct {
	ID        string
	Route     *schema.Route
	Params    map[string]string
	Query     url.Values
	Payload   map[string]string
	JSONBody  map[string]any
	Body      io.Reader
	Principal *authz.Principal
	Values    map[string]string
	Raw       map[string]any
	Response  *Response

	now func() time.Time
}

// SetValue records a scratch value for downstream steps.
func (rc *RequestContext) SetValue(key, value string) {
	mak.Set(&rc.Values, key, value)
}

// setRaw records a structured value (arrays, nested records) addressable
// from respond templates.
func (rc *RequestContext) setRaw(key string, v any) {
	mak.Set(&rc.Raw, key, v)
}

// lookup resolves a template placeholder. Scratch values shadow payload
// fields, which shadow raw path parameters. A handful of builtins
// ({now}, {principal}, {request_id}) are always available.
func (rc *RequestContext) lookup(name string) (string, bool) {
	switch name {
	case "now":
		return rc.now().UTC().Format(time.RFC3339), true
	case "principal":
		return rc.Principal.Subject, true
	case "request_id":
		return rc.ID, true
	}
	if v, ok := rc.Values[name]; ok {
		return v, true
	}
	if v, ok := rc.Payload[name]; ok {
		return v, true
	}
	if v, ok := rc.Params[name]; ok {
		return v, true
	}
	if rc.JSONBody != nil {
		if v, ok := rc.JSONBody[name]; ok {
			if s, ok := stringify(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// expand resolves every placeholder in tmpl, failing on unresolved names.
// Used for store keys, where a silently empty segment would corrupt the
// keyspace.
func (rc *RequestContext) expand(tmpl string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := rc.lookup(name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return ""
	})
	if missing != "" {
		return "", fmt.Errorf("unresolved template field %q in %q", missing, tmpl)
	}
	return out, nil
}

// expandLoose resolves placeholders, substituting empty strings for
// unresolved names. Used for response bodies and record values where
// optional fields may be absent.
func (rc *RequestContext) expandLoose(tmpl string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		v, _ := rc.lookup(m[1 : len(m)-1])
		return v
	})
}

// rawFor returns the structured value when tmpl is exactly one placeholder
// referring to a raw (non-string) context value. This lets respond bodies
// embed arrays and records without stringifying them.
func (rc *RequestContext) rawFor(tmpl string) (any, bool) {
	if len(tmpl) < 3 || tmpl[0] != '{' || tmpl[len(tmpl)-1] != '}' {
		return nil, false
	}
	name := tmpl[1 : len(tmpl)-1]
	if !placeholderRe.MatchString(tmpl) || placeholderRe.FindString(tmpl) != tmpl {
		return nil, false
	}
	v, ok := rc.Raw[name]
	return v, ok
}

// mergeRecord flattens a decoded KV record into the context under prefix,
// so templates can reference {prefix.field}. Scalar fields land in Values;
// everything is also kept raw for structured respond bodies.
func (rc *RequestContext) mergeRecord(prefix string, record map[string]any) {
	rc.setRaw(prefix, record)
	for k, v := range record {
		key := prefix + "." + k
		rc.setRaw(key, v)
		if s, ok := stringify(v); ok {
			rc.SetValue(key, s)
		}
	}
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
