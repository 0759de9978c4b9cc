// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package schema defines the declarative configuration that drives the
// registry engine: entity shapes, routes with their step pipelines, blob and
// KV store definitions, auth scopes and policies, and feature flags.
//
// A Schema is parsed from a JSONC document, validated, and compiled into an
// immutable snapshot. The engine never mutates a loaded Schema;
// reconfiguration happens by loading a new snapshot and atomically swapping
// it in.
package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Schema is the full declarative configuration of a repository.
type Schema struct {
	SchemaVersion string             `json:"schema_version"`
	TypeID        string             `json:"type_id"`
	Description   string             `json:"description,omitempty"`
	Entities      map[string]*Entity `json:"entities"`
	Versioning    Versioning         `json:"versioning"`
	Storage       Storage            `json:"storage"`
	API           API                `json:"api"`
	Auth          Auth               `json:"auth"`
	Caching       Caching            `json:"caching"`
	Features      Features           `json:"features"`
	Limits        Limits             `json:"limits"`
}

// Entity describes the shape of a metadata record: an ordered field list
// plus regex constraints checked after normalization.
type Entity struct {
	Type        string        `json:"type"`
	PrimaryKey  []string      `json:"primary_key,omitempty"`
	Fields      []*Field      `json:"fields"`
	Constraints []*Constraint `json:"constraints,omitempty"`
}

// Field is a single entity field. Normalize lists normalization operations
// applied in order before constraint checks (e.g. "trim", "lower",
// "replace:_:-", "semver-canon").
type Field struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Optional  bool     `json:"optional,omitempty"`
	Normalize []string `json:"normalize,omitempty"`
}

// Constraint requires a field to match a regex. When WhenPresent is true the
// constraint is skipped for absent fields; otherwise the field is required
// and must match.
type Constraint struct {
	Field       string `json:"field"`
	Regex       string `json:"regex"`
	WhenPresent bool   `json:"when_present,omitempty"`

	re *regexp.Regexp
}

// Matches reports whether v satisfies the constraint's pattern. Only valid
// after Compile.
func (c *Constraint) Matches(v string) bool {
	return c.re.MatchString(v)
}

// Versioning selects the version ordering scheme and whether prereleases are
// eligible when resolving "latest".
type Versioning struct {
	Scheme             string `json:"scheme"`
	IncludePrereleases bool   `json:"include_prereleases,omitempty"`
}

// Storage declares the named blob and KV stores routes may reference.
type Storage struct {
	BlobStores map[string]*BlobStore `json:"blob_stores"`
	KVStores   map[string]*KVStore   `json:"kv_stores"`
}

// Addressing modes for content-addressed blob stores.
const (
	AddressingFlat    = "content-hash-flat"
	AddressingSharded = "content-hash-sharded"
)

// BlobStore configures one content-addressed blob store.
type BlobStore struct {
	Kind       string     `json:"kind"`
	Root       string     `json:"root"`
	Addressing Addressing `json:"addressing"`
	Limits     BlobLimits `json:"limits"`
}

// Addressing controls how a content digest maps to a storage path.
type Addressing struct {
	Mode         string `json:"mode"`
	Digest       string `json:"digest"`
	PathTemplate string `json:"path_template,omitempty"`
}

// BlobLimits bounds blob sizes. MaxBlobBytes <= 0 means unlimited.
type BlobLimits struct {
	MaxBlobBytes int64 `json:"max_blob_bytes,omitempty"`
	MinBlobBytes int64 `json:"min_blob_bytes,omitempty"`
}

// KVStore configures one ordered key-value store.
type KVStore struct {
	Kind string `json:"kind"`
	Root string `json:"root,omitempty"`
}

// API holds the configured route table.
type API struct {
	Routes []*Route `json:"routes"`
}

// Route binds an HTTP method and path pattern to an ordered step pipeline.
// Path segments of the form {name} bind named parameters into the request
// context.
type Route struct {
	ID       string   `json:"id"`
	Method   string   `json:"method"`
	Path     string   `json:"path"`
	Tags     []string `json:"tags,omitempty"`
	Pipeline []Step   `json:"pipeline"`
}

// Auth declares scopes, policies, and token parameters.
type Auth struct {
	TokenTTLSeconds int      `json:"token_ttl_seconds,omitempty"`
	Scopes          []Scope  `json:"scopes"`
	Policies        []Policy `json:"policies"`
}

// Scope names a set of permitted actions.
type Scope struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Policy is one rule in the ordered policy set. When selects the requests
// the policy applies to; Require states what must hold of the principal for
// the policy's effect to fire.
type Policy struct {
	Name    string        `json:"name"`
	Effect  string        `json:"effect"`
	When    PolicyWhen    `json:"when"`
	Require PolicyRequire `json:"require"`
}

// PolicyWhen matches on the requested action and route tags. Empty slices
// match everything.
type PolicyWhen struct {
	Actions []string `json:"actions,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// PolicyRequire is the predicate evaluated against the principal.
type PolicyRequire struct {
	Authenticated bool     `json:"authenticated,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// Caching configures the response cache.
type Caching struct {
	ResponseCache ResponseCache `json:"response_cache"`
}

// ResponseCache enables TTL caching of successful GET responses.
type ResponseCache struct {
	Enabled           bool `json:"enabled"`
	DefaultTTLSeconds int  `json:"default_ttl_seconds,omitempty"`
}

// Features are the repository feature flags.
type Features struct {
	MutableTags             bool `json:"mutable_tags"`
	AllowOverwriteArtifacts bool `json:"allow_overwrite_artifacts"`
	ProxyEnabled            bool `json:"proxy_enabled"`
	GCEnabled               bool `json:"gc_enabled"`
	AnonymousRead           bool `json:"anonymous_read"`
}

// Enabled reports whether the named feature flag is on. Unknown names are
// off.
func (f Features) Enabled(name string) bool {
	switch name {
	case "mutable_tags":
		return f.MutableTags
	case "allow_overwrite_artifacts":
		return f.AllowOverwriteArtifacts
	case "proxy_enabled":
		return f.ProxyEnabled
	case "gc_enabled":
		return f.GCEnabled
	case "anonymous_read":
		return f.AnonymousRead
	}
	return false
}

// Limits bounds request handling.
type Limits struct {
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes,omitempty"`
}

// Parse decodes a JSONC schema document and compiles it. The returned Schema
// is ready for use by the engine.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validNormalizeOp reports whether op is a known field normalization.
func validNormalizeOp(op string) bool {
	switch op {
	case "trim", "lower", "upper", "semver-canon":
		return true
	}
	return strings.HasPrefix(op, "replace:") && strings.Count(op, ":") == 2
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
}

// Compile validates the schema and compiles constraint regexes. It must be
// called before the schema is handed to the engine.
func (s *Schema) Compile() error {
	for name, e := range s.Entities {
		fields := make(map[string]bool, len(e.Fields))
		for _, f := range e.Fields {
			if f.Name == "" {
				return fmt.Errorf("entity %q: field with empty name", name)
			}
			if fields[f.Name] {
				return fmt.Errorf("entity %q: duplicate field %q", name, f.Name)
			}
			fields[f.Name] = true
			for _, op := range f.Normalize {
				if !validNormalizeOp(op) {
					return fmt.Errorf("entity %q field %q: unknown normalization %q", name, f.Name, op)
				}
			}
		}
		for _, c := range e.Constraints {
			if !fields[c.Field] {
				return fmt.Errorf("entity %q: constraint on unknown field %q", name, c.Field)
			}
			re, err := regexp.Compile(c.Regex)
			if err != nil {
				return fmt.Errorf("entity %q: constraint on %q: %w", name, c.Field, err)
			}
			c.re = re
		}
	}

	for name, bs := range s.Storage.BlobStores {
		switch bs.Addressing.Mode {
		case AddressingFlat, AddressingSharded:
		case "":
			bs.Addressing.Mode = AddressingSharded
		default:
			return fmt.Errorf("blob store %q: unknown addressing mode %q", name, bs.Addressing.Mode)
		}
		if bs.Addressing.Digest == "" {
			bs.Addressing.Digest = "sha256"
		}
	}

	ids := make(map[string]bool, len(s.API.Routes))
	for _, r := range s.API.Routes {
		if r.ID == "" {
			return fmt.Errorf("route %s %s: missing id", r.Method, r.Path)
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		ids[r.ID] = true
		if !validMethods[r.Method] {
			return fmt.Errorf("route %q: unsupported method %q", r.ID, r.Method)
		}
		if len(r.Pipeline) == 0 {
			return fmt.Errorf("route %q: empty pipeline", r.ID)
		}
		for i := range r.Pipeline {
			if err := s.checkStep(r, &r.Pipeline[i]); err != nil {
				return fmt.Errorf("route %q step %d: %w", r.ID, i, err)
			}
		}
	}

	for _, p := range s.Auth.Policies {
		if p.Effect != EffectAllow && p.Effect != EffectDeny {
			return fmt.Errorf("policy %q: effect must be allow or deny, got %q", p.Name, p.Effect)
		}
	}
	return nil
}

func (s *Schema) checkStep(r *Route, st *Step) error {
	switch st.Op {
	case OpNormalize:
		if _, ok := s.Entities[st.Entity]; !ok {
			return fmt.Errorf("normalize references unknown entity %q", st.Entity)
		}
	case OpAuthCheck:
		if st.Action == "" {
			return fmt.Errorf("auth-check requires an action")
		}
	case OpKVGet, OpKVPut, OpKVDelete, OpIndexUpsert:
		if _, ok := s.Storage.KVStores[st.Store]; !ok {
			return fmt.Errorf("%s references unknown kv store %q", st.Op, st.Store)
		}
		if st.Op != OpIndexUpsert && st.Key == "" {
			return fmt.Errorf("%s requires a key template", st.Op)
		}
	case OpBlobPut, OpBlobGet:
		if _, ok := s.Storage.BlobStores[st.Store]; !ok {
			return fmt.Errorf("%s references unknown blob store %q", st.Op, st.Store)
		}
	case OpRespond:
		if st.Status < 100 || st.Status > 599 {
			return fmt.Errorf("respond requires a valid status, got %d", st.Status)
		}
	default:
		return fmt.Errorf("unknown step op %q", st.Op)
	}
	return nil
}
