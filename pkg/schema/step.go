// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schema

// StepOp identifies a pipeline step variant. The set is closed: the engine
// handles every op exhaustively and Compile rejects anything else, so a
// route can never do more than these operations.
type StepOp string

// The step variants.
const (
	OpNormalize   StepOp = "normalize"
	OpAuthCheck   StepOp = "auth-check"
	OpKVGet       StepOp = "kv-get"
	OpKVPut       StepOp = "kv-put"
	OpKVDelete    StepOp = "kv-delete"
	OpBlobPut     StepOp = "blob-put"
	OpBlobGet     StepOp = "blob-get"
	OpIndexUpsert StepOp = "index-upsert"
	OpRespond     StepOp = "respond"
)

// Step is one operation in a route pipeline. It is a tagged variant: Op
// selects the behavior and the remaining fields parameterize it. Unused
// fields are ignored for a given op.
//
// Template strings ("{name}", "artifact/{namespace}/{name}") are resolved
// against the request context at execution time.
type Step struct {
	Op StepOp `json:"op"`

	// normalize
	Entity string `json:"entity,omitempty"`

	// auth-check
	Action string `json:"action,omitempty"`

	// kv-* / blob-* / index-upsert
	Store string `json:"store,omitempty"`

	// kv-get / kv-put / kv-delete: key template.
	Key string `json:"key,omitempty"`

	// kv-get: context field the decoded record is exposed under.
	Into string `json:"into,omitempty"`

	// kv-put: create-if-absent semantics.
	CAS bool `json:"cas,omitempty"`

	// kv-put: name of a feature flag that, when enabled, downgrades the
	// CAS write to an unconditional one (allow_overwrite_artifacts for
	// artifact records, mutable_tags for tag records).
	MutableWhen string `json:"mutable_when,omitempty"`

	// kv-put: record field templates.
	Value map[string]string `json:"value,omitempty"`

	// kv-put: referenced key templates that must exist before the write
	// (e.g. a tag's target artifact).
	RequireKeys []string `json:"require_keys,omitempty"`

	// blob-put / blob-get: context field holding (or receiving) the digest.
	DigestField string `json:"digest_field,omitempty"`

	// index-upsert: key prefix template to scan and index key template to
	// write.
	ScanPrefix string `json:"scan_prefix,omitempty"`
	IndexKey   string `json:"index_key,omitempty"`

	// respond
	Status int               `json:"status,omitempty"`
	Body   map[string]string `json:"body,omitempty"`
}
