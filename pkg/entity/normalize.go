// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package entity normalizes and validates request payloads against an
// entity schema. Normalization runs each field's operations in declared
// order, then constraints are checked in declared order; the first failing
// constraint is reported and later ones are not evaluated.
package entity

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/depotrun/depot/pkg/schema"
)

// ValidationError reports the first constraint violation found in a
// payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Normalize applies the entity's field normalizations to payload and checks
// its constraints. The input map is not modified; the returned map holds
// the normalized values. Fields absent from the payload appear as empty
// strings unless marked optional, so required-field constraints fail on
// them deterministically.
func Normalize(e *schema.Entity, payload map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		v, present := payload[f.Name]
		if !present {
			if !f.Optional {
				out[f.Name] = ""
			}
			continue
		}
		for _, op := range f.Normalize {
			v = applyOp(op, v)
		}
		out[f.Name] = v
	}

	for _, c := range e.Constraints {
		v := out[c.Field]
		if c.WhenPresent && v == "" {
			continue
		}
		if !c.Matches(v) {
			return nil, &ValidationError{
				Field:  c.Field,
				Reason: fmt.Sprintf("does not match pattern %s", c.Regex),
			}
		}
	}
	return out, nil
}

// applyOp applies a single normalization operation. Unknown operations are
// rejected at schema compile time; here they pass the value through.
func applyOp(op, v string) string {
	switch {
	case op == "trim":
		return strings.TrimSpace(v)
	case op == "lower":
		return strings.ToLower(v)
	case op == "upper":
		return strings.ToUpper(v)
	case op == "semver-canon":
		ver, err := semver.NewVersion(v)
		if err != nil {
			// Left for the version constraint to reject.
			return v
		}
		return ver.String()
	case strings.HasPrefix(op, "replace:"):
		parts := strings.SplitN(op, ":", 3)
		if len(parts) == 3 {
			return strings.ReplaceAll(v, parts[1], parts[2])
		}
		return v
	default:
		return v
	}
}
