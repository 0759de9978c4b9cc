// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package authz resolves principals against the schema's scopes and
// policies. The decision procedure is deny-overrides and default-closed:
// any satisfied deny policy wins, an allow is needed for access, and no
// matching policy at all means Deny.
package authz

import (
	"slices"

	"github.com/depotrun/depot/pkg/schema"
)

// Principal is the authenticated identity of a request, or the anonymous
// marker.
type Principal struct {
	Subject   string
	Scopes    []string
	Anonymous bool
}

// Anonymous returns the unauthenticated principal. When anonymousRead is
// enabled it carries the read scope, the opt-in posture for public
// repositories; otherwise it holds no scopes and the default-closed
// evaluation denies everything.
func Anonymous(anonymousRead bool) *Principal {
	p := &Principal{Subject: "anonymous", Anonymous: true}
	if anonymousRead {
		p.Scopes = []string{"read"}
	}
	return p
}

// HasScope reports whether the principal holds the named scope.
func (p *Principal) HasScope(name string) bool {
	return slices.Contains(p.Scopes, name)
}

// Resource describes what a request is acting on, for policy matching.
type Resource struct {
	Tags []string
	Path string
}

// Decision is the outcome of policy evaluation.
type Decision int

// The two outcomes. There is no "not applicable": absence of a matching
// allow is Deny.
const (
	Deny Decision = iota
	Allow
)

// Evaluator evaluates the configured policy set.
type Evaluator struct {
	scopeActions map[string][]string
	policies     []schema.Policy
}

// NewEvaluator compiles the auth section of a schema.
func NewEvaluator(cfg *schema.Auth) *Evaluator {
	e := &Evaluator{
		scopeActions: make(map[string][]string, len(cfg.Scopes)),
		policies:     cfg.Policies,
	}
	for _, s := range cfg.Scopes {
		e.scopeActions[s.Name] = s.Actions
	}
	return e
}

// Decide resolves whether principal may perform action on res.
func (e *Evaluator) Decide(p *Principal, action string, res Resource) Decision {
	allowed := false
	for _, pol := range e.policies {
		if !e.matches(&pol, action, res) {
			continue
		}
		if !e.satisfied(&pol, p, action) {
			continue
		}
		if pol.Effect == schema.EffectDeny {
			// Deny-overrides: no later allow can rescue the request.
			return Deny
		}
		allowed = true
	}
	if allowed {
		return Allow
	}
	return Deny
}

// matches reports whether the policy's conditions select this request.
// Empty condition lists match everything.
func (e *Evaluator) matches(pol *schema.Policy, action string, res Resource) bool {
	if len(pol.When.Actions) > 0 && !slices.Contains(pol.When.Actions, action) {
		return false
	}
	if len(pol.When.Tags) > 0 {
		any := false
		for _, t := range pol.When.Tags {
			if slices.Contains(res.Tags, t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// satisfied reports whether the policy's requirements hold of the
// principal. A required scope counts only if the scope's configured action
// set covers the requested action, so holding a scope never grants actions
// outside it.
func (e *Evaluator) satisfied(pol *schema.Policy, p *Principal, action string) bool {
	if pol.Require.Authenticated && p.Anonymous {
		return false
	}
	if len(pol.Require.Scopes) > 0 {
		for _, name := range pol.Require.Scopes {
			if !p.HasScope(name) {
				continue
			}
			if actions, ok := e.scopeActions[name]; ok && !slices.Contains(actions, action) {
				continue
			}
			return true
		}
		return false
	}
	return true
}
