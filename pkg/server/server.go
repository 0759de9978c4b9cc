// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server mounts the schema-driven engine behind the fixed
// endpoints every deployment gets regardless of schema: authentication,
// health, schema introspection, stats, reload, and the mutation event
// stream. Everything else falls through to the engine's route table.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/depotrun/depot/pkg/engine"
	"github.com/depotrun/depot/pkg/events"
	"github.com/tidwall/jsonc"
)

// DefaultTokenTTL applies when the schema does not set one.
const DefaultTokenTTL = time.Hour

// MinPasswordLen is the floor enforced on password changes.
const MinPasswordLen = 4

// Config configures a Server.
type Config struct {
	Engine      *engine.Engine
	Users       *authz.UserStore
	TokenSecret []byte
}

// Server is the full HTTP surface: builtin endpoints plus the engine.
type Server struct {
	cfg   Config
	mux   *http.ServeMux
	start time.Time
}

// New builds the handler tree.
func New(cfg Config) *Server {
	s := &Server{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		start: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/change-password", s.handleChangePassword)
	s.mux.HandleFunc("GET /auth/me", s.handleMe)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /schema", s.handleSchema)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /admin/reload", s.handleReload)
	s.mux.Handle("GET /events/stream", events.StreamHandler(s.cfg.Engine.Bus()))
	s.mux.Handle("/", s.cfg.Engine)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// principal authenticates a builtin-endpoint request. Builtin endpoints
// never accept anonymous callers, so a missing header is an error here.
func (s *Server) principal(r *http.Request) (*authz.Principal, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, authz.ErrInvalidToken
	}
	claims, err := authz.VerifyToken(s.cfg.TokenSecret, token)
	if err != nil {
		return nil, err
	}
	return claims.Principal(), nil
}

func (s *Server) tokenTTL() time.Duration {
	_, _, sch := s.cfg.Engine.Snapshot()
	if sch.Auth.TokenTTLSeconds > 0 {
		return time.Duration(sch.Auth.TokenTTLSeconds) * time.Second
	}
	return DefaultTokenTTL
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		engine.WriteError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "username and password required")
		return
	}
	u, err := s.cfg.Users.Verify(req.Username, req.Password)
	if err != nil {
		ctxlog.FromContext(r.Context()).Info("login rejected", "username", req.Username)
		engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, "bad credentials")
		return
	}
	ttl := s.tokenTTL()
	token, err := authz.MintToken(s.cfg.TokenSecret, authz.Claims{
		Subject: u.Username,
		Scopes:  u.Scopes,
		Expiry:  time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		engine.WriteError(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int64(ttl.Seconds()),
		"scopes":     u.Scopes,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, "authentication required")
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		engine.WriteError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if len(req.NewPassword) < MinPasswordLen {
		engine.WriteError(w, http.StatusBadRequest, engine.CodeValidation, "new password too short")
		return
	}
	if err := s.cfg.Users.ChangePassword(p.Subject, req.OldPassword, req.NewPassword); err != nil {
		if err == authz.ErrBadCredentials {
			engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, "bad credentials")
			return
		}
		ctxlog.FromContext(r.Context()).Error("password change failed", "error", err)
		engine.WriteError(w, http.StatusInternalServerError, engine.CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": p.Subject,
		"scopes":   p.Scopes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, _, sch := s.cfg.Engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"type_id":        sch.TypeID,
		"schema_version": version,
	})
}

// handleSchema serves the active schema document. Comments are stripped so
// the response is plain JSON whatever the source format was.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	_, raw, _ := s.cfg.Engine.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonc.ToJSON(raw))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	version, _, _ := s.cfg.Engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": version,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"kv":             s.cfg.Engine.KVStats(),
	})
}

// handleReload swaps in a fresh schema snapshot. Admin scope required; this
// changes behavior for every caller.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		engine.WriteError(w, http.StatusUnauthorized, engine.CodeUnauthorized, "authentication required")
		return
	}
	if !hasScope(p, "admin") {
		engine.WriteError(w, http.StatusForbidden, engine.CodeForbidden, "admin scope required")
		return
	}
	if err := s.cfg.Engine.Reload(r.Context()); err != nil {
		ctxlog.FromContext(r.Context()).Error("schema reload failed", "error", err)
		engine.WriteError(w, http.StatusBadRequest, engine.CodeInvalidRequest, err.Error())
		return
	}
	version, _, _ := s.cfg.Engine.Snapshot()
	ctxlog.FromContext(r.Context()).Info("schema reloaded", "schema_version", version)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schema_version": version})
}

func hasScope(p *authz.Principal, scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
