// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken covers malformed, tampered, and expired tokens. Callers
// get no finer detail; the reason is logged server-side only.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload carried by a bearer token.
type Claims struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes"`
	Expiry  int64    `json:"exp"`
}

// MintToken signs claims with an HMAC-SHA256 over the JSON payload. The
// token format is base64url(payload) "." base64url(mac).
func MintToken(secret []byte, c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	enc := base64.RawURLEncoding.EncodeToString(payload)
	return enc + "." + sign(secret, enc), nil
}

// VerifyToken checks the signature and expiry and returns the claims.
func VerifyToken(secret []byte, token string) (*Claims, error) {
	enc, mac, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(mac), []byte(sign(secret, enc))) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, ErrInvalidToken
	}
	if c.Expiry > 0 && time.Now().Unix() >= c.Expiry {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// Principal converts verified claims into a request principal.
func (c *Claims) Principal() *Principal {
	return &Principal{Subject: c.Subject, Scopes: c.Scopes}
}

func sign(secret []byte, payload string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
