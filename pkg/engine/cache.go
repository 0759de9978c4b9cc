// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"net/http"

	"github.com/depotrun/depot/pkg/authz"
	gocache "github.com/patrickmn/go-cache"
)

// cacheKey identifies a cached response. The principal is part of the key
// so one caller's authorized read never leaks to another.
func cacheKey(r *http.Request, principal *authz.Principal) string {
	return principal.Subject + "\x00" + r.URL.RequestURI()
}

// cachedResponse returns a previously stored response for a GET, if the
// snapshot has caching enabled and the entry is still live.
func (s *snapshot) cachedResponse(r *http.Request, principal *authz.Principal) (*Response, bool) {
	if s.cache == nil || r.Method != http.MethodGet {
		return nil, false
	}
	v, ok := s.cache.Get(cacheKey(r, principal))
	if !ok {
		return nil, false
	}
	return v.(*Response), true
}

// storeCached records a successful JSON GET response. Streams are never
// cached; the blob store is already content-addressed and cheap to read.
func (s *snapshot) storeCached(r *http.Request, principal *authz.Principal, resp *Response) {
	if resp.Status != http.StatusOK || resp.Stream != nil || resp.Body == nil {
		return
	}
	s.cache.Set(cacheKey(r, principal), resp, gocache.DefaultExpiration)
}
