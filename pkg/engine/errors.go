// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/depotrun/depot/pkg/blob"
	"github.com/depotrun/depot/pkg/entity"
	"github.com/depotrun/depot/pkg/kv"
)

// Error codes returned in response bodies.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeNotFound       = "NOT_FOUND"
	CodeBlobTooLarge   = "BLOB_TOO_LARGE"
	CodeStorage        = "STORAGE_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeInternal       = "INTERNAL_ERROR"
)

// AuthError is returned by the auth-check step on a deny decision.
// Unauthenticated distinguishes "who are you" (401) from "you may not"
// (403).
type AuthError struct {
	Unauthenticated bool
	Action          string
}

func (e *AuthError) Error() string {
	if e.Unauthenticated {
		return fmt.Sprintf("authentication required for %s", e.Action)
	}
	return fmt.Sprintf("not permitted to %s", e.Action)
}

// StorageError wraps a backend I/O failure with enough context to correlate
// the log line with the failing store and key.
type StorageError struct {
	Store string
	Key   string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s key %s: %v", e.Store, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// errorBody is the JSON error envelope, matching
// {"error":{"code":...,"message":...}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// translate maps a pipeline error to its HTTP status and error code. This
// is the single place the error taxonomy becomes HTTP; steps never write
// status codes themselves.
func translate(err error) (status int, code, message string) {
	var ve *entity.ValidationError
	var ae *AuthError
	var se *blob.SizeLimitError
	var mbe *http.MaxBytesError
	var ste *StorageError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, CodeValidation, ve.Error()
	case errors.As(err, &ae):
		if ae.Unauthenticated {
			return http.StatusUnauthorized, CodeUnauthorized, ae.Error()
		}
		return http.StatusForbidden, CodeForbidden, ae.Error()
	case errors.Is(err, kv.ErrConflict):
		return http.StatusConflict, CodeAlreadyExists, "already exists"
	case errors.Is(err, kv.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "not found"
	case errors.As(err, &se):
		return http.StatusRequestEntityTooLarge, CodeBlobTooLarge, se.Error()
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, CodeBlobTooLarge, "request body too large"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout, "backend operation timed out"
	case errors.As(err, &ste):
		return http.StatusInternalServerError, CodeStorage, "storage failure"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}
