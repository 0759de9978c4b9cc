// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress negotiates and applies transparent HTTP response
// compression for blob downloads. zstd is preferred, gzip is the fallback;
// anything else is served identity.
package compress

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// SelectEncoding picks the response encoding from an Accept-Encoding
// header. It honors quality values; a q=0 disables an encoding. Returns ""
// when the response should not be compressed.
func SelectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	quality := map[string]float64{}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.TrimSpace(name)
		q := 1.0
		if qs, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if parsed, err := strconv.ParseFloat(qs, 64); err == nil {
				q = parsed
			}
		}
		quality[name] = q
	}
	for _, enc := range []string{"zstd", "gzip"} {
		if q, ok := quality[enc]; ok && q > 0 {
			return enc
		}
		if q, ok := quality["*"]; ok && q > 0 {
			return enc
		}
	}
	return ""
}

// Writer wraps a ResponseWriter so that body writes are compressed with the
// negotiated encoding. Close must be called to flush the encoder.
type Writer struct {
	http.ResponseWriter
	enc         io.WriteCloser
	encoding    string
	wroteHeader bool
}

// NewWriter returns a compressing wrapper for encoding, which must be a
// value returned by SelectEncoding.
func NewWriter(w http.ResponseWriter, encoding string) (*Writer, error) {
	cw := &Writer{ResponseWriter: w, encoding: encoding}
	switch encoding {
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		cw.enc = zw
	case "gzip":
		cw.enc = gzip.NewWriter(w)
	default:
		cw.enc = nopCloser{w}
	}
	return cw, nil
}

// WriteHeader sets the compression headers before the status line goes out.
// Content-Length is dropped because the compressed size differs.
func (cw *Writer) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != "" {
		cw.Header().Set("Content-Encoding", cw.encoding)
		cw.Header().Del("Content-Length")
		cw.Header().Set("Vary", "Accept-Encoding")
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *Writer) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.enc.Write(p)
}

// Close flushes the encoder. The underlying ResponseWriter stays open.
func (cw *Writer) Close() error {
	return cw.enc.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
