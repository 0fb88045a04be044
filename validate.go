package storekit

import (
	"mime"
	"net/http"
	"strings"
)

// MaxBodySize returns middleware that caps the request body at maxBytes.
// A declared Content-Length over the cap is rejected with 413 before the
// handler runs; otherwise the body is wrapped in http.MaxBytesReader so
// chunked uploads fail on read. Install it before the authenticator so the
// signature check never buffers an oversized body.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				fail(w, r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireContentType returns middleware that rejects requests whose
// Content-Type media type is not one of types with 415. Parameters such as
// charset are ignored and the comparison is case-insensitive. Requests
// without a body pass.
func RequireContentType(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[strings.ToLower(t)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 && r.Header.Get("Content-Type") == "" {
				next.ServeHTTP(w, r)
				return
			}
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || !allowed[strings.ToLower(mediaType)] {
				fail(w, r, ErrUnsupportedMediaType.WithParam("Content-Type must be one of: "+strings.Join(types, ", "), "Content-Type"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
