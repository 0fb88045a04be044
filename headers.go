package storekit

import (
	"context"
	"net/http"
)

type headerContextKey string

// HeaderOption configures ExtractHeader.
type HeaderOption func(*headerExtractor)

type headerExtractor struct {
	header     string
	ctxKey     headerContextKey
	required   bool
	defaultVal string
	parse      func(string) (any, error)
}

// HeaderRequired rejects requests without the header with 400, unless a
// default is configured.
func HeaderRequired() HeaderOption {
	return func(h *headerExtractor) {
		h.required = true
	}
}

// HeaderDefault stores val when the header is missing.
func HeaderDefault(val string) HeaderOption {
	return func(h *headerExtractor) {
		h.defaultVal = val
	}
}

// HeaderParser converts the raw value before it is stored. A parse error
// rejects the request with 400 naming the header.
func HeaderParser(fn func(string) (any, error)) HeaderOption {
	return func(h *headerExtractor) {
		h.parse = fn
	}
}

// ExtractHeader returns middleware that copies a request header into the
// context under ctxKey, for retrieval with HeaderFromContext or HeaderString.
//
//	r.Use(storekit.ExtractHeader("X-Market-Id", "market", storekit.HeaderDefault("en-US")))
func ExtractHeader(header, ctxKey string, opts ...HeaderOption) func(http.Handler) http.Handler {
	h := &headerExtractor{
		header: header,
		ctxKey: headerContextKey(ctxKey),
	}
	for _, opt := range opts {
		opt(h)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(h.header)
			if raw == "" {
				if h.defaultVal == "" {
					if h.required {
						fail(w, r, ErrBadRequest.WithParam("Missing required header: "+h.header, h.header))
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				raw = h.defaultVal
			}

			var val any = raw
			if h.parse != nil {
				parsed, err := h.parse(raw)
				if err != nil {
					fail(w, r, ErrBadRequest.WithParam("Invalid "+h.header+" header: "+err.Error(), h.header))
					return
				}
				val = parsed
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), h.ctxKey, val)))
		})
	}
}

// HeaderFromContext returns the value stored by ExtractHeader under key.
func HeaderFromContext(ctx context.Context, key string) (any, bool) {
	val := ctx.Value(headerContextKey(key))
	if val == nil {
		return nil, false
	}
	return val, true
}

// HeaderString returns the value stored under key when it is a string, else
// fallback.
func HeaderString(ctx context.Context, key, fallback string) string {
	if s, ok := ctx.Value(headerContextKey(key)).(string); ok && s != "" {
		return s
	}
	return fallback
}
