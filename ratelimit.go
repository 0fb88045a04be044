// Fixed-window rate limiting for Chi and standard http.Handler.
//
// Each limiter counts requests per key in windows of a fixed length and
// rejects a key once its count passes the limit, until the window resets.
// Keys default to the caller's IP as reported by the proxy headers; options add
// dimensions (route name, endpoint, header) or replace the key function.
//
// Per-route limits share one store and stay isolated through RateLimitWithName:
//
//	st := store.NewMemory()
//	search := storekit.NewRateLimiter(st, 30, time.Minute, storekit.RateLimitWithName("domains"))
//	cart := storekit.NewRateLimiter(st, 10, time.Minute, storekit.RateLimitWithName("cart"))
//
// All responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; a 429 adds Retry-After.
//
// The Memory store is process-local: behind several instances every instance
// enforces the limit on its own share of traffic. Use the Redis store there.

package storekit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/storekit/clock"
	"github.com/nhalm/storekit/store"
)

const (
	// DefaultRateLimit is the request ceiling used when a limit <= 0 is given.
	DefaultRateLimit = 100

	// DefaultRateWindow is the window length used when a window <= 0 is given.
	DefaultRateWindow = time.Minute

	// UnknownClientKey is the key shared by every caller whose request carries
	// neither X-Forwarded-For nor X-Real-IP.
	UnknownClientKey = "unknown"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	RateLimitHeadersNever
)

// RateLimitKeyFunc extracts a rate limiting key component from a request.
// Returning an empty string indicates the value is missing.
type RateLimitKeyFunc func(*http.Request) string

// RateLimitDecision is the outcome of counting one request.
type RateLimitDecision struct {
	// Allowed is false once Count exceeds Limit within the window.
	Allowed bool

	// Key is the bucket the request was counted in. Empty when every key
	// dimension was missing and the request was not counted.
	Key string

	Limit     int64
	Count     int64
	Remaining int64

	// ResetAt is when the current window ends.
	ResetAt time.Time

	// RetryAfter is the time left until ResetAt.
	RetryAfter time.Duration
}

// Counted reports whether the request was counted against a bucket.
func (d RateLimitDecision) Counted() bool {
	return d.Key != ""
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (d RateLimitDecision) RetryAfterSeconds() int64 {
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	return max(1, secs)
}

// RateLimiter implements fixed-window rate limiting.
type RateLimiter struct {
	store           store.Store
	limit           int64
	window          time.Duration
	name            string
	keyDims         []RateLimitKeyFunc
	headerMode      RateLimitHeaderMode
	onLimitExceeded func(http.ResponseWriter, *http.Request, RateLimitDecision)
	clock           clock.Clock
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithName sets a prefix for rate limit keys.
// Use one name per protected route so routes sharing a store keep separate buckets.
func RateLimitWithName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.name = name
	}
}

// RateLimitWithClientIP adds the proxy-reported client IP to the key: the first
// X-Forwarded-For entry, else X-Real-IP, else UnknownClientKey. This is the
// dimension used when no other is configured.
//
// SECURITY: Only trust these headers behind a reverse proxy that sets them.
func RateLimitWithClientIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, ClientIP)
	}
}

// RateLimitWithIP adds the RemoteAddr IP to the key. Use for direct
// connections without a proxy.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, func(r *http.Request) string {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				return r.RemoteAddr
			}
			return ip
		})
	}
}

// RateLimitWithEndpoint adds "<method>:<path>" to the key.
func RateLimitWithEndpoint() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, func(r *http.Request) string {
			return r.Method + ":" + r.URL.Path
		})
	}
}

// RateLimitWithHeader adds a header value to the key.
// If the header is missing the dimension is skipped.
func RateLimitWithHeader(header string) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, func(r *http.Request) string {
			return r.Header.Get(header)
		})
	}
}

// RateLimitWithKeyFunc adds a custom key dimension.
func RateLimitWithKeyFunc(fn RateLimitKeyFunc) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, fn)
	}
}

// RateLimitWithOnLimitExceeded replaces the default 429 response. fn runs after
// the rate limit headers are set and must write the complete response.
func RateLimitWithOnLimitExceeded(fn func(http.ResponseWriter, *http.Request, RateLimitDecision)) RateLimitOption {
	return func(l *RateLimiter) {
		l.onLimitExceeded = fn
	}
}

// RateLimitWithClock sets the time source used for reset timestamps.
func RateLimitWithClock(c clock.Clock) RateLimitOption {
	return func(l *RateLimiter) {
		l.clock = clock.OrReal(c)
	}
}

// NewRateLimiter creates a rate limiter allowing limit requests per window for
// each key. A non-positive limit or window falls back to DefaultRateLimit and
// DefaultRateWindow. Without key dimension options the key is the client IP
// (see RateLimitWithClientIP).
func NewRateLimiter(st store.Store, limit int, window time.Duration, opts ...RateLimitOption) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}

	l := &RateLimiter{
		store:      st,
		limit:      int64(limit),
		window:     window,
		headerMode: RateLimitHeadersAlways,
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		RateLimitWithClientIP()(l)
	}
	return l
}

// Limit returns the configured request ceiling.
func (l *RateLimiter) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *RateLimiter) Window() time.Duration { return l.window }

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else
// UnknownClientKey.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return UnknownClientKey
}

// Check counts r against its bucket and reports whether it is within the limit.
// It only fails when the store does.
func (l *RateLimiter) Check(r *http.Request) (RateLimitDecision, error) {
	key := l.buildKey(r)
	if key == "" {
		return RateLimitDecision{Allowed: true, Limit: l.limit, Remaining: l.limit}, nil
	}

	count, ttl, err := l.store.Increment(r.Context(), key, l.window)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit increment for %q: %w", key, err)
	}

	return RateLimitDecision{
		Allowed:    count <= l.limit,
		Key:        key,
		Limit:      l.limit,
		Count:      count,
		Remaining:  max(0, l.limit-count),
		ResetAt:    l.clock.Now().Add(ttl),
		RetryAfter: ttl,
	}, nil
}

// Handler returns the rate limiting middleware.
// Returns 429 (Too Many Requests) when the limit is exceeded and 500 when the
// store fails.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := l.Check(r)
		if err != nil {
			fail(w, r, ErrInternal.With("Rate limit check failed"))
			return
		}
		if !decision.Allowed {
			l.Reject(w, r, decision)
			return
		}
		l.SetHeaders(w, r, decision)
		next.ServeHTTP(w, r)
	})
}

// SetHeaders attaches the X-RateLimit-* headers for an allowed decision.
func (l *RateLimiter) SetHeaders(w http.ResponseWriter, r *http.Request, d RateLimitDecision) {
	if !d.Counted() || l.headerMode != RateLimitHeadersAlways {
		return
	}
	l.writeHeaders(w, r, d)
}

// Reject writes the 429 response for a rejected decision.
func (l *RateLimiter) Reject(w http.ResponseWriter, r *http.Request, d RateLimitDecision) {
	if l.headerMode != RateLimitHeadersNever {
		l.writeHeaders(w, r, d)
		setHeader(w, r, HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}

	if l.onLimitExceeded != nil {
		l.onLimitExceeded(w, r, d)
		return
	}

	fail(w, r, ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s. Retry after %d seconds", l.limit, l.window, d.RetryAfterSeconds())))
}

func (l *RateLimiter) writeHeaders(w http.ResponseWriter, r *http.Request, d RateLimitDecision) {
	for key, values := range decisionHeaders(d) {
		setHeader(w, r, key, values[0])
	}
}

// allowedHeaders returns the headers SetHeaders would write for d, or nil.
func (l *RateLimiter) allowedHeaders(d RateLimitDecision) http.Header {
	if !d.Counted() || l.headerMode != RateLimitHeadersAlways {
		return nil
	}
	return decisionHeaders(d)
}

func decisionHeaders(d RateLimitDecision) http.Header {
	h := make(http.Header, 3)
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	return h
}

// buildKey joins the name and every non-empty dimension with ':'.
// Returns "" when nothing contributed to the key.
func (l *RateLimiter) buildKey(r *http.Request) string {
	var sb strings.Builder
	sb.Grow(20 + len(l.keyDims)*30)
	hasContent := false

	if l.name != "" {
		sb.WriteString(l.name)
		hasContent = true
	}

	for _, dim := range l.keyDims {
		part := dim(r)
		if part == "" {
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	return sb.String()
}
