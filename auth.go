package storekit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/storekit/clock"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// Default header names and replay window used by Authenticator.
const (
	DefaultAPIKeyHeader    = "X-API-Key"
	DefaultSignatureHeader = "X-Signature"
	DefaultTimestampHeader = "X-Timestamp"
	DefaultReplayWindow    = 5 * time.Minute

	// APIKeyBytes is the entropy of keys from GenerateAPIKey; the hex form is
	// twice as long.
	APIKeyBytes = 32
)

// Authenticating validates a request. A nil result means the request may
// proceed. Implementations must be safe for concurrent use.
type Authenticating interface {
	Authenticate(r *http.Request) *APIError
}

// AuthConfig configures an Authenticator.
// Populate it from your configuration source; the authenticator never reads
// the environment.
type AuthConfig struct {
	// SecretKey is both the expected API key and the HMAC signing secret.
	// When empty every authenticated request is rejected.
	SecretKey string

	// AllowedOrigins lists origin prefixes ("https://shop.example.com") or
	// wildcard patterns ("https://*.example.com"). Requests carrying an Origin
	// or Referer header must match one entry.
	AllowedOrigins []string

	// RequireAuth enables the API key and signature checks. The origin check
	// runs regardless.
	RequireAuth bool

	// APIKeyHeader carries the caller's API key (default: "X-API-Key").
	APIKeyHeader string

	// SignatureHeader carries the hex HMAC-SHA256 signature (default: "X-Signature").
	SignatureHeader string

	// TimestampHeader carries the signing time in Unix milliseconds (default: "X-Timestamp").
	TimestampHeader string

	// ReplayWindow bounds |now - timestamp| for signed requests (default: 5m).
	ReplayWindow time.Duration

	// Clock is the time source (default: real clock).
	Clock clock.Clock
}

// Authenticator gates requests by origin allow-list, API key, and optional
// HMAC request signature with replay protection. It holds no per-request state.
type Authenticator struct {
	cfg AuthConfig
}

// NewAuthenticator creates an Authenticator, filling unset header names and
// the replay window with defaults.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultTimestampHeader
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	return &Authenticator{cfg: cfg}
}

// Authenticate runs the checks in order:
//  1. Origin: an Origin (else Referer) header must match AllowedOrigins. 403.
//  2. When RequireAuth is false the request is allowed.
//  3. API key: must equal SecretKey. 401.
//  4. Signature, only when both signature and timestamp headers are present:
//     HMAC-SHA256 over METHOD:URL:TIMESTAMP:BODY and |now-timestamp| within
//     ReplayWindow. 401 with the same message for either failure.
//
// The body is read in full for step 4 and replaced with an identical reader.
func (a *Authenticator) Authenticate(r *http.Request) *APIError {
	if !a.originAllowed(r) {
		return ErrForbidden.With("Unauthorized origin")
	}

	if !a.cfg.RequireAuth {
		return nil
	}

	key := r.Header.Get(a.cfg.APIKeyHeader)
	if key == "" {
		return ErrUnauthorized.With("Missing API key")
	}
	if a.cfg.SecretKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.SecretKey)) != 1 {
		return ErrUnauthorized.With("Invalid API key")
	}

	signature := r.Header.Get(a.cfg.SignatureHeader)
	timestamp := r.Header.Get(a.cfg.TimestampHeader)
	if signature == "" || timestamp == "" {
		return nil
	}

	body, err := readBody(r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return ErrPayloadTooLarge.With("Request body too large")
		}
		return ErrBadRequest.With("Unable to read request body")
	}
	if !a.signatureValid(r.Method, r.URL.RequestURI(), timestamp, body, signature) {
		return ErrUnauthorized.With("Invalid request signature")
	}
	return nil
}

// Handler returns middleware that rejects requests failing Authenticate and
// stores the accepted API key in the request context.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			fail(w, r, err)
			return
		}
		next.ServeHTTP(w, a.withAPIKey(r))
	})
}

func (a *Authenticator) withAPIKey(r *http.Request) *http.Request {
	key := r.Header.Get(a.cfg.APIKeyHeader)
	if key == "" || !a.cfg.RequireAuth {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), apiKeyKey, key))
}

// APIKeyFromContext retrieves the authenticated API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

func (a *Authenticator) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = refererOrigin(r.Header.Get("Referer"))
	}
	if origin == "" {
		return true
	}
	return OriginAllowed(origin, a.cfg.AllowedOrigins)
}

// refererOrigin reduces a Referer to scheme://host so path segments cannot
// satisfy a wildcard suffix. Unparseable values are returned unchanged and
// fail the allow-list on their own.
func refererOrigin(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return referer
	}
	return u.Scheme + "://" + u.Host
}

func (a *Authenticator) signatureValid(method, uri, timestamp string, body []byte, signature string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := a.cfg.Clock.Now().UnixMilli()
	window := a.cfg.ReplayWindow.Milliseconds()
	if ts < now-window || ts > now+window {
		return false
	}

	expected := computeSignature(method, uri, timestamp, body, a.cfg.SecretKey)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// OriginAllowed reports whether origin matches one of the patterns. A pattern
// without '*' matches by prefix. A pattern containing '*' matches when the
// literal segments around each '*' appear in order, with the first anchored at
// the start and the last at the end of origin.
func OriginAllowed(origin string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "*") {
			if strings.HasPrefix(origin, pattern) {
				return true
			}
			continue
		}
		if wildcardMatch(pattern, origin) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Signature is the pair of header values a client sends on a signed request.
type Signature struct {
	Signature string
	Timestamp string
}

// SignRequest signs a request the way Authenticate verifies it. uri is the
// request URI (path plus query) and body must be the exact bytes sent.
func SignRequest(method, uri string, body []byte, secretKey string, now time.Time) Signature {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	return Signature{
		Signature: computeSignature(method, uri, timestamp, body, secretKey),
		Timestamp: timestamp,
	}
}

// Apply sets the signature and timestamp headers on req using the default
// header names.
func (s Signature) Apply(req *http.Request) {
	req.Header.Set(DefaultSignatureHeader, s.Signature)
	req.Header.Set(DefaultTimestampHeader, s.Timestamp)
}

func computeSignature(method, uri, timestamp string, body []byte, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(method))
	mac.Write([]byte{':'})
	mac.Write([]byte(uri))
	mac.Write([]byte{':'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{':'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateAPIKey returns a random API key of APIKeyBytes bytes, hex encoded.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
