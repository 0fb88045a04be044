// Package sanitize scrubs stack traces and source paths from error responses.
//
// Only 4xx and 5xx responses are buffered. JSON bodies are decoded and every
// string value is cleaned in place, so the storekit error envelope survives;
// other bodies are cleaned as text. A body left empty is replaced with the
// storekit internal error JSON.
//
//	r.Use(sanitize.New())
package sanitize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/nhalm/storekit"
)

var (
	stackTracePattern = regexp.MustCompile(`(?m)^\s*at\s+.*$|^\s*goroutine\s+\d+.*$|^\s*\S+\.go:\d+.*$`)
	filePathPattern   = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.go:\d+)|([A-Z]:\\[a-zA-Z0-9_\-\\./]+\.go:\d+)`)
)

// Config controls what is removed.
type Config struct {
	StripStackTraces bool
	StripFilePaths   bool

	// ReplacementMsg is the message of the internal error written when nothing
	// survives sanitization. File paths inside text are replaced with it too.
	ReplacementMsg string
}

// Option configures the middleware.
type Option func(*Config)

// WithStackTraces controls whether stack trace lines are removed (default: true).
func WithStackTraces(strip bool) Option {
	return func(c *Config) {
		c.StripStackTraces = strip
	}
}

// WithFilePaths controls whether .go file paths are removed (default: true).
func WithFilePaths(strip bool) Option {
	return func(c *Config) {
		c.StripFilePaths = strip
	}
}

// WithReplacementMessage sets the fallback message (default: "Internal server error").
func WithReplacementMessage(msg string) Option {
	return func(c *Config) {
		c.ReplacementMsg = msg
	}
}

// New returns the sanitizing middleware. Install it outside storekit.Handler
// so it sees the final body.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := Config{
		StripStackTraces: true,
		StripFilePaths:   true,
		ReplacementMsg:   storekit.ErrInternal.Message,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &sanitizeWriter{
				ResponseWriter: w,
				cfg:            cfg,
				status:         http.StatusOK,
			}
			defer sw.finish()
			next.ServeHTTP(sw, r)
		})
	}
}

type sanitizeWriter struct {
	http.ResponseWriter
	cfg         Config
	buf         bytes.Buffer
	status      int
	wroteHeader bool
	buffering   bool
}

func (sw *sanitizeWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.status = code
	sw.wroteHeader = true
	sw.buffering = code >= http.StatusBadRequest
	if !sw.buffering {
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *sanitizeWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	if !sw.buffering {
		return sw.ResponseWriter.Write(b)
	}
	return sw.buf.Write(b)
}

// Flush passes through for streamed success responses. Buffered error bodies
// are only written by finish.
func (sw *sanitizeWriter) Flush() {
	if sw.buffering {
		return
	}
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *sanitizeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("sanitize: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (sw *sanitizeWriter) finish() {
	if !sw.buffering {
		return
	}

	header := sw.ResponseWriter.Header()
	body, ok := sw.cleanJSON(header.Get("Content-Type"))
	if !ok {
		body = []byte(sw.cleanText(sw.buf.String()))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = sw.replacementBody()
		header.Set("Content-Type", "application/json")
	}

	header.Set("Content-Length", strconv.Itoa(len(body)))
	sw.ResponseWriter.WriteHeader(sw.status)
	sw.ResponseWriter.Write(body)
}

func (sw *sanitizeWriter) cleanJSON(contentType string) ([]byte, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return nil, false
	}

	var doc any
	if err := json.Unmarshal(sw.buf.Bytes(), &doc); err != nil {
		return nil, false
	}
	doc = sw.walk(doc)

	var out bytes.Buffer
	if err := json.NewEncoder(&out).Encode(doc); err != nil {
		return nil, false
	}
	return out.Bytes(), true
}

func (sw *sanitizeWriter) walk(v any) any {
	switch val := v.(type) {
	case string:
		cleaned := sw.cleanText(val)
		if cleaned == "" && val != "" {
			return sw.cfg.ReplacementMsg
		}
		return cleaned
	case map[string]any:
		for k, item := range val {
			val[k] = sw.walk(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = sw.walk(item)
		}
		return val
	default:
		return v
	}
}

func (sw *sanitizeWriter) cleanText(s string) string {
	if sw.cfg.StripStackTraces {
		s = stackTracePattern.ReplaceAllString(s, "")
	}
	if sw.cfg.StripFilePaths {
		s = filePathPattern.ReplaceAllString(s, sw.cfg.ReplacementMsg)
	}
	return strings.TrimSpace(s)
}

func (sw *sanitizeWriter) replacementBody() []byte {
	body, err := json.Marshal(map[string]any{"error": storekit.ErrInternal.With(sw.cfg.ReplacementMsg)})
	if err != nil {
		return []byte(sw.cfg.ReplacementMsg)
	}
	return append(body, '\n')
}
