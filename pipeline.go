package storekit

import (
	"fmt"
	"net/http"

	"github.com/nhalm/canonlog"
)

// ErrorHandlerFunc is a handler that reports failure by returning an error.
// An *APIError keeps its status; any other error becomes ErrInternal.
type ErrorHandlerFunc func(http.ResponseWriter, *http.Request) error

// Pipeline composes a RateLimiter and an authenticator around a handler.
// Requests pass the limiter first, so rejected traffic never reaches the
// authenticator, then the authenticator, then the handler.
type Pipeline struct {
	limiter *RateLimiter
	auth    Authenticating
}

// NewPipeline creates a Pipeline. Either stage may be nil to skip it.
func NewPipeline(limiter *RateLimiter, auth Authenticating) *Pipeline {
	return &Pipeline{limiter: limiter, auth: auth}
}

// Wrap returns next protected by the pipeline.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return p.WrapFunc(func(w http.ResponseWriter, r *http.Request) error {
		next.ServeHTTP(w, r)
		return nil
	})
}

// WrapFunc returns fn protected by the pipeline. Errors returned by fn and
// panics inside it are written as JSON error bodies, unless fn already
// started its own response; then they are only logged.
func (p *Pipeline) WrapFunc(fn ErrorHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decision RateLimitDecision
		if p.limiter != nil {
			d, err := p.limiter.Check(r)
			if err != nil {
				logError(r, err)
				fail(w, r, ErrInternal.With("Rate limit check failed"))
				return
			}
			if !d.Allowed {
				p.limiter.Reject(w, r, d)
				return
			}
			decision = d
		}

		if p.auth != nil {
			if apiErr := p.auth.Authenticate(r); apiErr != nil {
				p.setHeaders(w, r, decision)
				fail(w, r, apiErr)
				return
			}
			if a, ok := p.auth.(*Authenticator); ok {
				r = a.withAPIKey(r)
			}
		}

		p.setHeaders(w, r, decision)

		pw := &pipelineWriter{ResponseWriter: w}
		if p.limiter != nil {
			pw.pending = p.limiter.allowedHeaders(decision)
		}

		if err := p.invoke(pw, r, fn); err != nil {
			logError(r, err)
			if pw.committed {
				return
			}
			fail(w, r, AsAPIError(err))
		}
	})
}

func (p *Pipeline) setHeaders(w http.ResponseWriter, r *http.Request, d RateLimitDecision) {
	if p.limiter != nil {
		p.limiter.SetHeaders(w, r, d)
	}
}

func (p *Pipeline) invoke(w http.ResponseWriter, r *http.Request, fn ErrorHandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(w, r)
}

func logError(r *http.Request, err error) {
	if _, ok := canonlog.TryGetLogger(r.Context()); !ok {
		return
	}
	canonlog.ErrorAdd(r.Context(), err)
}

// pipelineWriter copies the rate limit headers onto the response when the
// handler writes it directly, and records that the response was started.
type pipelineWriter struct {
	http.ResponseWriter
	pending   http.Header
	committed bool
}

func (pw *pipelineWriter) commit() {
	if pw.committed {
		return
	}
	pw.committed = true
	header := pw.ResponseWriter.Header()
	for key, values := range pw.pending {
		header[key] = values
	}
}

func (pw *pipelineWriter) WriteHeader(code int) {
	pw.commit()
	pw.ResponseWriter.WriteHeader(code)
}

func (pw *pipelineWriter) Write(b []byte) (int, error) {
	pw.commit()
	return pw.ResponseWriter.Write(b)
}

func (pw *pipelineWriter) Flush() {
	pw.commit()
	if f, ok := pw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (pw *pipelineWriter) Unwrap() http.ResponseWriter {
	return pw.ResponseWriter
}
