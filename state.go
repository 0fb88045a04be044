package storekit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "storekit_state"

// State holds the response state for a request. Handlers and middleware record
// the outcome here and the Handler middleware writes it once, after the chain
// returns.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	slo     *SLOClass
}

// HasState returns true if Handler middleware state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// SetError sets an error response in the request context.
// If Handler middleware is not present (state is nil), this is a no-op.
// Use HasState() to check if Handler middleware is active.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a success response in the request context.
// If Handler middleware is not present (state is nil), this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header in the request context.
// If Handler middleware is not present (state is nil), this is a no-op.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// setHeader writes a response header through the state when Handler is active,
// otherwise directly on w.
func setHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

// fail records err through the state when Handler is active, otherwise writes
// the JSON error body directly so rejections are structured either way.
func fail(w http.ResponseWriter, r *http.Request, err *APIError) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	writeError(w, err)
}
