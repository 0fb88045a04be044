package storekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) (*APIError, string) {
	t.Helper()
	var body struct {
		Error     *APIError `json:"error"`
		Timestamp string    `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Error == nil {
		t.Fatal("expected error object in response")
	}
	return body.Error, body.Timestamp
}

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(*http.Request)
		wantStatus int
		wantType   string
		wantBody   bool
	}{
		{
			name: "json body",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusCreated, map[string]string{"checkout_url": "https://checkout.example.com/1"})
			},
			wantStatus: http.StatusCreated,
			wantBody:   true,
		},
		{
			name: "body without status defaults to 200",
			handler: func(r *http.Request) {
				SetResponse(r, 0, map[string]string{"status": "ok"})
			},
			wantStatus: http.StatusOK,
			wantBody:   true,
		},
		{
			name: "status only",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusNoContent, nil)
			},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "nothing recorded",
			handler:    func(*http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "error",
			handler: func(r *http.Request) {
				SetError(r, ErrNotFound.With("Agreement not found"))
			},
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name: "error wins over response",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
				SetError(r, ErrUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
			wantType:   "auth_error",
		},
		{
			name: "panic",
			handler: func(*http.Request) {
				panic("catalog template missing")
			},
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				tt.handler(r)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/legal", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			if tt.wantType != "" {
				apiErr, ts := decodeAPIError(t, rec)
				if apiErr.Type != tt.wantType {
					t.Errorf("expected type %s, got %s", tt.wantType, apiErr.Type)
				}
				if _, err := time.Parse(time.RFC3339, ts); err != nil {
					t.Errorf("expected RFC3339 timestamp, got %q", ts)
				}
				return
			}

			if tt.wantBody {
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("expected application/json, got %s", ct)
				}
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
			} else if rec.Body.Len() != 0 {
				t.Errorf("expected empty body, got %q", rec.Body.String())
			}
		})
	}
}

func TestHandler_Headers(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, "X-Cache", "STALE")
		SetHeader(r, "X-RateLimit-Remaining", "99")
		SetError(r, ErrBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Header().Get("X-Cache") != "STALE" {
		t.Errorf("expected X-Cache=STALE, got %s", rec.Header().Get("X-Cache"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("expected headers on error responses, got %s", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestHandler_UnencodableBody(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]any{"channel": make(chan int)})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if apiErr, _ := decodeAPIError(t, rec); apiErr.Code != "internal" {
		t.Errorf("expected internal code, got %s", apiErr.Code)
	}
}

func TestHasState(t *testing.T) {
	var inside bool
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		inside = HasState(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !inside {
		t.Error("expected HasState to return true inside Handler")
	}
	if HasState(context.Background()) {
		t.Error("expected HasState to return false without Handler")
	}
}

func TestStateSetters_NoHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	SetError(req, ErrInternal)
	SetResponse(req, http.StatusOK, "ignored")
	SetHeader(req, "X-Cache", "FRESH")
}

func TestFail_WithoutState(t *testing.T) {
	rec := httptest.NewRecorder()
	fail(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), ErrForbidden.With("Unauthorized origin"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	apiErr, _ := decodeAPIError(t, rec)
	if apiErr.Message != "Unauthorized origin" {
		t.Errorf("expected message 'Unauthorized origin', got %s", apiErr.Message)
	}
}

func TestHandler_ConcurrentStateWrites(t *testing.T) {
	const goroutines = 50

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines * 3)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				SetError(r, ErrNotFound)
			}()
			go func(idx int) {
				defer wg.Done()
				SetResponse(r, http.StatusOK, map[string]int{"id": idx})
			}(i)
			go func() {
				defer wg.Done()
				SetHeader(r, "X-Cache", "FRESH")
			}()
		}
		wg.Wait()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected error to win, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache") != "FRESH" {
		t.Error("expected header from concurrent writers")
	}
}

func TestAPIError(t *testing.T) {
	t.Run("Is compares type and code", func(t *testing.T) {
		err := ErrNotFound.With("Agreement not found")
		if !errors.Is(err, ErrNotFound) {
			t.Error("expected errors.Is to match ErrNotFound")
		}
		if errors.Is(err, ErrUnauthorized) {
			t.Error("expected errors.Is not to match ErrUnauthorized")
		}
		if !errors.Is(fmt.Errorf("wrapped: %w", err), ErrNotFound) {
			t.Error("expected wrapped error to match")
		}
	})

	t.Run("With does not mutate sentinel", func(t *testing.T) {
		_ = ErrRateLimited.With("custom")
		if ErrRateLimited.Message != "Rate limit exceeded" {
			t.Errorf("sentinel mutated: %s", ErrRateLimited.Message)
		}
	})

	t.Run("nil receiver", func(t *testing.T) {
		var nilErr *APIError
		if !nilErr.Is(nil) || nilErr.Is(ErrNotFound) {
			t.Error("unexpected Is result on nil receiver")
		}
		if nilErr.With("x") != nil || nilErr.WithParam("x", "y") != nil {
			t.Error("expected nil copies from nil receiver")
		}
	})
}

func TestAsAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *APIError
	}{
		{"nil", nil, nil},
		{"api error", ErrGatewayTimeout, ErrGatewayTimeout},
		{"wrapped api error", fmt.Errorf("catalog: %w", ErrBadGateway), ErrBadGateway},
		{"plain error", errors.New("dial tcp: refused"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AsAPIError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []*APIError{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrMethodNotAllowed,
		ErrPayloadTooLarge, ErrUnsupportedMediaType, ErrUnprocessableEntity, ErrRateLimited,
		ErrInternal, ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
	}

	for _, s := range sentinels {
		if s.Type == "" || s.Code == "" || s.Message == "" || s.Status == 0 {
			t.Errorf("incomplete sentinel: %+v", s)
		}
	}
}

func TestValidationError_JSONFormat(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, NewValidationError([]FieldError{
			{Param: "domain", Code: "required", Message: "required"},
		}))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cart", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	apiErr, _ := decodeAPIError(t, rec)
	if apiErr.Type != "validation_error" || len(apiErr.Errors) != 1 || apiErr.Errors[0].Param != "domain" {
		t.Errorf("unexpected validation body: %+v", apiErr)
	}
}

func TestWithCanonlog(t *testing.T) {
	tests := []struct {
		name       string
		opts       []HandlerOption
		wantLogger bool
	}{
		{"enabled", []HandlerOption{WithCanonlog()}, true},
		{"disabled", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found bool
			handler := Handler(tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				_, found = canonlog.TryGetLogger(r.Context())
				LogField(r.Context(), "cache", "stale")
				SetResponse(r, http.StatusOK, nil)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/legal", http.NoBody))

			if found != tt.wantLogger {
				t.Errorf("expected logger present = %v, got %v", tt.wantLogger, found)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestWithCanonlogFields(t *testing.T) {
	var called bool
	handler := Handler(
		WithCanonlog(),
		WithCanonlogFields(func(r *http.Request) map[string]any {
			called = true
			return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
		}),
	)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Request-ID", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("expected field function to run")
	}
}

func TestWithCanonlog_ErrorsAndPanics(t *testing.T) {
	tests := []struct {
		name       string
		fn         http.HandlerFunc
		wantStatus int
	}{
		{"error", func(_ http.ResponseWriter, r *http.Request) { SetError(r, ErrNotFound) }, http.StatusNotFound},
		{"panic", func(http.ResponseWriter, *http.Request) { panic("boom") }, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Use(Handler(WithCanonlog(), WithSLOs()))
			r.With(SLO(SLOCached)).Get("/api/legal/{id}", tt.fn)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/legal/terms", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
