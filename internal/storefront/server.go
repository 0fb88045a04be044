// Package storefront serves the public storefront API: cached legal and
// catalog content, domain search, and cart creation against the reseller
// commerce API.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nhalm/storekit"
	"github.com/nhalm/storekit/cache"
	"github.com/nhalm/storekit/clock"
	"github.com/nhalm/storekit/internal/config"
	"github.com/nhalm/storekit/internal/upstream"
	"github.com/nhalm/storekit/store"
)

const (
	// DefaultMarket is used when a request carries no X-Market-Id.
	DefaultMarket = "en-US"

	// DefaultMaxBodyBytes caps POST bodies when Config.MaxBodyBytes is unset.
	DefaultMaxBodyBytes = 64 << 10

	marketHeader    = "X-Market-Id"
	marketKey       = "market"
	requestIDHeader = "X-Request-ID"
)

// Limiter names, also the keys of the routes file.
const (
	LimitContent = "content"
	LimitDomains = "domains"
	LimitCart    = "cart"
	LimitAdmin   = "admin"
)

var marketPattern = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)

var registerOnce sync.Once

// Upstream is the subset of the reseller API the storefront calls.
type Upstream interface {
	LegalAgreements(ctx context.Context, market string) (upstream.LegalAgreements, error)
	Agreement(ctx context.Context, id, market string) (upstream.Agreement, error)
	Catalog(ctx context.Context, category, market string) (upstream.Catalog, error)
	SearchDomains(ctx context.Context, query, market string) (upstream.DomainSearch, error)
	AddToCart(ctx context.Context, req upstream.CartRequest) (upstream.CartResponse, error)
}

type Config struct {
	Upstream Upstream

	// Store holds rate limit counters for every route limiter.
	Store store.Store

	Auth      storekit.AuthConfig
	RateLimit config.RateLimitConfig
	Cache     cache.Config

	// MaxBodyBytes caps POST bodies before authentication reads them.
	MaxBodyBytes int64

	Clock clock.Clock
}

// Server is the storefront HTTP handler.
type Server struct {
	router   chi.Router
	upstream Upstream

	legal      *cache.Cache[upstream.LegalAgreements]
	agreements *cache.Cache[upstream.Agreement]
	catalogs   *cache.Cache[upstream.Catalog]
}

// New builds the router. Upstream and Store are required.
func New(cfg Config) (*Server, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("storefront: upstream is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("storefront: store is required")
	}

	var regErr error
	registerOnce.Do(func() {
		regErr = storekit.RegisterValidation("market", func(fl validator.FieldLevel) bool {
			return marketPattern.MatchString(fl.Field().String())
		})
	})
	if regErr != nil {
		return nil, fmt.Errorf("storefront: register market validation: %w", regErr)
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	clk := clock.OrReal(cfg.Clock)
	if cfg.Auth.Clock == nil {
		cfg.Auth.Clock = clk
	}
	cfg.Cache.Clock = clk

	s := &Server{
		upstream:   cfg.Upstream,
		legal:      cache.New[upstream.LegalAgreements](cfg.Cache),
		agreements: cache.New[upstream.Agreement](cfg.Cache),
		catalogs:   cache.New[upstream.Catalog](cfg.Cache),
	}

	auth := storekit.NewAuthenticator(cfg.Auth)
	limiter := func(name string) *storekit.RateLimiter {
		limit, window := cfg.RateLimit.For(name)
		return storekit.NewRateLimiter(cfg.Store, limit, window,
			storekit.RateLimitWithName(name),
			storekit.RateLimitWithClock(clk),
		)
	}

	content := storekit.NewPipeline(limiter(LimitContent), nil)
	domains := storekit.NewPipeline(limiter(LimitDomains), auth)
	cart := storekit.NewPipeline(limiter(LimitCart), auth)
	admin := storekit.NewPipeline(limiter(LimitAdmin), auth)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(storekit.Handler(
		storekit.WithCanonlog(),
		storekit.WithSLOs(),
		storekit.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": r.Header.Get(requestIDHeader)}
		}),
	))
	r.Use(storekit.ExtractHeader(marketHeader, marketKey,
		storekit.HeaderDefault(DefaultMarket),
		storekit.HeaderParser(parseMarket),
	))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		storekit.SetError(r, storekit.ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		storekit.SetError(r, storekit.ErrMethodNotAllowed)
	})

	r.With(storekit.SLO(storekit.SLOHealth)).Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(storekit.SLO(storekit.SLOCached))
			r.Method(http.MethodGet, "/legal", content.WrapFunc(s.legalAgreements))
			r.Method(http.MethodGet, "/legal/{id}", content.WrapFunc(s.agreement))
			r.Method(http.MethodGet, "/catalog/{category}", content.WrapFunc(s.catalog))
		})

		r.With(storekit.SLO(storekit.SLOUpstream)).
			Method(http.MethodGet, "/domains/search", domains.WrapFunc(s.searchDomains))

		r.With(
			storekit.SLO(storekit.SLOCheckout),
			storekit.MaxBodySize(cfg.MaxBodyBytes),
			storekit.RequireContentType("application/json"),
		).Method(http.MethodPost, "/cart", cart.WrapFunc(s.addToCart))

		r.Method(http.MethodPost, "/admin/cache/clear", admin.WrapFunc(s.clearCache))
	})

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID propagates X-Request-ID, generating one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func parseMarket(raw string) (any, error) {
	if !marketPattern.MatchString(raw) {
		return nil, fmt.Errorf("expected a market id like %s", DefaultMarket)
	}
	return raw, nil
}

func market(r *http.Request) string {
	return storekit.HeaderString(r.Context(), marketKey, DefaultMarket)
}
