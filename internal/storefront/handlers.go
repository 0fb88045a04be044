package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/storekit"
	"github.com/nhalm/storekit/cache"
	"github.com/nhalm/storekit/internal/upstream"
)

// defaultUpstreamRetryAfter is sent with an upstream 429 that carried no
// Retry-After of its own.
const defaultUpstreamRetryAfter = 30 * time.Second

// X-Cache values.
const (
	cacheHeader = "X-Cache"
	cacheFresh  = "FRESH"
	cacheStale  = "STALE"
)

var catalogCategories = map[string]bool{
	"hosting": true,
	"email":   true,
	"ssl":     true,
	"seo":     true,
}

type healthResponse struct {
	Status       string `json:"status"`
	CacheEntries int    `json:"cache_entries"`
}

type domainSearchQuery struct {
	Query string `query:"q" validate:"required,max=253"`
}

type cartRequest struct {
	// Market overrides X-Market-Id.
	Market string          `json:"market" validate:"omitempty,market"`
	Items  []cartItemInput `json:"items" validate:"required,min=1,max=20,dive"`
}

type cartItemInput struct {
	ProductID string `json:"productId" validate:"required_without=Domain"`
	Domain    string `json:"domain" validate:"omitempty,fqdn"`
	Period    int    `json:"period" validate:"omitempty,min=1,max=10"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=100"`
}

type clearCacheResponse struct {
	Cleared int `json:"cleared"`
}

func (s *Server) health(_ http.ResponseWriter, r *http.Request) {
	storekit.SetResponse(r, http.StatusOK, healthResponse{
		Status:       "ok",
		CacheEntries: s.legal.Len() + s.agreements.Len() + s.catalogs.Len(),
	})
}

func (s *Server) legalAgreements(_ http.ResponseWriter, r *http.Request) error {
	m := market(r)
	doc, freshness, err := s.legal.GetOrFetch(r.Context(), "legal:"+m, func(ctx context.Context) (upstream.LegalAgreements, error) {
		return s.upstream.LegalAgreements(ctx, m)
	})
	if err != nil {
		return upstreamError(r, err)
	}
	respondCached(r, freshness, doc)
	return nil
}

func (s *Server) agreement(_ http.ResponseWriter, r *http.Request) error {
	m := market(r)
	id := chi.URLParam(r, "id")
	doc, freshness, err := s.agreements.GetOrFetch(r.Context(), "agreement:"+id+":"+m, func(ctx context.Context) (upstream.Agreement, error) {
		return s.upstream.Agreement(ctx, id, m)
	})
	if err != nil {
		return upstreamError(r, err)
	}
	respondCached(r, freshness, doc)
	return nil
}

func (s *Server) catalog(_ http.ResponseWriter, r *http.Request) error {
	category := chi.URLParam(r, "category")
	if !catalogCategories[category] {
		return storekit.ErrNotFound.WithParam("Unknown catalog category: "+category, "category")
	}

	m := market(r)
	doc, freshness, err := s.catalogs.GetOrFetch(r.Context(), "catalog:"+category+":"+m, func(ctx context.Context) (upstream.Catalog, error) {
		return s.upstream.Catalog(ctx, category, m)
	})
	if err != nil {
		return upstreamError(r, err)
	}
	respondCached(r, freshness, doc)
	return nil
}

func (s *Server) searchDomains(_ http.ResponseWriter, r *http.Request) error {
	var q domainSearchQuery
	if err := storekit.Query(r, &q); err != nil {
		return err
	}

	result, err := s.upstream.SearchDomains(r.Context(), q.Query, market(r))
	if err != nil {
		return upstreamError(r, err)
	}
	storekit.SetResponse(r, http.StatusOK, result)
	return nil
}

func (s *Server) addToCart(_ http.ResponseWriter, r *http.Request) error {
	var req cartRequest
	if err := storekit.JSON(r, &req); err != nil {
		return err
	}

	out := upstream.CartRequest{Market: req.Market, Items: make([]upstream.CartItem, len(req.Items))}
	if out.Market == "" {
		out.Market = market(r)
	}
	for i, item := range req.Items {
		out.Items[i] = upstream.CartItem(item)
	}

	cart, err := s.upstream.AddToCart(r.Context(), out)
	if err != nil {
		return upstreamError(r, err)
	}
	storekit.LogField(r.Context(), "cart_items", len(out.Items))
	storekit.SetResponse(r, http.StatusCreated, cart)
	return nil
}

// clearCache drops one key from every content cache, or everything when no
// key is given.
func (s *Server) clearCache(_ http.ResponseWriter, r *http.Request) error {
	var cleared int
	if key := r.URL.Query().Get("key"); key != "" {
		for _, invalidate := range []func(string) bool{s.legal.Invalidate, s.agreements.Invalidate, s.catalogs.Invalidate} {
			if invalidate(key) {
				cleared++
			}
		}
	} else {
		cleared = s.legal.Clear() + s.agreements.Clear() + s.catalogs.Clear()
	}

	storekit.LogField(r.Context(), "cache_cleared", cleared)
	storekit.SetResponse(r, http.StatusOK, clearCacheResponse{Cleared: cleared})
	return nil
}

func respondCached(r *http.Request, freshness cache.Freshness, body any) {
	header := cacheFresh
	if freshness == cache.Stale {
		header = cacheStale
	}
	storekit.LogField(r.Context(), "cache", freshness.String())
	storekit.SetHeader(r, cacheHeader, header)
	storekit.SetResponse(r, http.StatusOK, body)
}

// upstreamError maps an upstream failure to the response status. The
// original error stays in the chain for the canonical log.
func upstreamError(r *http.Request, err error) error {
	kind := upstream.KindOf(err)
	storekit.LogField(r.Context(), "upstream_error_kind", kind.String())

	var apiErr *storekit.APIError
	switch kind {
	case upstream.KindInvalidDomain:
		apiErr = storekit.ErrBadRequest.With("Invalid domain or request")
	case upstream.KindAuthFailed:
		apiErr = storekit.ErrBadGateway.With("Upstream authentication failed")
	case upstream.KindRateLimited:
		apiErr = storekit.ErrRateLimited.With("Upstream rate limit reached, try again shortly")
		storekit.SetHeader(r, storekit.HeaderRetryAfter, strconv.Itoa(upstreamRetrySeconds(err)))
	case upstream.KindTimeout:
		apiErr = storekit.ErrGatewayTimeout
	default:
		apiErr = storekit.ErrBadGateway
	}
	return fmt.Errorf("%w: %w", apiErr, err)
}

// upstreamRetrySeconds is the upstream's own Retry-After, rounded up to whole
// seconds, or defaultUpstreamRetryAfter when it sent none.
func upstreamRetrySeconds(err error) int {
	retry := defaultUpstreamRetryAfter
	var upErr *upstream.Error
	if errors.As(err, &upErr) && upErr.RetryAfter > 0 {
		retry = upErr.RetryAfter
	}
	return int((retry + time.Second - 1) / time.Second)
}
