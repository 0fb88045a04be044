// Package upstream is the client for the reseller commerce API: legal
// agreements, product catalogs, domain search, and cart creation.
//
// Every failure is an *Error carrying an ErrorKind derived from the HTTP
// status or transport error. Outbound calls are paced by a token bucket so
// a burst of storefront traffic cannot exhaust the reseller quota.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRPS     = 10
	defaultBurst   = 20

	// maxResponseBytes bounds how much of an upstream body is decoded.
	maxResponseBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	ResellerID string

	// RPS and Burst shape the outbound token bucket.
	RPS   float64
	Burst int

	// Timeout applies per request when HTTPClient is nil.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client calls the reseller API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	resellerID string
	http       *http.Client
	pacer      *rate.Limiter
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base URL %q", cfg.BaseURL)
	}

	if cfg.RPS <= 0 {
		cfg.RPS = defaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base.String(),
		apiKey:     cfg.APIKey,
		resellerID: cfg.ResellerID,
		http:       httpClient,
		pacer:      rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}, nil
}

type Agreement struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
}

type LegalAgreements struct {
	Market     string      `json:"market"`
	Agreements []Agreement `json:"agreements"`
}

type Product struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Term      string   `json:"term,omitempty"`
	Price     float64  `json:"price"`
	ListPrice float64  `json:"listPrice,omitempty"`
	Currency  string   `json:"currency"`
	Features  []string `json:"features,omitempty"`
}

type Catalog struct {
	Category string    `json:"category"`
	Market   string    `json:"market"`
	Products []Product `json:"products"`
}

type DomainResult struct {
	Domain    string  `json:"domain"`
	Available bool    `json:"available"`
	Price     float64 `json:"price,omitempty"`
	Currency  string  `json:"currency,omitempty"`
}

type DomainSearch struct {
	Exact       DomainResult   `json:"exact"`
	Suggestions []DomainResult `json:"suggestions"`
}

type CartItem struct {
	ProductID string `json:"productId,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Period    int    `json:"period,omitempty"`
	Quantity  int    `json:"quantity"`
}

type CartRequest struct {
	Market string     `json:"market"`
	Items  []CartItem `json:"items"`
}

type CartResponse struct {
	CartID      string `json:"cartId"`
	CheckoutURL string `json:"checkoutUrl"`
	ItemCount   int    `json:"itemCount"`
}

// LegalAgreements fetches the agreement set shown at checkout for market.
func (c *Client) LegalAgreements(ctx context.Context, market string) (LegalAgreements, error) {
	var out LegalAgreements
	err := c.do(ctx, "legal_agreements", http.MethodGet, "/agreements", url.Values{"market": {market}}, nil, &out)
	return out, err
}

// Agreement fetches one agreement by id.
func (c *Client) Agreement(ctx context.Context, id, market string) (Agreement, error) {
	var out Agreement
	err := c.do(ctx, "agreement", http.MethodGet, "/agreements/"+url.PathEscape(id), url.Values{"market": {market}}, nil, &out)
	return out, err
}

// Catalog fetches the products of one category.
func (c *Client) Catalog(ctx context.Context, category, market string) (Catalog, error) {
	var out Catalog
	err := c.do(ctx, "catalog", http.MethodGet, "/catalog/"+url.PathEscape(category), url.Values{"market": {market}}, nil, &out)
	return out, err
}

// SearchDomains checks availability of query and returns suggestions.
func (c *Client) SearchDomains(ctx context.Context, query, market string) (DomainSearch, error) {
	var out DomainSearch
	err := c.do(ctx, "search_domains", http.MethodGet, "/domains/search", url.Values{"q": {query}, "market": {market}}, nil, &out)
	return out, err
}

// AddToCart creates a reseller cart and returns its checkout URL.
func (c *Client) AddToCart(ctx context.Context, req CartRequest) (CartResponse, error) {
	var out CartResponse
	err := c.do(ctx, "add_to_cart", http.MethodPost, "/cart", nil, req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		kind := KindTimeout
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			kind = KindUnknown
		}
		return &Error{Kind: kind, Op: op, Err: err}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.resellerID != "" {
		req.Header.Set("X-Reseller-Id", c.resellerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: kindForTransport(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Op:      op,
			Status:  resp.StatusCode,
			Message: readErrorMessage(limited),
		}
		if upErr.Kind == KindRateLimited {
			upErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return upErr
	}

	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return &Error{Kind: kindForTransport(err), Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
