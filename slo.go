package storekit

import (
	"context"
	"net/http"
	"time"
)

// SLOClass names a latency objective. Handler logs slo_class and a PASS/FAIL
// slo_status for requests routed through SLO when WithSLOs is enabled.
type SLOClass struct {
	Name   string
	Target time.Duration
}

// Latency classes used by the storefront routes.
var (
	// SLOHealth covers liveness probes.
	SLOHealth = SLOClass{Name: "health", Target: 20 * time.Millisecond}

	// SLOCached covers reads normally served from the content cache.
	SLOCached = SLOClass{Name: "cached", Target: 100 * time.Millisecond}

	// SLOUpstream covers reads that always call the commerce API.
	SLOUpstream = SLOClass{Name: "upstream", Target: 1500 * time.Millisecond}

	// SLOCheckout covers cart mutations.
	SLOCheckout = SLOClass{Name: "checkout", Target: 3 * time.Second}
)

type sloContextKey string

const sloKey sloContextKey = "slo_class"

// SLO attaches class to the request context.
func SLO(class SLOClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := getState(r.Context())
			if state != nil {
				state.mu.Lock()
				state.slo = &class
				state.mu.Unlock()
			}
			ctx := context.WithValue(r.Context(), sloKey, class)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SLOWithTarget attaches an ad-hoc class named "custom".
func SLOWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return SLO(SLOClass{Name: "custom", Target: target})
}

// SLOFromContext returns the class attached by SLO, if any.
func SLOFromContext(ctx context.Context) (SLOClass, bool) {
	class, ok := ctx.Value(sloKey).(SLOClass)
	return class, ok
}
