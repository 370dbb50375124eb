package httpapi

import (
	"net"
	"net/http"
	"time"

	"github.com/marketgw/gateway/internal/metrics"
	"github.com/marketgw/gateway/internal/ratelimit"
)

// edgeLimiter enforces a per-client-IP token bucket on every inbound HTTP
// API request, distinct from the per-provider rate limiter (B) that paces
// outbound calls. Reuses ratelimit.Manager/Bucket for the same reason the
// dispatcher does: a continuously-refilling bucket rather than a fixed
// window.
type edgeLimiter struct {
	mgr     *ratelimit.Manager
	rate    float64
	burst   int
	metrics *metrics.Registry
}

func newEdgeLimiter(ratePerSec float64, burst int, m *metrics.Registry) *edgeLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = int(ratePerSec) * 2
	}
	return &edgeLimiter{mgr: ratelimit.NewManager(), rate: ratePerSec, burst: burst, metrics: m}
}

func (l *edgeLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		bucket := l.mgr.GetOrRegister(key, float64(l.burst), l.rate, time.Second)
		if ok, retryAfter := bucket.TryAcquire(1); !ok {
			if l.metrics != nil {
				l.metrics.EdgeRateLimited.Inc()
			}
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
