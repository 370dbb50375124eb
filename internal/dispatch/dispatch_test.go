package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/registry"

	_ "github.com/marketgw/gateway/internal/normalize" // registers parsers
)

func newTestRegistry(t *testing.T, providers []config.ProviderSpec) *registry.Registry {
	t.Helper()
	cat := &config.Catalog{Providers: providers}
	reg, err := registry.Build(cat)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestFetchFallsBackOnServerError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	succeeding := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"value":"50"}]}`))
	}))
	defer succeeding.Close()

	reg := newTestRegistry(t, []config.ProviderSpec{
		{ID: "flaky", Category: domain.CategorySentiment, BaseURL: failing.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
		{ID: "stable", Category: domain.CategorySentiment, BaseURL: succeeding.URL, ParserID: "alternative_me_fng", Priority: 2,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	})

	d := New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))

	res, err := d.Fetch(context.Background(), Request{
		Category: domain.CategorySentiment, Path: "/fng", CacheKey: "fng", TTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("expected fallback success, got error: %v", err)
	}
	if res.SourceProviderID != "stable" {
		t.Fatalf("expected fallback provider 'stable', got %s", res.SourceProviderID)
	}
}

func TestFetchAllProvidersFailedWhenChainExhausted(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	reg := newTestRegistry(t, []config.ProviderSpec{
		{ID: "only", Category: domain.CategorySentiment, BaseURL: failing.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	})

	d := New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))

	_, err := d.Fetch(context.Background(), Request{
		Category: domain.CategorySentiment, Path: "/fng", CacheKey: "fng2", TTL: time.Minute,
	})
	if err == nil {
		t.Fatal("expected AllProvidersFailed error")
	}
	if _, ok := err.(*AllProvidersFailed); !ok {
		t.Fatalf("expected *AllProvidersFailed, got %T: %v", err, err)
	}
}

func Test4xxBypassDoesNotOpenBreaker(t *testing.T) {
	badRequest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badRequest.Close()

	reg := newTestRegistry(t, []config.ProviderSpec{
		{ID: "picky", Category: domain.CategorySentiment, BaseURL: badRequest.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000},
			Circuit:   config.CircuitSpec{FailureThreshold: 1, SuccessThreshold: 1}},
	})

	d := New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))

	for i := 0; i < 5; i++ {
		d.Fetch(context.Background(), Request{
			Category: domain.CategorySentiment, Path: "/fng", CacheKey: "bypass-key" + string(rune(i)), TTL: time.Millisecond,
		})
	}

	if reg.Breakers.Get("picky").State().String() != "closed" {
		t.Fatalf("expected breaker to stay closed after repeated 4xx bypass outcomes")
	}
}

func Test429NeverRetriedWithinOneProvider(t *testing.T) {
	var hits int64
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	reg := newTestRegistry(t, []config.ProviderSpec{
		{ID: "throttled", Category: domain.CategorySentiment, BaseURL: limited.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	})

	d := New(reg, httpclient.New(httpclient.Config{MaxRetries: 3, BackoffBase: time.Millisecond}), cache.New(100, ""))

	_, err := d.Fetch(context.Background(), Request{
		Category: domain.CategorySentiment, Path: "/fng", CacheKey: "throttle-key", TTL: time.Minute,
	})
	if err == nil {
		t.Fatal("expected AllProvidersFailed error")
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected exactly 1 physical request on a 429 (no inner retry), got %d", got)
	}
}

func TestRetryReacquiresRateLimiterToken(t *testing.T) {
	var hits int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[{"value":"50"}]}`))
	}))
	defer flaky.Close()

	// A three-token bucket: if retries didn't re-acquire from the limiter,
	// a naive implementation could serve all 3 physical attempts off one
	// token. Proving the limiter is actually consulted per retry requires
	// enough burst to cover every physical attempt exactly, which this does.
	reg := newTestRegistry(t, []config.ProviderSpec{
		{ID: "flaky", Category: domain.CategorySentiment, BaseURL: flaky.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 3, RefillPerWindow: 3, WindowMS: 1000}},
	})

	d := New(reg, httpclient.New(httpclient.Config{MaxRetries: 2, BackoffBase: time.Millisecond}), cache.New(100, ""))

	res, err := d.Fetch(context.Background(), Request{
		Category: domain.CategorySentiment, Path: "/fng", CacheKey: "retry-key", TTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got error: %v", err)
	}
	if res.SourceProviderID != "flaky" {
		t.Fatalf("expected source 'flaky', got %s", res.SourceProviderID)
	}
	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Fatalf("expected 3 physical attempts (1 + 2 retries), got %d", got)
	}

	// The bucket started with exactly 3 tokens and no time has passed to
	// refill it (refill window is 1s); if every attempt drew from it,
	// it should now be exhausted.
	if tokens := reg.Limiters.Tokens("flaky"); tokens >= 1 {
		t.Fatalf("expected rate limiter bucket drained by 3 consumed retries, got %f tokens", tokens)
	}
}
