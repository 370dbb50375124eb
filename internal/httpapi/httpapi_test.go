package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketgw/gateway/internal/aggregate"
	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/dispatch"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/metrics"
	"github.com/marketgw/gateway/internal/registry"
	"github.com/marketgw/gateway/internal/streamhub"

	_ "github.com/marketgw/gateway/internal/normalize"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"value":"60"}]}`))
	}))
	t.Cleanup(srv.Close)

	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: srv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)

	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	strict := aggregate.New(d, false)
	permissive := aggregate.New(d, true)

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	hub := streamhub.New(nil)

	return New(DefaultConfig(), strict, permissive, reg, promReg, m, hub)
}

func TestFearGreedEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/fear-greed", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fear_greed_value":60`)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	// A category with no recorded success reports down (503), so serve one
	// successful sentiment request first to bring it to ok.
	s.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fear-greed", nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status"`)
}

func TestMarketQuotesMissingSymbols(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/market/quotes", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":false`)
	assert.Contains(t, w.Body.String(), `"missing_param"`)
}

func TestFearGreedEnvelopeShape(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/fear-greed", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.OK)
	assert.Equal(t, "fng", env.Source)
	assert.False(t, env.Degraded)
	assert.NotNil(t, env.FetchedAt)
	assert.Nil(t, env.Error)
}

func newFailingServer(t *testing.T) *Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "flaky", Category: domain.CategorySentiment, BaseURL: srv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)

	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	strict := aggregate.New(d, false)
	permissive := aggregate.New(d, true)

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	hub := streamhub.New(nil)

	return New(DefaultConfig(), strict, permissive, reg, promReg, m, hub)
}

func TestAllProvidersFailedMapsTo502WithAttempts(t *testing.T) {
	s := newFailingServer(t)
	req := httptest.NewRequest(http.MethodGet, "/fear-greed", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, "all_providers_failed", env.Error.Code)
	assert.NotEmpty(t, env.Error.Attempts)
}

func TestAggregatorTimeoutMapsTo504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"data":[{"value":"50"}]}`))
	}))
	t.Cleanup(srv.Close)

	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "slow", Category: domain.CategorySentiment, BaseURL: srv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)

	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	strict := aggregate.New(d, false)
	permissive := aggregate.New(d, true)

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	hub := streamhub.New(nil)

	s := New(DefaultConfig(), strict, permissive, reg, promReg, m, hub)

	req := httptest.NewRequest(http.MethodGet, "/fear-greed", nil)
	ctx, cancel := context.WithTimeout(req.Context(), time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	time.Sleep(2 * time.Millisecond) // ensure the context is already expired

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "timeout", env.Error.Code)
}

func TestEdgeRateLimitReturns429(t *testing.T) {
	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: "http://127.0.0.1:0", ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)
	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	strict := aggregate.New(d, false)
	permissive := aggregate.New(d, true)
	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	hub := streamhub.New(nil)

	tightCfg := DefaultConfig()
	tightCfg.EdgeRateLimit = 1
	tightCfg.EdgeRateBurst = 1
	tight := New(tightCfg, strict, permissive, reg, promReg, m, hub)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w1 := httptest.NewRecorder()
	tight.router.ServeHTTP(w1, req)
	assert.NotEqual(t, http.StatusTooManyRequests, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "10.0.0.1:5556"
	w2 := httptest.NewRecorder()
	tight.router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestHealthPerCategoryStatus(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// No request has gone through the registry's dispatcher yet in this
	// server, so the sentiment category has no recorded success and must
	// report down, not some ratio-derived "healthy".
	assert.Equal(t, "down", resp.Categories[string(domain.CategorySentiment)])
}
