package aggregate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/dispatch"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/registry"

	_ "github.com/marketgw/gateway/internal/normalize"
)

func newAggregator(t *testing.T, permissive bool, providers []config.ProviderSpec) *Aggregator {
	t.Helper()
	reg, err := registry.Build(&config.Catalog{Providers: providers})
	require.NoError(t, err)
	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	return New(d, permissive)
}

func TestGetFearGreedStrictPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newAggregator(t, false, []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: srv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	})

	_, _, degraded, err := a.GetFearGreed(context.Background())
	assert.Error(t, err)
	assert.False(t, degraded)
}

func TestGetFearGreedPermissiveSubstitutesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newAggregator(t, true, []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: srv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	})

	v, source, degraded, err := a.GetFearGreed(context.Background())
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Empty(t, source)
	assert.Equal(t, 50, v.FearGreedValue)
	assert.Equal(t, domain.Neutral, v.FearGreedLabel)
}

func TestGetMarketOverviewPartialSuccess(t *testing.T) {
	fngSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"value":"40"}]}`))
	}))
	defer fngSrv.Close()

	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	reg, err := registry.Build(&config.Catalog{Providers: []config.ProviderSpec{
		{ID: "fng", Category: domain.CategorySentiment, BaseURL: fngSrv.URL, ParserID: "alternative_me_fng", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
		{ID: "listings", Category: domain.CategoryMarket, BaseURL: failSrv.URL, ParserID: "coingecko_listings", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
		{ID: "news", Category: domain.CategoryNews, BaseURL: failSrv.URL, ParserID: "newsapi_news", Priority: 1,
			RateLimit: config.RateLimitSpec{MaxTokens: 5, RefillPerWindow: 5, WindowMS: 1000}},
	}})
	require.NoError(t, err)

	d := dispatch.New(reg, httpclient.New(httpclient.Config{MaxRetries: 0}), cache.New(100, ""))
	a := New(d, false)

	overview, err := a.GetMarketOverview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, overview.FearGreed.FearGreedValue)
	assert.Empty(t, overview.TopCoins)
	assert.Empty(t, overview.News)

	require.Contains(t, overview.Errors, "top_coins")
	require.Contains(t, overview.Errors, "news")
	assert.NotContains(t, overview.Errors, "fear_greed")
	assert.True(t, overview.Degraded["top_coins"])
	assert.True(t, overview.Degraded["news"])
}
