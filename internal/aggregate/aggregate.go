// Package aggregate implements the high-level operations the HTTP API and
// subscription hub call: each composes one or more dispatcher fetches and,
// only in permissive mode, substitutes a static per-category default on a
// terminal failure.
//
// Grounded on the teacher's aggregation-and-fan-out pattern in its overview
// endpoint handlers (internal/interfaces/http/contracts.go's response
// envelopes), rebuilt around this repo's canonical domain types and the
// strict/permissive degraded-default policy.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/marketgw/gateway/internal/dispatch"
	"github.com/marketgw/gateway/internal/domain"
)

// Aggregator composes dispatcher calls into the operations the HTTP API
// surface exposes.
type Aggregator struct {
	dispatcher *dispatch.Dispatcher
	permissive bool // true only for the subscription hub's poller Aggregator
}

// New builds an Aggregator. permissive controls whether terminal dispatcher
// failures are substituted with a static default (true, used only by the
// subscription hub's background pollers) or propagated as errors (false,
// every HTTP single-resource endpoint and get_market_overview's own
// sub-calls, which need real errors to populate Overview.Errors).
func New(d *dispatch.Dispatcher, permissive bool) *Aggregator {
	return &Aggregator{dispatcher: d, permissive: permissive}
}

func cacheKey(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return key
}

// GetFearGreed returns the current fear/greed sentiment reading, the
// provider ID that produced it, and whether it's a permissive default.
func (a *Aggregator) GetFearGreed(ctx context.Context) (domain.CanonicalSentiment, string, bool, error) {
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategorySentiment, Path: "/fng", CacheKey: cacheKey("sentiment", "fng"), TTL: 5 * time.Minute,
	})
	if err != nil {
		if a.permissive {
			return domain.CanonicalSentiment{FearGreedValue: 50, FearGreedLabel: domain.Neutral}, "", true, nil
		}
		return domain.CanonicalSentiment{}, "", false, err
	}

	var sentiment domain.CanonicalSentiment
	if err := json.Unmarshal(res.Payload, &sentiment); err != nil {
		return domain.CanonicalSentiment{}, "", false, fmt.Errorf("aggregate: decode sentiment: %w", err)
	}
	return sentiment, res.SourceProviderID, false, nil
}

// GetMarketListings returns the top `limit` coins by the primary market
// provider's ranking.
func (a *Aggregator) GetMarketListings(ctx context.Context, limit int) ([]domain.CanonicalPrice, string, bool, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryMarket, Path: "/listings", Params: params,
		CacheKey: cacheKey("market", "listings", strconv.Itoa(limit)), TTL: 30 * time.Second,
	})
	if err != nil {
		if a.permissive {
			return []domain.CanonicalPrice{}, "", true, nil
		}
		return nil, "", false, err
	}

	var listings []domain.CanonicalPrice
	if err := json.Unmarshal(res.Payload, &listings); err != nil {
		return nil, "", false, fmt.Errorf("aggregate: decode listings: %w", err)
	}
	return listings, res.SourceProviderID, false, nil
}

// GetMarketData returns the current quote for each requested symbol.
// Symbols the upstream doesn't recognize yield absent keys, not errors.
func (a *Aggregator) GetMarketData(ctx context.Context, symbols []string) (map[string]domain.CanonicalPrice, string, bool, error) {
	params := url.Values{"symbols": symbols}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryMarket, Path: "/quotes", Params: params,
		CacheKey: cacheKey("market", "quotes", fmt.Sprint(symbols)), TTL: 15 * time.Second,
	})
	if err != nil {
		if a.permissive {
			return map[string]domain.CanonicalPrice{}, "", true, nil
		}
		return nil, "", false, err
	}

	var quotes map[string]domain.CanonicalPrice
	if err := json.Unmarshal(res.Payload, &quotes); err != nil {
		return nil, "", false, fmt.Errorf("aggregate: decode quotes: %w", err)
	}
	return quotes, res.SourceProviderID, false, nil
}

// GetHistorical returns candles for symbol over the past days.
func (a *Aggregator) GetHistorical(ctx context.Context, symbol string, days int) ([]domain.Candle, string, bool, error) {
	params := url.Values{"symbol": {symbol}, "days": {strconv.Itoa(days)}}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryMarket, Path: "/historical", Params: params,
		CacheKey: cacheKey("market", "historical", symbol, strconv.Itoa(days)), TTL: 5 * time.Minute,
	})
	if err != nil {
		if a.permissive {
			return []domain.Candle{}, "", true, nil
		}
		return nil, "", false, err
	}

	var candles []domain.Candle
	if err := json.Unmarshal(res.Payload, &candles); err != nil {
		return nil, "", false, fmt.Errorf("aggregate: decode candles: %w", err)
	}
	return candles, res.SourceProviderID, false, nil
}

// GetNews returns up to limit news articles matching query.
func (a *Aggregator) GetNews(ctx context.Context, query string, limit int) ([]domain.CanonicalNewsArticle, string, bool, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if query != "" {
		params.Set("q", query)
	}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryNews, Path: "/news", Params: params,
		CacheKey: cacheKey("news", query, strconv.Itoa(limit)), TTL: 2 * time.Minute,
	})
	if err != nil {
		if a.permissive {
			return []domain.CanonicalNewsArticle{}, "", true, nil
		}
		return nil, "", false, err
	}

	var articles []domain.CanonicalNewsArticle
	if err := json.Unmarshal(res.Payload, &articles); err != nil {
		return nil, "", false, fmt.Errorf("aggregate: decode news: %w", err)
	}
	return articles, res.SourceProviderID, false, nil
}

// GetWhales returns up to limit whale transactions at or above minValueUSD.
func (a *Aggregator) GetWhales(ctx context.Context, minValueUSD float64, limit int) ([]domain.CanonicalWhaleTx, string, bool, error) {
	params := url.Values{"min_value_usd": {strconv.FormatFloat(minValueUSD, 'f', -1, 64)}, "limit": {strconv.Itoa(limit)}}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryWhales, Path: "/whales", Params: params,
		CacheKey: cacheKey("whales", strconv.FormatFloat(minValueUSD, 'f', -1, 64), strconv.Itoa(limit)), TTL: time.Minute,
	})
	if err != nil {
		if a.permissive {
			return []domain.CanonicalWhaleTx{}, "", true, nil
		}
		return nil, "", false, err
	}

	var txs []domain.CanonicalWhaleTx
	if err := json.Unmarshal(res.Payload, &txs); err != nil {
		return nil, "", false, fmt.Errorf("aggregate: decode whale txs: %w", err)
	}
	return txs, res.SourceProviderID, false, nil
}

// GetExplorer returns the latest TVL metric for protocol on chain.
func (a *Aggregator) GetExplorer(ctx context.Context, protocol, chain string) (domain.CanonicalExplorerMetric, string, bool, error) {
	params := url.Values{"protocol": {protocol}, "chain": {chain}}
	res, err := a.dispatcher.Fetch(ctx, dispatch.Request{
		Category: domain.CategoryExplorer, Path: "/explorer", Params: params,
		CacheKey: cacheKey("explorer", protocol, chain), TTL: 5 * time.Minute,
	})
	if err != nil {
		if a.permissive {
			return domain.CanonicalExplorerMetric{}, "", true, nil
		}
		return domain.CanonicalExplorerMetric{}, "", false, err
	}

	var metric domain.CanonicalExplorerMetric
	if err := json.Unmarshal(res.Payload, &metric); err != nil {
		return domain.CanonicalExplorerMetric{}, "", false, fmt.Errorf("aggregate: decode explorer metric: %w", err)
	}
	return metric, res.SourceProviderID, false, nil
}

// Overview is the fanned-out result of get_market_overview: every
// successful sub-result plus an errors map for terminal sub-failures. Never
// an error itself unless every sub-call fails.
type Overview struct {
	FearGreed domain.CanonicalSentiment      `json:"fear_greed"`
	TopCoins  []domain.CanonicalPrice        `json:"top_coins"`
	News      []domain.CanonicalNewsArticle  `json:"news"`
	Degraded  map[string]bool                `json:"degraded,omitempty"`
	Errors    map[string]string              `json:"errors,omitempty"`
}

// GetMarketOverview fans out fear/greed, top coins, and news in parallel,
// each called in strict mode so a terminal dispatcher failure surfaces as a
// real error instead of being swallowed into a permissive default. A
// failure is recorded per-field in Errors/Degraded rather than failing the
// whole call; GetMarketOverview only errors if every sub-call fails.
func (a *Aggregator) GetMarketOverview(ctx context.Context) (*Overview, error) {
	strict := &Aggregator{dispatcher: a.dispatcher, permissive: false}

	var (
		wg                              sync.WaitGroup
		fearGreed                       domain.CanonicalSentiment
		topCoins                        []domain.CanonicalPrice
		news                            []domain.CanonicalNewsArticle
		fearGreedErr, coinsErr, newsErr error
		mu                              sync.Mutex
		errs                            = map[string]string{}
		degraded                        = map[string]bool{}
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		v, _, _, err := strict.GetFearGreed(ctx)
		if err != nil {
			mu.Lock()
			fearGreedErr = err
			errs["fear_greed"] = err.Error()
			degraded["fear_greed"] = true
			mu.Unlock()
			return
		}
		fearGreed = v
	}()
	go func() {
		defer wg.Done()
		v, _, _, err := strict.GetMarketListings(ctx, 10)
		if err != nil {
			mu.Lock()
			coinsErr = err
			errs["top_coins"] = err.Error()
			degraded["top_coins"] = true
			mu.Unlock()
			return
		}
		topCoins = v
	}()
	go func() {
		defer wg.Done()
		v, _, _, err := strict.GetNews(ctx, "", 10)
		if err != nil {
			mu.Lock()
			newsErr = err
			errs["news"] = err.Error()
			degraded["news"] = true
			mu.Unlock()
			return
		}
		news = v
	}()
	wg.Wait()

	if fearGreedErr != nil && coinsErr != nil && newsErr != nil {
		return nil, fmt.Errorf("aggregate: market overview: every sub-call failed")
	}

	out := &Overview{FearGreed: fearGreed, TopCoins: topCoins, News: news}
	if len(errs) > 0 {
		out.Errors = errs
		out.Degraded = degraded
	}
	return out, nil
}
