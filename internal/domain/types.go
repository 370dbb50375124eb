// Package domain holds the canonical data shapes every provider normalizer
// targets and every downstream consumer (aggregator, HTTP handlers, stream
// hub) speaks. Nothing in this package knows about any specific upstream API.
package domain

import (
	"math"
	"time"
)

// Category identifies a fallback-chain family of providers.
type Category string

const (
	CategoryMarket    Category = "market"
	CategorySentiment Category = "sentiment"
	CategoryNews      Category = "news"
	CategoryWhales    Category = "whales"
	CategoryExplorer  Category = "explorer"
)

// CanonicalPrice is the common shape for a market quote regardless of source.
type CanonicalPrice struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	PriceUSD         float64 `json:"price_usd"`
	Change24hPct     float64 `json:"change_24h_pct"`
	Volume24hUSD     float64 `json:"volume_24h_usd"`
	MarketCapUSD     float64 `json:"market_cap_usd"`
	SourceProviderID string  `json:"source_provider_id"`
	FetchedAt        int64   `json:"fetched_at"` // unix ms
}

// Candle is one OHLCV bar of historical market data.
type Candle struct {
	T      int64   `json:"t"` // unix ms
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// SentimentLabel is the bucketed description of a fear/greed value.
type SentimentLabel string

const (
	ExtremeFear SentimentLabel = "Extreme Fear"
	Fear        SentimentLabel = "Fear"
	Neutral     SentimentLabel = "Neutral"
	Greed       SentimentLabel = "Greed"
	ExtremeGreed SentimentLabel = "Extreme Greed"
)

// FearGreedLabel buckets a 0-100 fear/greed value into its fixed label.
func FearGreedLabel(value int) SentimentLabel {
	switch {
	case value <= 24:
		return ExtremeFear
	case value <= 44:
		return Fear
	case value <= 55:
		return Neutral
	case value <= 74:
		return Greed
	default:
		return ExtremeGreed
	}
}

// CanonicalSentiment is the common shape for a fear/greed + social reading.
type CanonicalSentiment struct {
	FearGreedValue   int            `json:"fear_greed_value"`
	FearGreedLabel   SentimentLabel `json:"fear_greed_label"`
	SocialScore      float64        `json:"social_score"` // -1..+1
	SourceProviderID string         `json:"source_provider_id"`
	FetchedAt        int64          `json:"fetched_at"`
}

// ArticleSentiment is the coarse sentiment tag attached to a news item.
type ArticleSentiment string

const (
	SentimentPositive ArticleSentiment = "positive"
	SentimentNeutral  ArticleSentiment = "neutral"
	SentimentNegative ArticleSentiment = "negative"
	SentimentUnknown  ArticleSentiment = "unknown"
)

// CanonicalNewsArticle is the common shape for a news item.
type CanonicalNewsArticle struct {
	ID               string           `json:"id"` // hash of URL
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	URL              string           `json:"url"`
	SourceName       string           `json:"source_name"`
	PublishedAt      time.Time        `json:"published_at"`
	Sentiment        ArticleSentiment `json:"sentiment"`
	SourceProviderID string           `json:"source_provider_id"`
}

// Chain identifies the blockchain a whale transaction or explorer metric
// originated on.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
	ChainTron     Chain = "tron"
	ChainBitcoin  Chain = "bitcoin"
	ChainPolygon  Chain = "polygon"
)

// CanonicalWhaleTx is the common shape for a large on-chain transfer.
type CanonicalWhaleTx struct {
	TxHash           string    `json:"tx_hash"`
	Chain            Chain     `json:"chain"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	AmountNative     float64   `json:"amount_native"`
	AmountUSD        float64   `json:"amount_usd"`
	Timestamp        time.Time `json:"timestamp"`
	SourceProviderID string    `json:"source_provider_id"`
}

// CanonicalExplorerMetric is the common shape for an on-chain protocol
// metric (TVL and related figures), distinct from a whale transaction.
type CanonicalExplorerMetric struct {
	Protocol         string  `json:"protocol"`
	Chain            Chain   `json:"chain"`
	TVLUSD           float64 `json:"tvl_usd"`
	TVLChange24hPct  float64 `json:"tvl_change_24h_pct"`
	Volume24hUSD     float64 `json:"volume_24h_usd"`
	SourceProviderID string  `json:"source_provider_id"`
	FetchedAt        int64   `json:"fetched_at"`
}

// IsFiniteNumber reports whether f is safe to hand to a consumer: neither
// NaN nor +/-Inf. Every normalizer must gate numeric fields through this
// before constructing a canonical payload.
func IsFiniteNumber(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
