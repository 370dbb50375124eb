package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marketgw/gateway/internal/domain"
)

func init() {
	register("coingecko_listings", NormalizerFunc(coingeckoListings))
	register("coingecko_quotes", NormalizerFunc(coingeckoQuotes))
	register("okx_quotes", NormalizerFunc(okxQuotes))
	register("okx_historical", NormalizerFunc(okxHistorical))
}

// coingeckoMarketEntry mirrors the /coins/markets response shape.
type coingeckoMarketEntry struct {
	Symbol                   string  `json:"symbol"`
	Name                     string  `json:"name"`
	CurrentPrice             float64 `json:"current_price"`
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	TotalVolume              float64 `json:"total_volume"`
	MarketCap                float64 `json:"market_cap"`
}

func coingeckoListings(providerID string, body []byte) (interface{}, error) {
	var entries []coingeckoMarketEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("coingecko_listings: decode: %w", err)
	}

	out := make([]domain.CanonicalPrice, 0, len(entries))
	for _, e := range entries {
		p := domain.CanonicalPrice{
			Symbol:           e.Symbol,
			Name:             e.Name,
			PriceUSD:         e.CurrentPrice,
			Change24hPct:     e.PriceChangePercentage24h,
			Volume24hUSD:     e.TotalVolume,
			MarketCapUSD:     e.MarketCap,
			SourceProviderID: providerID,
			FetchedAt:        time.Now().UnixMilli(),
		}
		if !finite(p.PriceUSD, p.Change24hPct, p.Volume24hUSD, p.MarketCapUSD) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// coingeckoQuotes mirrors /simple/price?include_market_cap=true&include_24hr_change=true&include_24hr_vol=true
func coingeckoQuotes(providerID string, body []byte) (interface{}, error) {
	var raw map[string]map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("coingecko_quotes: decode: %w", err)
	}

	out := make(map[string]domain.CanonicalPrice, len(raw))
	for symbol, fields := range raw {
		p := domain.CanonicalPrice{
			Symbol:           symbol,
			PriceUSD:         fields["usd"],
			Change24hPct:     fields["usd_24h_change"],
			Volume24hUSD:     fields["usd_24h_vol"],
			MarketCapUSD:     fields["usd_market_cap"],
			SourceProviderID: providerID,
			FetchedAt:        time.Now().UnixMilli(),
		}
		if !finite(p.PriceUSD, p.Change24hPct, p.Volume24hUSD, p.MarketCapUSD) {
			continue
		}
		out[symbol] = p
	}
	return out, nil
}

// okxTickerResponse mirrors OKX's {code,msg,data:[...]} envelope, with
// numeric fields carried as JSON strings the way OKX actually sends them.
type okxTickerResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID  string `json:"instId"`
		Last    string `json:"last"`
		Open24h string `json:"open24h"`
		VolCcy  string `json:"volCcy24h"`
	} `json:"data"`
}

func okxQuotes(providerID string, body []byte) (interface{}, error) {
	var resp okxTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("okx_quotes: decode: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx_quotes: upstream error code=%s msg=%s", resp.Code, resp.Msg)
	}

	out := make(map[string]domain.CanonicalPrice, len(resp.Data))
	for _, d := range resp.Data {
		last, errL := strconv.ParseFloat(d.Last, 64)
		open, errO := strconv.ParseFloat(d.Open24h, 64)
		vol, errV := strconv.ParseFloat(d.VolCcy, 64)
		if errL != nil || errO != nil || errV != nil {
			continue
		}
		var changePct float64
		if open != 0 {
			changePct = (last - open) / open * 100
		}
		p := domain.CanonicalPrice{
			Symbol:           d.InstID,
			PriceUSD:         last,
			Change24hPct:     changePct,
			Volume24hUSD:     vol,
			SourceProviderID: providerID,
			FetchedAt:        time.Now().UnixMilli(),
		}
		if !finite(p.PriceUSD, p.Change24hPct, p.Volume24hUSD) {
			continue
		}
		out[d.InstID] = p
	}
	return out, nil
}

// okxCandleResponse mirrors OKX's candles endpoint: data is an array of
// 9-element string arrays [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
type okxCandleResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

func okxHistorical(providerID string, body []byte) (interface{}, error) {
	var resp okxCandleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("okx_historical: decode: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx_historical: upstream error code=%s msg=%s", resp.Code, resp.Msg)
	}

	out := make([]domain.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			continue
		}
		ts, errT := strconv.ParseInt(row[0], 10, 64)
		o, errO := strconv.ParseFloat(row[1], 64)
		h, errH := strconv.ParseFloat(row[2], 64)
		l, errLo := strconv.ParseFloat(row[3], 64)
		c, errC := strconv.ParseFloat(row[4], 64)
		v, errV := strconv.ParseFloat(row[5], 64)
		if errT != nil || errO != nil || errH != nil || errLo != nil || errC != nil || errV != nil {
			continue
		}
		candle := domain.Candle{T: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
		if !finite(candle.Open, candle.High, candle.Low, candle.Close, candle.Volume) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if !domain.IsFiniteNumber(v) {
			return false
		}
	}
	return true
}
