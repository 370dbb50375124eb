package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/marketgw/gateway/internal/aggregate"
)

type handlers struct {
	agg         *aggregate.Aggregator // strict mode, single-resource endpoints
	overviewAgg *aggregate.Aggregator // /overview only; its sub-calls run strict in either mode
}

func (h *handlers) fearGreed(w http.ResponseWriter, r *http.Request) {
	v, source, degraded, err := h.agg.GetFearGreed(r.Context())
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, v, source, degraded)
}

func (h *handlers) marketListings(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 500 {
			limit = n
		}
	}
	listings, source, degraded, err := h.agg.GetMarketListings(r.Context(), limit)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, listings, source, degraded)
}

func (h *handlers) marketQuotes(w http.ResponseWriter, r *http.Request) {
	symbolsParam := r.URL.Query().Get("symbols")
	if symbolsParam == "" {
		writeBadRequest(w, "missing_param", "symbols is required")
		return
	}
	symbols := strings.Split(symbolsParam, ",")
	data, source, degraded, err := h.agg.GetMarketData(r.Context(), symbols)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, data, source, degraded)
}

func (h *handlers) marketHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeBadRequest(w, "missing_param", "symbol is required")
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 365 {
			days = n
		}
	}
	candles, source, degraded, err := h.agg.GetHistorical(r.Context(), symbol, days)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, candles, source, degraded)
}

func (h *handlers) news(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 100 {
			limit = n
		}
	}
	articles, source, degraded, err := h.agg.GetNews(r.Context(), query, limit)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, articles, source, degraded)
}

func (h *handlers) whales(w http.ResponseWriter, r *http.Request) {
	minValue := 0.0
	if v := r.URL.Query().Get("min_value_usd"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			minValue = n
		}
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			limit = n
		}
	}
	txs, source, degraded, err := h.agg.GetWhales(r.Context(), minValue, limit)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, txs, source, degraded)
}

func (h *handlers) explorer(w http.ResponseWriter, r *http.Request) {
	protocol := r.URL.Query().Get("protocol")
	chain := r.URL.Query().Get("chain")
	if protocol == "" {
		writeBadRequest(w, "missing_param", "protocol is required")
		return
	}
	metric, source, degraded, err := h.agg.GetExplorer(r.Context(), protocol, chain)
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, metric, source, degraded)
}

func (h *handlers) overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.overviewAgg.GetMarketOverview(r.Context())
	if err != nil {
		writeErr(w, r.Context(), err)
		return
	}
	writeOK(w, overview, "", len(overview.Degraded) > 0)
}
