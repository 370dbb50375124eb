package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marketgw/gateway/internal/dispatch"
)

// envelope is the uniform response shape every endpoint (except /health,
// /metrics, and /stream) writes: ok:true carries data/source/degraded, ok:
// false carries error.
type envelope struct {
	OK        bool           `json:"ok"`
	Data      interface{}    `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
	Degraded  bool           `json:"degraded,omitempty"`
	FetchedAt *time.Time     `json:"fetched_at,omitempty"`
	Error     *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Attempts []dispatch.Attempt `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK writes a successful envelope. Status is always 200: a degraded
// result (a permissive default, or an overview with failed parts) is still
// a 200 per the external contract, since the caller received a usable, if
// incomplete, payload.
func writeOK(w http.ResponseWriter, data interface{}, source string, degraded bool) {
	now := time.Now()
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data, Source: source, Degraded: degraded, FetchedAt: &now})
}

// writeErr classifies err into a status code and error code and writes the
// failure envelope. ctx is the request's own context: its deadline is the
// signal for "aggregator timeout" (504), checked ahead of the error's own
// type, since a chain walk that runs out of time surfaces as an ordinary
// *dispatch.AllProvidersFailed (every remaining provider attempt fails
// fast against an already-expired context) rather than as a bare
// context.DeadlineExceeded bubbling out of Fetch.
//   - ctx expired -> 504, timeout
//   - *dispatch.AllProvidersFailed -> 502, attempts included
//   - anything else -> 502, generic upstream_unavailable
func writeErr(w http.ResponseWriter, ctx context.Context, err error) {
	var allFailed *dispatch.AllProvidersFailed
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, envelope{OK: false, Error: &envelopeError{
			Code: "timeout", Message: err.Error(),
		}})
	case errors.As(err, &allFailed):
		writeJSON(w, http.StatusBadGateway, envelope{OK: false, Error: &envelopeError{
			Code: "all_providers_failed", Message: err.Error(), Attempts: allFailed.Attempts,
		}})
	default:
		writeJSON(w, http.StatusBadGateway, envelope{OK: false, Error: &envelopeError{
			Code: "upstream_unavailable", Message: err.Error(),
		}})
	}
}

// writeBadRequest writes a 400 failure envelope for request validation
// errors (missing/invalid query parameters), distinct from upstream
// failures.
func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: &envelopeError{Code: code, Message: message}})
}

// writeRateLimited writes the 429 envelope for a client that has exceeded
// the edge rate limit, distinct from an upstream provider's 429.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: &envelopeError{
		Code: "rate_limited", Message: "too many requests",
	}})
}
