// Package dispatch implements the fallback-chain orchestration algorithm:
// given a category and a logical request, walk the registry's priority-
// ordered provider chain, applying the rate limiter, circuit breaker, quota
// tracker, HTTP client, and normalizer at each step, until one provider
// succeeds or the chain is exhausted.
//
// Grounded on the teacher's internal/providers/runtime.FallbackManager: same
// primary-then-fallbacks iteration and per-provider stats tracking, rebuilt
// around the registry/circuit/ratelimit/quota packages instead of the
// teacher's own embedded copies of those, and around the spec's explicit
// five-way outcome classification (2xx / 4xx-non-429 / 429 / 5xx-network-
// timeout / parse failure) rather than the teacher's simple retry loop.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/circuit"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/metrics"
	"github.com/marketgw/gateway/internal/normalize"
	"github.com/marketgw/gateway/internal/registry"
)

// Outcome classifies what happened when a single provider was attempted.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeSkippedOpen  Outcome = "skipped_open"
	OutcomeSkippedRate  Outcome = "skipped_rate"
	OutcomeSkippedQuota Outcome = "skipped_quota"
	OutcomeHTTP4xx      Outcome = "http_4xx"
	OutcomeHTTP429      Outcome = "http_429"
	OutcomeHTTP5xx      Outcome = "http_5xx"
	OutcomeNetworkErr   Outcome = "network_err"
	OutcomeParseErr     Outcome = "parse_err"
)

// Attempt records what happened for one provider in a chain walk, for the
// terminal AllProvidersFailed error and for metrics.
type Attempt struct {
	ProviderID string
	Outcome    Outcome
	LatencyMS  int64
}

// AllProvidersFailed is the terminal error when every provider in a
// category's chain was exhausted without success.
type AllProvidersFailed struct {
	Category domain.Category
	Attempts []Attempt
}

func (e *AllProvidersFailed) Error() string {
	return fmt.Sprintf("all providers failed for category %s (%d attempts)", e.Category, len(e.Attempts))
}

// Dispatcher orchestrates the registry, rate limiter, circuit breaker,
// quota tracker, HTTP client, cache, and normalizers across a fallback
// chain for a single logical request.
type Dispatcher struct {
	reg     *registry.Registry
	client  *httpclient.Pool
	cache   *cache.Cache
	metrics *metrics.Registry
}

// New builds a Dispatcher.
func New(reg *registry.Registry, client *httpclient.Pool, c *cache.Cache) *Dispatcher {
	return &Dispatcher{reg: reg, client: client, cache: c}
}

// SetMetrics wires the Prometheus registry the dispatcher records outbound
// request outcomes, latencies, and per-provider gauges to. A nil or
// never-set registry is a silent no-op, since tests build dispatchers
// without one. Returns d so callers can chain it onto New.
func (d *Dispatcher) SetMetrics(m *metrics.Registry) *Dispatcher {
	d.metrics = m
	return d
}

// Request is a logical request: a category plus a path+params to issue
// against whichever provider in the chain is tried.
type Request struct {
	Category domain.Category
	Path     string
	Params   url.Values
	CacheKey string
	TTL      time.Duration
}

// Result is what a successful dispatch returns: the normalized payload,
// still JSON-encoded (so it can pass through the cache unchanged), and
// which provider produced it. Callers unmarshal Payload into the concrete
// canonical type their category expects.
type Result struct {
	Payload          json.RawMessage `json:"payload"`
	SourceProviderID string          `json:"source_provider_id"`
}

// Fetch executes req across its category's fallback chain, coalescing
// concurrent identical requests via the cache's singleflight group and
// serving fresh cache entries without touching the network.
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	raw, err := d.cache.GetOrLoad(ctx, req.CacheKey, req.TTL, func(ctx context.Context) ([]byte, error) {
		result, err := d.runChain(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("dispatch: decode cached result: %w", err)
	}
	return &result, nil
}

func (d *Dispatcher) runChain(ctx context.Context, req Request) (*Result, error) {
	chain := d.reg.ChainFor(req.Category)
	attempts := make([]Attempt, 0, len(chain))

	for i, providerID := range chain {
		isLastAttempt := i == len(chain)-1
		start := time.Now()

		outcome, payload, err := d.attempt(ctx, providerID, req, isLastAttempt)
		latency := time.Since(start).Milliseconds()
		attempts = append(attempts, Attempt{ProviderID: providerID, Outcome: outcome, LatencyMS: latency})

		log.Info().Str("provider_id", providerID).Str("category", string(req.Category)).
			Str("outcome", string(outcome)).Int64("latency_ms", latency).Int("attempt", i).
			Msg("provider attempt")
		d.recordMetrics(providerID, outcome, latency)

		if outcome == OutcomeOK {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("dispatch: encode normalized payload: %w", err)
			}
			return &Result{Payload: encoded, SourceProviderID: providerID}, nil
		}
		if err != nil && outcome != OutcomeOK {
			continue // try the next provider in the chain
		}
	}

	return nil, &AllProvidersFailed{Category: req.Category, Attempts: attempts}
}

// recordMetrics reports one provider-level attempt's outcome, latency, and
// the provider's resulting breaker/bucket/quota gauges. A nil registry
// (tests, or a Dispatcher never wired to one) is a silent no-op.
func (d *Dispatcher) recordMetrics(providerID string, outcome Outcome, latencyMS int64) {
	if d.metrics == nil {
		return
	}
	d.metrics.RequestsTotal.WithLabelValues(providerID, string(outcome)).Inc()
	d.metrics.LatencyMS.WithLabelValues(providerID).Observe(float64(latencyMS))
	d.metrics.BreakerState.WithLabelValues(providerID).Set(
		metrics.BreakerStateValue(d.reg.Breakers.Get(providerID).State().String()))
	d.metrics.BucketTokens.WithLabelValues(providerID).Set(d.reg.Limiters.Tokens(providerID))
	if q, ok := d.reg.Quotas.StatsFor(providerID); ok {
		d.metrics.QuotaUsed.WithLabelValues(providerID).Set(float64(q.DailyUsed))
		d.metrics.QuotaLimit.WithLabelValues(providerID).Set(float64(q.DailyLimit))
	}
}

// attempt walks one provider's physical retry loop: the breaker and
// normalizer are checked once per logical attempt, but the rate limiter and
// quota tracker are re-acquired before every physical HTTP try, since each
// retry is a real request sent upstream and must count against both
// budgets. A 429 is never retried here - it is always terminal for this
// provider, so the chain falls back to the next one instead of hammering a
// provider that just told us to back off.
func (d *Dispatcher) attempt(ctx context.Context, providerID string, req Request, isLastAttempt bool) (Outcome, interface{}, error) {
	spec, ok := d.reg.Get(providerID)
	if !ok {
		return OutcomeNetworkErr, nil, fmt.Errorf("provider %s not registered", providerID)
	}
	breaker := d.reg.Breakers.Get(providerID)

	if !breaker.Allow() {
		return OutcomeSkippedOpen, nil, fmt.Errorf("provider %s: breaker open", providerID)
	}

	normalizer, ok := normalize.For(spec.ParserID)
	if !ok {
		return OutcomeParseErr, nil, fmt.Errorf("provider %s: no normalizer for parser_id %s", providerID, spec.ParserID)
	}

	clientCfg := d.client.Config()
	maxRetries := clientCfg.MaxRetries

	for physicalAttempt := 0; ; physicalAttempt++ {
		if physicalAttempt > 0 {
			backoff := httpclient.Backoff(clientCfg, physicalAttempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return OutcomeNetworkErr, nil, ctx.Err()
			}
		}

		if ok, retryAfter := d.reg.Limiters.TryAcquire(providerID, 1); !ok {
			_ = retryAfter
			return OutcomeSkippedRate, nil, fmt.Errorf("provider %s: rate limited", providerID)
		}

		if err := d.reg.Quotas.Consume(providerID); err != nil {
			return OutcomeSkippedQuota, nil, err
		}

		outcome, payload, err, retryable := d.doOnce(ctx, providerID, spec, req, breaker, normalizer, isLastAttempt)
		if retryable && physicalAttempt < maxRetries {
			log.Debug().Str("provider_id", providerID).Int("physical_attempt", physicalAttempt+1).
				Err(err).Msg("retrying provider attempt")
			continue
		}
		if retryable {
			// Retry budget exhausted: this is a real failure for the
			// breaker even though doOnce left it unrecorded to avoid
			// penalizing a transient blip that a later retry might clear.
			breaker.OnFailure()
		}
		return outcome, payload, err
	}
}

// doOnce executes a single physical HTTP try and classifies the result.
// retryable reports whether the SAME provider is worth trying again (a
// network error or 5xx within the retry budget) as opposed to the chain
// falling back to the next provider.
func (d *Dispatcher) doOnce(ctx context.Context, providerID string, spec config.ProviderSpec, req Request,
	breaker *circuit.Breaker, normalizer normalize.Normalizer, isLastAttempt bool) (outcome Outcome, payload interface{}, err error, retryable bool) {

	httpReq, err := buildRequest(ctx, spec, req.Path, req.Params)
	if err != nil {
		return OutcomeNetworkErr, nil, err, false
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()
	httpReq = httpReq.WithContext(timeoutCtx)

	resp, err := d.client.Do(ctx, httpReq)
	if err != nil {
		if httpclient.IsRetryableError(err) {
			return OutcomeNetworkErr, nil, err, true
		}
		breaker.OnFailure()
		return OutcomeNetworkErr, nil, err, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.OnFailure()
		return OutcomeNetworkErr, nil, err, false
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		normalized, err := normalizer.Normalize(providerID, body)
		if err != nil {
			breaker.OnFailure()
			return OutcomeParseErr, nil, err, false
		}
		breaker.OnSuccess()
		return OutcomeOK, normalized, nil, false

	case resp.StatusCode == http.StatusTooManyRequests:
		d.reg.Limiters.ForceEmpty(providerID)
		if isLastAttempt {
			breaker.OnFailure()
		}
		return OutcomeHTTP429, nil, fmt.Errorf("provider %s: rate limited upstream (429)", providerID), false

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		breaker.OnBypass()
		return OutcomeHTTP4xx, nil, fmt.Errorf("provider %s: client error %d", providerID, resp.StatusCode), false

	default:
		if httpclient.IsRetryableStatus(resp.StatusCode) {
			return OutcomeHTTP5xx, nil, fmt.Errorf("provider %s: server error %d", providerID, resp.StatusCode), true
		}
		breaker.OnFailure()
		return OutcomeHTTP5xx, nil, fmt.Errorf("provider %s: server error %d", providerID, resp.StatusCode), false
	}
}

// buildRequest constructs the outbound HTTP request for spec, injecting
// auth per its AuthSpec: header name/value, query parameter, or nothing.
func buildRequest(ctx context.Context, spec config.ProviderSpec, path string, params url.Values) (*http.Request, error) {
	base := strings.TrimRight(spec.BaseURL, "/")
	full := base + "/" + strings.TrimLeft(path, "/")

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("provider %s: invalid url: %w", spec.ID, err)
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	if spec.Auth.Kind == config.AuthQuery {
		if key, ok := spec.Auth.APIKey(); ok {
			q.Set(spec.Auth.Name, key)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s: build request: %w", spec.ID, err)
	}

	if spec.Auth.Kind == config.AuthHeader {
		if key, ok := spec.Auth.APIKey(); ok {
			req.Header.Set(spec.Auth.Name, key)
		}
	}

	return req, nil
}
