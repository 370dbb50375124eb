// Package httpclient provides a bounded-concurrency HTTP client shared
// across all provider normalizers. It performs exactly one physical attempt
// per call; retrying belongs to the caller, which also owns the rate
// limiter and must re-acquire it before every physical attempt.
//
// Grounded on the teacher's internal/infrastructure/httpclient.ClientPool:
// same semaphore-based concurrency cap, same jittered exponential backoff
// schedule (kept here as the exported Backoff function for callers to
// drive their own retry loop). Simplified the teacher's hand-rolled
// case-insensitive substring matcher to strings.Contains + strings.ToLower,
// and its EMA percentile approximation was dropped in favor of a
// prometheus.HistogramVec recorded by the caller (see internal/metrics)
// rather than tracked locally here.
package httpclient

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config parameterizes one pool.
type Config struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgent      string
}

// Stats is a point-in-time snapshot for /health and /metrics.
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
}

// Pool is a bounded-concurrency HTTP client shared by every provider that
// targets the same downstream host budget.
type Pool struct {
	cfg       Config
	semaphore chan struct{}
	client    *http.Client

	mu    sync.Mutex
	stats Stats
}

// New builds a pool from cfg, applying sane defaults for zero fields.
func New(cfg Config) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Config returns the pool's configuration, so callers that own the retry
// loop (internal/dispatch) can read MaxRetries/backoff settings without
// duplicating them.
func (p *Pool) Config() Config {
	return p.cfg
}

// Do executes req exactly once, gated by the pool's concurrency semaphore.
// It does not retry: the caller classifies the response (success / bypass
// / breaker-failure / retryable) and, if retrying, is responsible for
// re-acquiring a rate limiter token before calling Do again. This keeps
// every retry visible to the rate limiter instead of hidden inside one
// client call, and keeps a 429 from ever being retried by this layer.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	resp, err := p.client.Do(req)
	p.incr(func(s *Stats) { s.TotalRequests++ })
	if err != nil {
		p.incr(func(s *Stats) { s.FailedRequests++ })
		return nil, err
	}
	p.incr(func(s *Stats) { s.SuccessRequests++ })
	return resp, nil
}

// Backoff computes the jittered exponential delay before physical attempt
// number attempt (1-indexed: attempt 1 is the first retry).
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := cfg.BackoffBase * time.Duration(uint(1)<<uint(attempt))
	if cfg.BackoffMax > 0 && backoff > cfg.BackoffMax {
		backoff = cfg.BackoffMax
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff))
	return backoff + jitter
}

func (p *Pool) incr(f func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.stats)
}

// Stats snapshots current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// IsRetryableError reports whether a transport-level error (as opposed to
// an HTTP status) is worth retrying against the same provider.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, substr := range []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "network is unreachable", "no such host",
	} {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether statusCode is worth retrying against
// the same provider. 429 is deliberately excluded: an upstream rate limit
// means the provider should be abandoned in favor of the next one in the
// fallback chain, not hammered again after a backoff.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
