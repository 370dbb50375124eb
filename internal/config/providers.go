// Package config loads the declarative provider catalog that drives the
// registry, dispatcher, rate limiter, circuit breaker, and quota tracker.
//
// Grounded on the teacher's internal/config/providers.go: same
// load-then-Validate shape, same style of descriptive per-field errors.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketgw/gateway/internal/domain"
)

// AuthKind selects how a provider's credential is injected into a request.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthHeader AuthKind = "header"
	AuthQuery  AuthKind = "query"
)

// AuthSpec describes where a credential goes and which env var holds it.
type AuthSpec struct {
	Kind   AuthKind `yaml:"kind"`
	Name   string   `yaml:"name"`    // header or query parameter name
	KeyEnv string   `yaml:"key_env"` // env var holding the credential value
}

// RateLimitSpec parameterizes the per-provider token bucket.
type RateLimitSpec struct {
	MaxTokens      float64 `yaml:"max_tokens"`
	RefillPerWindow float64 `yaml:"refill_per_window"`
	WindowMS       int64   `yaml:"window_ms"`
}

// QuotaSpec parameterizes the long-window request budget. Zero means
// unmetered.
type QuotaSpec struct {
	DailyLimit   int64 `yaml:"daily_limit"`
	MonthlyLimit int64 `yaml:"monthly_limit"`
}

// CircuitSpec parameterizes the per-provider breaker.
type CircuitSpec struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	OpenMS           int `yaml:"open_ms"`
}

// ProviderSpec is one upstream endpoint entry in the provider catalog.
type ProviderSpec struct {
	ID         string          `yaml:"id"`
	Category   domain.Category `yaml:"category"`
	BaseURL    string          `yaml:"base_url"`
	Auth       AuthSpec        `yaml:"auth"`
	TimeoutMS  int             `yaml:"timeout_ms"`
	Priority   int             `yaml:"priority"`
	RateLimit  RateLimitSpec   `yaml:"rate_limit"`
	Quota      QuotaSpec       `yaml:"quota"`
	Circuit    CircuitSpec     `yaml:"circuit"`
	ParserID   string          `yaml:"parser_id"`
}

// Timeout returns the configured request timeout, defaulting to 10s.
func (p *ProviderSpec) Timeout() time.Duration {
	if p.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// OpenDuration returns how long the breaker stays open before probing,
// defaulting to 60s.
func (c *CircuitSpec) OpenDuration() time.Duration {
	if c.OpenMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.OpenMS) * time.Millisecond
}

// RequiresAuth reports whether this provider needs a credential to call.
func (a *AuthSpec) RequiresAuth() bool {
	return a.Kind == AuthHeader || a.Kind == AuthQuery
}

// Catalog is the full parsed provider configuration file.
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
	Global    GlobalSpec     `yaml:"global"`
}

// GlobalSpec holds cross-cutting knobs not specific to any one provider.
type GlobalSpec struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	UserAgent      string `yaml:"user_agent"`
	MaxRetries     int    `yaml:"max_retries"`
	BackoffBaseMS  int    `yaml:"backoff_base_ms"`
	BackoffMaxMS   int    `yaml:"backoff_max_ms"`
}

// Load reads and validates a provider catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse provider config: %w", err)
	}

	cat.applyDefaults()

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	return &cat, nil
}

func (c *Catalog) applyDefaults() {
	if c.Global.MaxConcurrency <= 0 {
		c.Global.MaxConcurrency = 64
	}
	if c.Global.UserAgent == "" {
		c.Global.UserAgent = "market-gateway/1.0"
	}
	if c.Global.MaxRetries <= 0 {
		c.Global.MaxRetries = 3
	}
	if c.Global.BackoffBaseMS <= 0 {
		c.Global.BackoffBaseMS = 1000
	}
	if c.Global.BackoffMaxMS <= 0 {
		c.Global.BackoffMaxMS = 15000
	}
}

// Validate enforces the catalog-level invariants: non-empty id, base_url
// and parser_id, a known category, unique (category, priority) pairs, and
// positive rate_limit fields; it also fills default breaker thresholds.
// It does not check parser IDs against the compiled-in normalizers and
// does not drop providers with a missing credential: registry.Build does
// both.
func (c *Catalog) Validate() error {
	seenPriority := map[string]map[int]string{} // category -> priority -> provider id
	knownParsers := map[string]bool{}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider[%d]: id cannot be empty", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url cannot be empty", p.ID)
		}
		if p.ParserID == "" {
			return fmt.Errorf("provider %s: parser_id cannot be empty", p.ID)
		}
		knownParsers[p.ParserID] = true

		switch p.Category {
		case domain.CategoryMarket, domain.CategorySentiment, domain.CategoryNews,
			domain.CategoryWhales, domain.CategoryExplorer:
		default:
			return fmt.Errorf("provider %s: unknown category %q", p.ID, p.Category)
		}

		byPriority, ok := seenPriority[string(p.Category)]
		if !ok {
			byPriority = map[int]string{}
			seenPriority[string(p.Category)] = byPriority
		}
		if existing, clash := byPriority[p.Priority]; clash {
			return fmt.Errorf("category %s: priority %d used by both %s and %s",
				p.Category, p.Priority, existing, p.ID)
		}
		byPriority[p.Priority] = p.ID

		if p.RateLimit.MaxTokens <= 0 {
			return fmt.Errorf("provider %s: rate_limit.max_tokens must be positive", p.ID)
		}
		if p.RateLimit.RefillPerWindow <= 0 {
			return fmt.Errorf("provider %s: rate_limit.refill_per_window must be positive", p.ID)
		}
		if p.RateLimit.WindowMS <= 0 {
			return fmt.Errorf("provider %s: rate_limit.window_ms must be positive", p.ID)
		}
		if p.Circuit.FailureThreshold <= 0 {
			p.Circuit.FailureThreshold = 5
		}
		if p.Circuit.SuccessThreshold <= 0 {
			p.Circuit.SuccessThreshold = 1
		}
	}

	// registry.go is responsible for resolving parser_id membership; the
	// set collected here is not checked further.
	_ = knownParsers

	return nil
}

// APIKey resolves a provider's credential from its configured env var. The
// returned bool is false when auth is required but the env var is unset or
// empty, signalling the caller to skip registering this provider.
func (a *AuthSpec) APIKey() (string, bool) {
	if !a.RequiresAuth() {
		return "", true
	}
	v := os.Getenv(a.KeyEnv)
	return v, v != ""
}
