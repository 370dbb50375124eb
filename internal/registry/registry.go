// Package registry holds the loaded provider catalog and the runtime
// infrastructure (rate limiter, circuit breaker, quota tracker) wired to
// each provider, and exposes priority-ordered fallback chains per category.
//
// Grounded on the teacher's internal/provider registry concept (a
// category -> ordered-provider-list lookup feeding the dispatcher), rebuilt
// from scratch here since the teacher's version was scanner-specific.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketgw/gateway/internal/circuit"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/quota"
	"github.com/marketgw/gateway/internal/ratelimit"
)

// KnownParsers is the set of parser_id values a Normalizer exists for.
// Validated against the catalog at registry build time, since the
// config package alone cannot know which normalizers are compiled in.
var KnownParsers = map[string]bool{
	"coingecko_listings": true,
	"coingecko_quotes":   true,
	"okx_quotes":         true,
	"okx_historical":     true,
	"alternative_me_fng": true,
	"cryptopanic_news":   true,
	"newsapi_news":       true,
	"whale_alert_tx":     true,
	"defillama_tvl":      true,
	"thegraph_tvl":       true,
}

// Registry is the runtime view of the loaded provider catalog: specs plus
// their per-provider rate limiter, circuit breaker, and quota tracker.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]config.ProviderSpec
	chains   map[domain.Category][]string // provider IDs, priority order
	Limiters *ratelimit.Manager
	Breakers *circuit.Manager
	Quotas   *quota.Manager
}

// Build rejects any provider whose parser_id is not in KnownParsers, drops
// providers missing a required credential, and wires runtime
// infrastructure for every surviving provider. The other catalog
// invariants are checked by config.Catalog.Validate, not here.
func Build(cat *config.Catalog) (*Registry, error) {
	r := &Registry{
		specs:    make(map[string]config.ProviderSpec),
		chains:   make(map[domain.Category][]string),
		Limiters: ratelimit.NewManager(),
		Breakers: circuit.NewManager(),
		Quotas:   quota.NewManager(),
	}

	for _, p := range cat.Providers {
		if !KnownParsers[p.ParserID] {
			return nil, fmt.Errorf("provider %s: unknown parser_id %q", p.ID, p.ParserID)
		}

		if p.Auth.RequiresAuth() {
			if _, ok := p.Auth.APIKey(); !ok {
				log.Warn().Str("provider", p.ID).Str("env", p.Auth.KeyEnv).
					Msg("skipping provider: credential env var unset")
				continue
			}
		}

		r.specs[p.ID] = p
		r.chains[p.Category] = append(r.chains[p.Category], p.ID)

		r.Limiters.Register(p.ID, p.RateLimit.MaxTokens, p.RateLimit.RefillPerWindow,
			time.Duration(p.RateLimit.WindowMS)*time.Millisecond)
		r.Breakers.Register(p.ID, circuit.Config{
			FailureThreshold: p.Circuit.FailureThreshold,
			SuccessThreshold: p.Circuit.SuccessThreshold,
			OpenDuration:     p.Circuit.OpenDuration(),
		})
		r.Quotas.Register(p.ID, p.Quota.DailyLimit, p.Quota.MonthlyLimit)
	}

	for category, ids := range r.chains {
		sort.Slice(ids, func(i, j int) bool {
			return r.specs[ids[i]].Priority < r.specs[ids[j]].Priority
		})
		r.chains[category] = ids
	}

	return r, nil
}

// ChainFor returns the priority-ordered provider IDs for category.
func (r *Registry) ChainFor(category domain.Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[category]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// Get returns the spec for providerID.
func (r *Registry) Get(providerID string) (config.ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.specs[providerID]
	return p, ok
}

// All returns every registered provider spec.
func (r *Registry) All() []config.ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.ProviderSpec, 0, len(r.specs))
	for _, p := range r.specs {
		out = append(out, p)
	}
	return out
}

