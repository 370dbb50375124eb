// Grounded on the teacher's internal/interfaces/http.HealthHandler: same
// gatherHealthInfo shape (per-provider breaker/quota snapshot folded into
// one JSON response with Go runtime stats), rebuilt against this repo's
// internal/registry instead of the teacher's internal/provider registry,
// and against a per-category ok/degraded/down rule a global
// healthy-provider ratio can't express: a category with nine dead
// providers and one healthy one is fully served, not 10% healthy.
package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/marketgw/gateway/internal/circuit"
	"github.com/marketgw/gateway/internal/domain"
	"github.com/marketgw/gateway/internal/registry"
)

var startTime = time.Now()

const (
	categoryOKWindow   = 5 * time.Minute
	categoryDownWindow = 15 * time.Minute
)

type healthResponse struct {
	Status     string                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	UptimeMS   int64                     `json:"uptime_ms"`
	System     systemInfo                `json:"system"`
	Providers  map[string]providerHealth `json:"providers"`
	Categories map[string]string         `json:"categories"`
	Summary    providerSummary           `json:"summary"`
}

type systemInfo struct {
	Goroutines  int    `json:"goroutines"`
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	NumGC       uint32 `json:"num_gc"`
}

type providerHealth struct {
	BreakerState string     `json:"breaker_state"`
	QuotaUsed    int64      `json:"quota_used"`
	QuotaLimit   int64      `json:"quota_limit"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
}

type providerSummary struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

func newHealthHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := gatherHealth(reg)
		status := http.StatusOK
		if resp.Status == "down" {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}

// gatherHealth computes a per-category status (ok/degraded/down) from each
// category's provider breaker states and last-success timestamps, then
// rolls the worst category status up into the overall status. A category
// is ok iff at least one of its providers is closed-circuit and has
// succeeded within categoryOKWindow; down iff none of its providers has
// succeeded within categoryDownWindow; degraded otherwise.
func gatherHealth(reg *registry.Registry) healthResponse {
	providers := make(map[string]providerHealth)
	breakerStats := reg.Breakers.AllStats()
	quotaStats := reg.Quotas.AllStats()
	byCategory := make(map[domain.Category][]string)

	summary := providerSummary{}
	for _, spec := range reg.All() {
		summary.Total++
		stats := breakerStats[spec.ID]
		q := quotaStats[spec.ID]
		byCategory[spec.Category] = append(byCategory[spec.Category], spec.ID)

		ph := providerHealth{
			BreakerState: stats.State.String(),
			QuotaUsed:    q.DailyUsed,
			QuotaLimit:   q.DailyLimit,
		}
		if !stats.LastSuccess.IsZero() {
			ls := stats.LastSuccess
			ph.LastSuccess = &ls
		}
		providers[spec.ID] = ph

		switch stats.State {
		case circuit.StateClosed:
			summary.Healthy++
		case circuit.StateHalfOpen:
			summary.Degraded++
		case circuit.StateOpen:
			summary.Failed++
		}
	}

	now := time.Now()
	categories := make(map[string]string, len(byCategory))
	overall := "ok"
	for cat, ids := range byCategory {
		status := "down"
		for _, id := range ids {
			stats := breakerStats[id]
			if stats.LastSuccess.IsZero() {
				continue
			}
			age := now.Sub(stats.LastSuccess)
			if stats.State == circuit.StateClosed && age <= categoryOKWindow {
				status = "ok"
				break
			}
			if age <= categoryDownWindow {
				status = "degraded"
			}
		}
		categories[string(cat)] = status
		overall = worseStatus(overall, status)
	}
	if len(byCategory) == 0 {
		overall = "degraded"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return healthResponse{
		Status:    overall,
		Timestamp: now,
		UptimeMS:  time.Since(startTime).Milliseconds(),
		System: systemInfo{
			Goroutines:  runtime.NumGoroutine(),
			HeapAllocMB: memStats.HeapAlloc / (1024 * 1024),
			NumGC:       memStats.NumGC,
		},
		Providers:  providers,
		Categories: categories,
		Summary:    summary,
	}
}

// worseStatus returns whichever of a, b ranks worse on the ok < degraded <
// down scale.
func worseStatus(a, b string) string {
	rank := map[string]int{"ok": 0, "degraded": 1, "down": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
