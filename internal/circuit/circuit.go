// Package circuit implements a three-state (closed/open/half-open) circuit
// breaker, one per provider.
//
// Grounded on the teacher's internal/net/circuit.Breaker (same State enum,
// same consecutive-failure/consecutive-success counters, same
// open-after-timeout-then-half-open recovery). Adapted from a Call(ctx, fn)
// wrapper to three explicit outcome methods, because the dispatcher needs
// to classify an HTTP response into one of three buckets before deciding
// whether the breaker should see it at all: a plain 4xx (not 429) is a
// client-side/bypass outcome that must never move the consecutive-failure
// count, which doesn't fit a binary success/fail callback.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is rejecting requests.
var ErrOpen = errors.New("circuit breaker is open")

// State is one of closed, open, or half-open.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parameterizes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures to open from closed
	SuccessThreshold int           // consecutive successes to close from half-open
	OpenDuration     time.Duration // time spent open before probing half-open
}

// Breaker is a single provider's circuit breaker.
type Breaker struct {
	mu              sync.RWMutex
	cfg             Config
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	lastStateChange time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalBypassed   int64

	// halfOpenProbe is true while a single half-open probe call is
	// in-flight. Allow grants at most one probe at a time; concurrent
	// callers are rejected until OnSuccess/OnFailure resolves it.
	halfOpenProbe bool
}

// NewBreaker creates a breaker starting closed.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastStateChange: time.Now()}
}

// Allow reports whether a request may proceed, transitioning open->half-open
// when the open timeout has elapsed. Half-open grants at most one in-flight
// probe; concurrent callers are rejected until that probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cfg.OpenDuration {
			b.setState(StateHalfOpen)
			b.halfOpenProbe = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbe {
			return false
		}
		b.halfOpenProbe = true
		return true
	default:
		return false
	}
}

// OnSuccess records a successful (2xx) response.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.lastSuccessTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenProbe = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// OnFailure records a breaker-relevant failure: a 5xx, a transport error, or
// a 429 where isLastAttempt is true (no further fallback provider remains
// for this request, so the rate-limit signal is treated as a real outage).
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenProbe = false
		b.setState(StateOpen)
		b.successes = 0
	}
}

// OnBypass records a client-side 4xx (not 429) or any other outcome the
// breaker should observe for stats but must not count toward opening or
// closing the circuit. Consecutive failure/success counts are left
// untouched.
func (b *Breaker) OnBypass() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalBypassed++
	if b.state == StateHalfOpen {
		b.halfOpenProbe = false
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.lastStateChange = time.Now()
	if s == StateHalfOpen {
		b.failures = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a point-in-time snapshot for /health and /metrics.
type Stats struct {
	State           State
	ConsecutiveFail int
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalBypassed   int64
	LastStateChange time.Time
	LastSuccess     time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:           b.state,
		ConsecutiveFail: b.failures,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalBypassed:   b.totalBypassed,
		LastStateChange: b.lastStateChange,
		LastSuccess:     b.lastSuccessTime,
	}
}

// Manager owns one Breaker per provider ID.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty breaker manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Register installs a breaker for providerID, replacing any existing one.
func (m *Manager) Register(providerID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[providerID] = NewBreaker(cfg)
}

// Get returns providerID's breaker, creating a default one if absent.
func (m *Manager) Get(providerID string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[providerID]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists := m.breakers[providerID]; exists {
		return b
	}
	b = NewBreaker(Config{})
	m.breakers[providerID] = b
	return b
}

// AllStats snapshots every registered breaker, keyed by provider ID.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.Stats()
	}
	return out
}
