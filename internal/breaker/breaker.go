// Package breaker isolates external targets that are failing
// consistently, so workers stop burning pool handles and retries on them.
package breaker

import (
	"sync"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

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

// Config tunes the breaker. Zero values fall back to the production
// defaults (5 failures in a 300s window, 300s cooldown).
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration

	// Now is injected for testability; nil means time.Now.
	Now func() time.Time

	Logger  *obs.Logger
	Metrics *obs.Metrics
}

type targetState struct {
	failures  []time.Time
	unbreakAt time.Time // zero while closed
}

// Breaker is a per-target failure tracker. Pragmatic two-state variant:
// open until unbreakAt, implicitly closed after. State() reports
// half-open between unbreakAt and the next recorded success so operators
// can see probe windows.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	targets map[string]*targetState
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cfg:     cfg,
		targets: make(map[string]*targetState),
	}
}

// Allow reports whether requests to target may proceed.
func (b *Breaker) Allow(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.targets[target]
	if !ok {
		return true
	}
	return !b.cfg.Now().Before(ts.unbreakAt)
}

// RecordFailure appends a failure, prunes the sliding window, and opens
// the breaker once the threshold is reached within the window.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	ts := b.targets[target]
	if ts == nil {
		ts = &targetState{}
		b.targets[target] = ts
	}

	ts.failures = append(ts.failures, now)
	ts.failures = prune(ts.failures, now.Add(-b.cfg.Window))

	// Already open: keep the original unbreak time, don't extend it.
	if len(ts.failures) >= b.cfg.Threshold && !now.Before(ts.unbreakAt) {
		ts.unbreakAt = now.Add(b.cfg.Cooldown)
		b.transition(target, "open", now)
	}
}

// RecordSuccess clears the failure history and closes the breaker for
// target.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.targets[target]
	if !ok {
		return
	}
	wasTripped := !ts.unbreakAt.IsZero()
	ts.failures = nil
	ts.unbreakAt = time.Time{}
	if wasTripped {
		b.transition(target, "closed", b.cfg.Now())
	}
}

// State reports the current state for target.
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.targets[target]
	if !ok || ts.unbreakAt.IsZero() {
		return StateClosed
	}
	if b.cfg.Now().Before(ts.unbreakAt) {
		return StateOpen
	}
	// Cooldown elapsed but no success recorded yet: probing.
	return StateHalfOpen
}

// Reset forces target back to closed, dropping its history.
func (b *Breaker) Reset(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, target)
}

func (b *Breaker) transition(target, state string, now time.Time) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.BreakerTransitions.WithLabelValues(target, state).Inc()
	}
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn(map[string]interface{}{
			"op":     "breaker_transition",
			"target": target,
			"state":  state,
			"ts_ns":  now.UnixNano(),
		})
	}
}

func prune(failures []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(failures); i++ {
		if failures[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return failures
	}
	return append(failures[:0], failures[i:]...)
}
