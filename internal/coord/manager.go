package coord

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// Lease is proof of a successful acquisition. Consumers pass it back to
// Release/Extend; the Holder token is what prevents a stale process from
// releasing a lock it no longer owns.
type Lease struct {
	Key    string
	Holder string
	Expiry time.Time
}

// Options controls acquisition behavior. Zero values fall back to the
// production defaults.
type Options struct {
	TTL            time.Duration // lease validity; default 300s
	AcquireTimeout time.Duration // overall acquire bound; default 10s
	RetryMin       time.Duration // backoff floor; default 50ms
	RetryMax       time.Duration // backoff ceiling; default 1s
	JitterFrac     float64       // default 0.2 (20%)
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 300 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 10 * time.Second
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 1 * time.Second
	}
	if o.JitterFrac <= 0 {
		o.JitterFrac = 0.2
	}
	return o
}

// Manager is the distributed lock manager. It never blocks past the
// acquire timeout and never errors on contention; "someone else holds it"
// is a normal outcome, reported as acquired=false.
type Manager struct {
	store   Store
	logger  *obs.Logger
	metrics *obs.Metrics
	opts    Options

	mu  sync.Mutex
	rng *rand.Rand
}

func NewManager(store Store, logger *obs.Logger, metrics *obs.Metrics, opts Options) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		metrics: metrics,
		opts:    opts.withDefaults(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire tries to take key with a fresh holder token, retrying with
// bounded jittered backoff until success or timeout. acquired=false means
// the key stayed held by someone else for the whole window.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (Lease, bool, error) {
	if key == "" {
		return Lease{}, false, fmt.Errorf("lock key required")
	}
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	if timeout <= 0 {
		timeout = m.opts.AcquireTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)
	holder := uuid.NewString()

	var conflicts int
	for attempt := 0; ; attempt++ {
		if m.metrics != nil {
			m.metrics.LockAttempts.Inc()
		}

		won, err := m.store.SetIfAbsent(ctx, key, holder, ttl)
		if err != nil && err != ErrStoreBusy {
			m.logAcquire(key, holder, false, conflicts, start, err)
			return Lease{}, false, err
		}
		if err == ErrStoreBusy {
			if m.metrics != nil {
				m.metrics.LockAcquire.WithLabelValues("busy").Inc()
			}
		} else if won {
			if m.metrics != nil {
				m.metrics.LockAcquire.WithLabelValues("success").Inc()
				m.metrics.OpLatencyMS.WithLabelValues("acquire").Observe(float64(time.Since(start).Milliseconds()))
			}
			m.logAcquire(key, holder, true, conflicts, start, nil)
			return Lease{Key: key, Holder: holder, Expiry: time.Now().Add(ttl)}, true, nil
		} else {
			conflicts++
			if m.metrics != nil {
				m.metrics.LockAcquire.WithLabelValues("conflict").Inc()
			}
		}

		sleep := m.backoff(attempt)
		if time.Now().Add(sleep).After(deadline) {
			if m.metrics != nil {
				m.metrics.LockAcquire.WithLabelValues("timeout").Inc()
				m.metrics.OpLatencyMS.WithLabelValues("acquire").Observe(float64(time.Since(start).Milliseconds()))
			}
			m.logAcquire(key, holder, false, conflicts, start, nil)
			return Lease{}, false, nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release clears the key only while the lease's holder token still owns
// it. A stale release (lease expired, someone else acquired) returns
// false and logs; it never clobbers the new holder and never raises.
func (m *Manager) Release(ctx context.Context, l Lease) (bool, error) {
	start := time.Now()
	ok, err := m.store.DeleteIfValue(ctx, l.Key, l.Holder)
	if err != nil {
		if err == ErrStoreBusy {
			if m.metrics != nil {
				m.metrics.LockRelease.WithLabelValues("busy").Inc()
			}
			return false, nil
		}
		return false, err
	}

	result := "success"
	if !ok {
		result = "not_holder"
	}
	if m.metrics != nil {
		m.metrics.LockRelease.WithLabelValues(result).Inc()
		m.metrics.OpLatencyMS.WithLabelValues("release").Observe(float64(time.Since(start).Milliseconds()))
	}
	if m.logger != nil {
		m.logger.Info(map[string]interface{}{
			"op":         "release",
			"lock":       l.Key,
			"holder":     l.Holder,
			"released":   ok,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
	return ok, nil
}

// Extend pushes a held lease's expiry to now+ttl. false means the lease
// already expired or was reassigned; the caller must stop treating the
// critical section as protected.
func (m *Manager) Extend(ctx context.Context, l Lease, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	ok, err := m.store.ExtendIfValue(ctx, l.Key, l.Holder, ttl)
	if err == ErrStoreBusy {
		return false, nil
	}
	return ok, err
}

// WithLock runs fn while holding key, releasing on every exit path
// including panic and context cancellation. Returns *NotAcquiredError
// when the lock could not be taken within the timeout.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, timeout time.Duration, fn func(ctx context.Context) error) error {
	lease, ok, err := m.Acquire(ctx, key, ttl, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return &NotAcquiredError{Key: key, Timeout: timeout}
	}
	defer func() {
		// Release must run even when ctx is already cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = m.Release(rctx, lease)
	}()
	return fn(ctx)
}

// KeepAlive extends the lease periodically until ctx is cancelled or the
// lease is lost. The returned channel closes on exit; ErrLeaseLost on it
// means another holder owns the key now.
func (m *Manager) KeepAlive(ctx context.Context, l Lease, interval, extendBy time.Duration) <-chan error {
	errCh := make(chan error, 1)
	if interval <= 0 {
		interval = m.opts.TTL / 3
	}
	if extendBy <= 0 {
		extendBy = m.opts.TTL
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := m.Extend(ctx, l, extendBy)
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
					continue
				}
				if !ok {
					select {
					case errCh <- ErrLeaseLost:
					default:
					}
					return
				}
			}
		}
	}()

	return errCh
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.RetryMin << uint(attempt)
	if d <= 0 || d > m.opts.RetryMax {
		d = m.opts.RetryMax
	}
	m.mu.Lock()
	j := (m.rng.Float64()*2 - 1) * m.opts.JitterFrac
	m.mu.Unlock()
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}

func (m *Manager) logAcquire(key, holder string, acquired bool, conflicts int, start time.Time, err error) {
	if m.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"op":         "acquire",
		"lock":       key,
		"holder":     holder,
		"acquired":   acquired,
		"conflicts":  conflicts,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.Error(fields)
		return
	}
	m.logger.Info(fields)
}
