// Package pool bounds the number of expensive external session handles
// (browser sessions and the like) a worker process keeps alive. Handles
// wrap OS-level resources; leaking them exhausts file descriptors long
// before anything visibly errors, so every acquire must be paired with a
// release or discard.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// Handle is one pooled session.
type Handle interface {
	// Healthy reports whether the handle is still usable.
	Healthy(ctx context.Context) bool
	// Close tears the underlying resource down.
	Close(ctx context.Context) error
}

// Factory creates a fresh handle.
type Factory func(ctx context.Context) (Handle, error)

// ExhaustedError means no slot freed up within the acquire timeout. It is
// retryable, not fatal.
type ExhaustedError struct {
	Max     int
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: max=%d timeout=%s", e.Max, e.Timeout)
}

// Pool is a bounded handle pool. In-use handles never exceed max; idle
// handles are health-checked before reuse and replaced transparently
// when unhealthy.
type Pool struct {
	factory Factory
	max     int
	logger  *obs.Logger
	metrics *obs.Metrics

	sem  chan struct{} // one token per in-use handle
	idle chan Handle

	mu     sync.Mutex
	closed bool
}

func New(factory Factory, max int, logger *obs.Logger, metrics *obs.Metrics) *Pool {
	if max <= 0 {
		max = 3
	}
	return &Pool{
		factory: factory,
		max:     max,
		logger:  logger,
		metrics: metrics,
		sem:     make(chan struct{}, max),
		idle:    make(chan Handle, max),
	}
}

// Acquire returns a healthy handle, waiting up to timeout for a free
// slot. Unhealthy idle handles are discarded and replaced without the
// caller noticing.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Handle, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if p.metrics != nil {
			p.metrics.PoolExhausted.Inc()
		}
		if p.logger != nil {
			p.logger.Error(map[string]interface{}{
				"op":      "pool_acquire",
				"outcome": "exhausted",
				"max":     p.max,
			})
		}
		return nil, &ExhaustedError{Max: p.max, Timeout: timeout}
	}

	// Slot held from here on; give it back on every failure path.
	for {
		select {
		case h := <-p.idle:
			p.gauges()
			if h.Healthy(ctx) {
				p.markInUse(1)
				return h, nil
			}
			// discard and keep looking; capacity is freed for recreation
			_ = h.Close(ctx)
			if p.logger != nil {
				p.logger.Warn(map[string]interface{}{
					"op":      "pool_health_check",
					"outcome": "discarded",
				})
			}
		default:
			h, err := p.factory(ctx)
			if err != nil {
				<-p.sem
				return nil, fmt.Errorf("create pool handle: %w", err)
			}
			p.markInUse(1)
			return h, nil
		}
	}
}

// Release returns a handle to the idle set. The handle must have come
// from Acquire on this pool.
func (p *Pool) Release(ctx context.Context, h Handle) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = h.Close(ctx)
	} else {
		select {
		case p.idle <- h:
		default:
			// cannot happen while acquire/release are paired; be safe anyway
			_ = h.Close(ctx)
		}
	}
	p.markInUse(-1)
	<-p.sem
	p.gauges()
}

// Discard drops a handle that broke mid-use instead of returning it. The
// freed slot allows a fresh handle on the next Acquire.
func (p *Pool) Discard(ctx context.Context, h Handle) {
	_ = h.Close(ctx)
	p.markInUse(-1)
	<-p.sem
	p.gauges()
}

// Close tears down all idle handles. In-use handles are closed as they
// are released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case h := <-p.idle:
			_ = h.Close(ctx)
		default:
			p.gauges()
			return
		}
	}
}

func (p *Pool) markInUse(delta float64) {
	if p.metrics != nil {
		p.metrics.PoolInUse.Add(delta)
	}
}

func (p *Pool) gauges() {
	if p.metrics != nil {
		p.metrics.PoolAvailable.Set(float64(len(p.idle)))
	}
}
