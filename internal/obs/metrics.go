package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LockAttempts prometheus.Counter
	LockAcquire  *prometheus.CounterVec // result=success|conflict|timeout|busy
	LockRelease  *prometheus.CounterVec // result=success|not_holder|busy
	LocksHeld    prometheus.Gauge
	ExpiredTotal prometheus.Counter

	OpLatencyMS *prometheus.HistogramVec // op=acquire|release|gate|withdraw

	GateDecisions *prometheus.CounterVec // decision=proceed|skip_duplicate|skip_stale

	BreakerTransitions *prometheus.CounterVec // target, state=open|closed

	PoolInUse     prometheus.Gauge
	PoolAvailable prometheus.Gauge
	PoolExhausted prometheus.Counter

	RetryAttempts *prometheus.CounterVec // op
	Withdrawals   *prometheus.CounterVec // result=success|failed
}

func NewMetrics() *Metrics {
	m := &Metrics{
		LockAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bid_lock_attempts_total",
			Help: "Total lock acquisition attempts against the coordination store",
		}),
		LockAcquire: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_lock_acquire_total",
				Help: "Lock acquisition outcomes by result",
			},
			[]string{"result"},
		),
		LockRelease: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_lock_release_total",
				Help: "Lock release outcomes by result",
			},
			[]string{"result"},
		),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bid_locks_held",
			Help: "Number of currently held (unexpired) bid locks",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bid_lock_expired_total",
			Help: "Leases that expired without release and were cleared by the monitor",
		}),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bid_op_latency_ms",
				Help:    "Latency of coordination operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_gate_decisions_total",
				Help: "Deduplication gate decisions",
			},
			[]string{"decision"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_breaker_transitions_total",
				Help: "Circuit breaker state transitions per target",
			},
			[]string{"target", "state"},
		),
		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bid_pool_in_use",
			Help: "Session pool handles currently checked out",
		}),
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bid_pool_available",
			Help: "Session pool handles idle and healthy",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bid_pool_exhausted_total",
			Help: "Acquire attempts that timed out waiting for a pool slot",
		}),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_retry_attempts_total",
				Help: "Retry attempts by operation",
			},
			[]string{"op"},
		),
		Withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bid_withdrawals_total",
				Help: "Withdrawal outcomes",
			},
			[]string{"result"},
		),
	}

	prometheus.MustRegister(
		m.LockAttempts,
		m.LockAcquire,
		m.LockRelease,
		m.LocksHeld,
		m.ExpiredTotal,
		m.OpLatencyMS,
		m.GateDecisions,
		m.BreakerTransitions,
		m.PoolInUse,
		m.PoolAvailable,
		m.PoolExhausted,
		m.RetryAttempts,
		m.Withdrawals,
	)

	return m
}
