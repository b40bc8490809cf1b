package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/api"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/breaker"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/retry"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/storage"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/worker"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := getenv("BIDWORKER_DB", "./bidworker.db")
	addr := getenv("BIDWORKER_ADDR", ":8090")
	gatewayURL := getenv("BIDWORKER_GATEWAY_URL", "http://localhost:8091")
	marketplaces := strings.Split(getenv("BIDWORKER_MARKETPLACES", "default"), ",")

	cfg := worker.Config{
		LockTTL:            getenvDur("BIDWORKER_LOCK_TTL", 300*time.Second),
		LockAcquireTimeout: getenvDur("BIDWORKER_LOCK_ACQUIRE_TIMEOUT", 10*time.Second),
		FreshnessTTL:       getenvDur("BIDWORKER_FRESHNESS_TTL", 24*time.Hour),
		BreakerThreshold:   getenvInt("BIDWORKER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:    getenvDur("BIDWORKER_BREAKER_COOLDOWN", 300*time.Second),
		PoolMax:            getenvInt("BIDWORKER_POOL_MAX", 3),
	}.WithDefaults()

	db, err := storage.Open(ctx, storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	logger := obs.NewLogger()
	metrics := obs.NewMetrics()

	lockStore := coord.NewSQLiteStore(db.DB)
	locks := coord.NewManager(lockStore, logger, metrics, coord.Options{
		TTL:            cfg.LockTTL,
		AcquireTimeout: cfg.LockAcquireTimeout,
	})
	mon := coord.NewExpirationMonitor(db.DB, logger, metrics, 500*time.Millisecond)

	bids := bid.NewStore(db.DB, logger, metrics)
	gate := bid.NewGate(locks, bids, bid.GateConfig{
		FreshnessTTL:   cfg.FreshnessTTL,
		LockTTL:        cfg.LockTTL,
		AcquireTimeout: cfg.LockAcquireTimeout,
	}, logger, metrics)

	brk := breaker.New(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
		Logger:    logger,
		Metrics:   metrics,
	})

	gw := newGatewayClient(gatewayURL)
	sessions := pool.New(gw.newSession, cfg.PoolMax, logger, metrics)
	defer sessions.Close(context.Background())

	retrier := retry.Retrier{
		Backoff:    retry.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
		Metrics:    metrics,
	}
	withdrawals := bid.NewWithdrawalService(bids, retrier, logger, metrics)
	for _, mp := range marketplaces {
		mp = strings.TrimSpace(mp)
		if mp != "" {
			withdrawals.Register(mp, gw)
		}
	}

	wk := worker.New(cfg, gate, bids, brk, sessions, gw, logger)
	apiServer := api.NewServer(wk, bids, withdrawals)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	// Start expiration monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx) // exits when ctx is cancelled
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("bidworker up addr=%s db=%s gateway=%s", addr, dbPath, gatewayURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	// Wait for signal
	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("bidworker stopped")
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: bad duration %q: %v", k, v, err)
	}
	return d
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: bad int %q: %v", k, v, err)
	}
	return n
}
