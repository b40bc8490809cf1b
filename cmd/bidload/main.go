package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/storage"
)

// Contention harness: many workers race the dedup gate over a small set
// of postings and the run reports how often the lock versus the unique
// constraint resolved the race. The key correctness check is printed at
// the end: active bids must equal distinct postings, never more.
func main() {
	var (
		dbPath    = flag.String("db", "", "SQLite path (default: temp file)")
		workers   = flag.Int("workers", 50, "number of concurrent workers")
		postings  = flag.Int("postings", 10, "number of distinct postings")
		duration  = flag.Duration("duration", 10*time.Second, "test duration")
		lockTTL   = flag.Duration("ttl", 2*time.Second, "lock ttl")
		hold      = flag.Duration("hold", 20*time.Millisecond, "time spent acting while holding the lock")
		staleFrac = flag.Float64("stalefrac", 0.05, "probability a posting snapshot is served stale")
	)
	flag.Parse()

	if *dbPath == "" {
		dir, err := os.MkdirTemp("", "bidload")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dir)
		*dbPath = filepath.Join(dir, "bidload.db")
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{
		Path:         *dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	locks := coord.NewManager(coord.NewSQLiteStore(db.DB), nil, nil, coord.Options{
		TTL:            *lockTTL,
		AcquireTimeout: 2 * time.Second,
	})
	bids := bid.NewStore(db.DB, nil, nil)
	gate := bid.NewGate(locks, bids, bid.GateConfig{
		FreshnessTTL:   1 * time.Hour,
		LockTTL:        *lockTTL,
		AcquireTimeout: 2 * time.Second,
	}, nil, nil)

	var (
		proceed   int64
		skipDup   int64
		skipStale int64
		placed    int64
		caught    int64 // constraint-caught duplicates
		errCount  int64
	)

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	wg := sync.WaitGroup{}
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + rand.Int63()))

			for runCtx.Err() == nil {
				postingID := fmt.Sprintf("post-%d", rng.Intn(*postings))
				cachedAt := time.Now()
				if rng.Float64() < *staleFrac {
					cachedAt = cachedAt.Add(-2 * time.Hour)
				}

				dec, err := gate.ShouldAct(runCtx, "loadtest", postingID, cachedAt)
				if err != nil {
					if runCtx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}
				switch dec.Kind {
				case bid.SkipStale:
					atomic.AddInt64(&skipStale, 1)
				case bid.SkipDuplicate:
					atomic.AddInt64(&skipDup, 1)
				case bid.Proceed:
					atomic.AddInt64(&proceed, 1)
					time.Sleep(*hold) // the external action

					b := &bid.Bid{MarketplaceID: "loadtest", PostingID: postingID, PostingCachedAt: cachedAt}
					switch err := bids.InsertActive(runCtx, b); err {
					case nil:
						atomic.AddInt64(&placed, 1)
					case bid.ErrDuplicateActive:
						atomic.AddInt64(&caught, 1)
					default:
						atomic.AddInt64(&errCount, 1)
					}
					gate.Release(runCtx, dec.Lease)
				}

				time.Sleep(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	active, err := bids.List(ctx, bid.StatusActive, *postings*2)
	if err != nil {
		log.Fatalf("list active: %v", err)
	}

	fmt.Println("=== Bid Coordination Contention Test ===")
	fmt.Printf("duration: %s, workers: %d, postings: %d\n", elapsed, *workers, *postings)
	fmt.Printf("proceed:            %d\n", proceed)
	fmt.Printf("skip_duplicate:     %d\n", skipDup)
	fmt.Printf("skip_stale:         %d\n", skipStale)
	fmt.Printf("bids_placed:        %d\n", placed)
	fmt.Printf("constraint_caught:  %d\n", caught)
	fmt.Printf("errors:             %d\n", errCount)
	fmt.Printf("active_rows:        %d (distinct postings: %d)\n", len(active), *postings)

	if len(active) > *postings {
		fmt.Println("DEDUP INVARIANT: FAIL (more active bids than postings)")
		os.Exit(1)
	}
	fmt.Println("DEDUP INVARIANT: PASS (at most one active bid per posting)")
}
