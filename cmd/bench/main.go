// Command bench runs a synthetic workload against a cache backend and
// exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/cache"
	pmet "github.com/tiercache/tiercache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		kind       = flag.String("backend", "memory", "backend kind: memory | disk | null")
		maxEntries = flag.Int64("max_entries", 100_000, "entry limit (0 = unbounded)")
		maxBytes   = flag.Int64("max_bytes", 0, "byte limit (0 = unbounded)")
		dir        = flag.String("dir", "", "storage directory for the disk backend (default: temp)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int64("preload", 0, "preload entries (0 = max_entries/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	rec := pmet.New(nil, "tiercache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build the backend under test ----
	cfg := backend.Config{
		Name:       "bench",
		Kind:       backend.Kind(*kind),
		MaxEntries: *maxEntries,
		MaxBytes:   *maxBytes,
	}
	if cfg.Kind == backend.KindDisk {
		d := *dir
		if d == "" {
			d = filepath.Join(".", "bench-data")
		}
		cfg.StoragePath = filepath.Join(d, "bench.db")
	}

	m := cache.New(cache.WithRecorder(rec), cache.WithDefaultBackend(cfg))
	defer func() { _ = m.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *maxEntries / 2
	}
	for i := int64(0); i < pl; i++ {
		k := "k:" + strconv.FormatInt(i, 10)
		if err := m.Set(context.Background(), "", "bench", k, []byte("v"+strconv.FormatInt(i, 10)), backend.NoTTL); err != nil {
			log.Fatalf("preload: %v", err)
		}
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, err := m.Get(ctx, "", "bench", keyByZipf()); err == nil {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					k := keyByZipf()
					_ = m.Set(ctx, "", "bench", k, []byte("v"+strconv.Itoa(localR.Int())), backend.NoTTL)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("backend=%s max_entries=%d max_bytes=%d workers=%d keys=%d dur=%v seed=%d\n",
		*kind, *maxEntries, *maxBytes, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)

	if st, err := m.Size(context.Background(), ""); err == nil {
		fmt.Printf("entries=%d bytes=%d\n", st.Entries, st.Bytes)
	}
}
