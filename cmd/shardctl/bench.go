package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/IvanBrykalov/shardset/dataset"
	"github.com/IvanBrykalov/shardset/internal/config"
	pmet "github.com/IvanBrykalov/shardset/metrics/prom"
	"github.com/IvanBrykalov/shardset/workpool"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "run a synthetic read workload through GetOrLoad on a generated dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Usage: "dataset directory (default: a temp dir removed afterwards)"},
			&cli.Int64Flag{Name: "shard-length", Value: 1024, Usage: "elements per shard for a new dataset"},
			&cli.IntFlag{Name: "keys", Value: 10_000, Usage: "keyspace size in shards"},
			&cli.StringFlag{Name: "max-size", Value: "64MiB", Usage: "disk bound enforced by eviction"},
			&cli.IntFlag{Name: "readers", Value: 2 * runtime.GOMAXPROCS(0), Usage: "reader goroutines"},
			&cli.IntFlag{Name: "workers", Usage: "prefetch pool size (default: config workers or GOMAXPROCS)"},
			&cli.IntFlag{Name: "prefetch", Value: 1, Usage: "shards to prefetch after each read"},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second, Usage: "benchmark duration"},
			&cli.Float64Flag{Name: "zipf-s", Value: 1.1, Usage: "Zipf s > 1 (skew)"},
			&cli.Float64Flag{Name: "zipf-v", Value: 1.0, Usage: "Zipf v"},
			&cli.Int64Flag{Name: "seed", Value: time.Now().UnixNano(), Usage: "random seed"},
			&cli.StringFlag{Name: "http", Usage: "serve Prometheus metrics at addr (e.g. :8080); empty = disabled"},
		},
		Action: runBench,
	}
}

// benchLoader generates shard start as the integers [start, start+msl),
// stopping at limit.
func benchLoader(limit int64) dataset.LoadFunc[int64] {
	return func(_ context.Context, d *dataset.Dataset[int64], start int64) error {
		end := min(start+d.MaxShardLength(), limit)
		elems := make([]int64, 0, end-start)
		for i := start; i < end; i++ {
			elems = append(elems, i)
		}
		_, err := d.WriteShard(start, elems)
		return err
	}
}

func runBench(ctx context.Context, cmd *cli.Command) error {
	s, err := setup(cmd)
	if err != nil {
		return err
	}
	root := cmd.String("root")
	if root == "" {
		if root, err = os.MkdirTemp("", "shardctl-bench-"); err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(root) }()
	}
	if cmd.IsSet("max-size") || s.maxSize == 0 {
		if s.maxSize, err = config.ParseSize(cmd.String("max-size")); err != nil {
			return err
		}
	}
	workers := cmd.Int("workers")
	if workers <= 0 {
		workers = s.workers
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	msl := cmd.Int64("shard-length")
	if s.maxShardLength > 0 && !cmd.IsSet("shard-length") {
		msl = s.maxShardLength
	}
	keys := cmd.Int("keys")
	if keys < 1 {
		return errors.New("--keys must be positive")
	}
	zipfS, zipfV := cmd.Float64("zipf-s"), cmd.Float64("zipf-v")
	if zipfS <= 1 || zipfV < 1 {
		return errors.New("--zipf-s must be > 1 and --zipf-v >= 1")
	}

	// ---- Prometheus metrics ----
	reg := prometheus.NewRegistry()
	metrics := pmet.New(reg, "shardset", "bench", nil)
	if addr := cmd.String("http"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.WithField("addr", addr).Info("metrics: serving")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	// ---- Dataset + pool ----
	limit := int64(keys) * msl
	d, err := dataset.Open(root, dataset.Options[int64]{
		MaxShardLength: msl,
		Length:         limit,
		LengthFinal:    true,
		Compression:    s.compression,
		MaxSize:        s.maxSize,
		Loader:         benchLoader(limit),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	pool := workpool.New(workers)
	defer func() { _ = pool.Close() }()

	// ---- Load generation ----
	var reads, errs atomic.Uint64
	runCtx, cancel := context.WithTimeout(ctx, cmd.Duration("duration"))
	defer cancel()

	readers := max(cmd.Int("readers"), 1)
	seed := cmd.Int64("seed")
	prefetch := int64(cmd.Int("prefetch"))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(readers)
	for r := 0; r < readers; r++ {
		go func(id int) {
			defer wg.Done()

			// rand.Rand is not goroutine-safe: one per reader.
			rng := rand.New(rand.NewSource(seed + int64(id)*9973))
			zipf := rand.NewZipf(rng, zipfS, zipfV, uint64(keys-1))

			for runCtx.Err() == nil {
				key := int64(zipf.Uint64()) * msl
				if _, err := d.GetOrLoad(runCtx, key); err != nil {
					if runCtx.Err() != nil {
						return
					}
					errs.Add(1)
					log.WithError(err).WithField("start", key).Debug("read failed")
					continue
				}
				reads.Add(1)
				if prefetch > 0 {
					next := key + msl
					if _, err := d.Prefetch(runCtx, next, next+prefetch*msl, pool); err != nil {
						log.WithError(err).Debug("prefetch rejected")
					}
				}
			}
		}(r)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	st := d.Stats()
	size, err := d.Size()
	if err != nil {
		return err
	}
	hitRate := 0.0
	if st.Hits+st.Misses > 0 {
		hitRate = float64(st.Hits) / float64(st.Hits+st.Misses) * 100
	}
	w := out(cmd)
	fmt.Fprintf(w, "root=%s shard-length=%d keys=%d readers=%d workers=%d dur=%v seed=%d\n",
		root, msl, keys, readers, workers, elapsed.Round(time.Millisecond), seed)
	fmt.Fprintf(w, "reads=%d (%.0f reads/s)  errors=%d\n",
		reads.Load(), float64(reads.Load())/elapsed.Seconds(), errs.Load())
	fmt.Fprintf(w, "hits=%d  misses=%d  hit-rate=%.2f%%  loads=%d  evictions=%d\n",
		st.Hits, st.Misses, hitRate, st.Loads, st.Evictions)
	fmt.Fprintf(w, "size=%s  max-size=%s\n", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.maxSize)))
	return nil
}
