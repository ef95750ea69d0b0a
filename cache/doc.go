// Package cache provides an asynchronous, backend-agnostic cache engine.
//
// Design
//
//   - Engine vs storage: AsyncCache owns the policy (miss handling, load
//     deduplication, eviction ordering, async submission). Storage lives in a
//     Backend, which supplies six primitives: Peek, Delete, Touch, KeysByAge,
//     Size and Contains. Dict is the in-memory backend; package dataset
//     provides a disk-backed one.
//
//   - Loading: a miss in GetOrLoad runs the configured loader, which is
//     expected to store the value in the backend itself (Dict.Set,
//     Dataset.WriteShard, ...). The engine then re-reads the backend.
//     Without a loader every load fails with ErrNotLoadable.
//
//   - Deduplication: concurrent GetOrLoad calls for one key share a single
//     load (singleflight). LoadAsync skips keys that are present or already
//     in flight; the in-flight counters are a hint, not a lock, so a race can
//     at worst cause a redundant load.
//
//   - Eviction: after every load, Evict deletes keys oldest-timestamp-first
//     until Backend.Size() <= Options.MaxSize. Timestamps are refreshed on
//     every hit and every load.
//
//   - Async: LoadAsync hands one batched load to an Executor (for example
//     workpool.Pool) and returns a Task; errors surface through Task.Wait.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Load/Evict/Size signals.
//     NoopMetrics is the default; metrics/prom exports them to Prometheus.
//
// Basic usage
//
//	d := cache.NewDict[string, []byte](cache.DictOptions[string, []byte]{
//	    MaxSize: 10_000,
//	    Loader: func(ctx context.Context, d *cache.Dict[string, []byte], k string) error {
//	        v, err := fetch(ctx, k)
//	        if err != nil {
//	            return err
//	        }
//	        d.Set(k, v)
//	        return nil
//	    },
//	})
//	v, err := d.GetOrLoad(ctx, "key")
//
// Prefetching
//
//	pool := workpool.New(8)
//	defer pool.Close()
//	task, err := d.LoadAsync(ctx, []string{"a", "b", "c"}, pool)
//	// ... later
//	err = task.Wait(ctx)
//
// Non-loading probe
//
//	switch l, _ := d.Lookup("key"); l.Kind {
//	case cache.Hit:
//	    use(l.Value)
//	case cache.Miss:
//	    // absent, GetOrLoad would load it
//	case cache.Unavailable:
//	    // the backend says the key can never exist
//	}
package cache
