// Package dataset is a disk-backed backend for cache.AsyncCache: an
// append-mostly sequence of elements stored as fixed-capacity shard files.
//
// Directory layout under the root:
//
//	metadata.json               max_shard_length, length, compression, version, info
//	completed                   zero-byte marker: the length is final
//	shards/{start}.{end}.shard.{codec}[.{compression}]
//	locks/writer_lock.lock      cross-process flock
//	scratch/                    temp files renamed into shards/ on commit
//
// Shard keys are start indexes aligned to MaxShardLength. A shard holds at
// most MaxShardLength elements; a shorter shard is the last one and fixes
// the dataset length. Writes are committed atomically with a rename, and
// when several files exist for the same start the one with the greatest
// end wins and the others are removed.
//
// Any number of processes may open the same root. Until the dataset is
// finalized they serialize metadata and directory access through the
// writer lock; a dataset opened after finalization is sealed and takes no
// locks at all.
//
// Example:
//
//	d, err := dataset.Open[string](dir, dataset.Options[string]{
//		MaxShardLength: 1024,
//		Compression:    "zstd",
//		MaxSize:        512 << 20,
//		Loader: func(ctx context.Context, d *dataset.Dataset[string], start int64) error {
//			rows, err := fetch(ctx, start, d.MaxShardLength())
//			if err != nil {
//				return err
//			}
//			_, err = d.WriteShard(start, rows)
//			return err
//		},
//	})
//	if err != nil { /* handle */ }
//	defer d.Close()
//
//	row, err := d.At(ctx, 4711)
package dataset
