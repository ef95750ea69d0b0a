package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/IvanBrykalov/shardset/cache"
	"github.com/IvanBrykalov/shardset/internal/stamps"
)

var (
	// ErrMisaligned is returned for shard keys that are not a multiple of
	// MaxShardLength.
	ErrMisaligned = errors.New("dataset: key not aligned to max_shard_length")

	// ErrShardTooLong is returned by WriteShard for more than
	// MaxShardLength elements.
	ErrShardTooLong = errors.New("dataset: shard longer than max_shard_length")

	// ErrPastFinalLength is returned for writes extending past a finalized
	// length.
	ErrPastFinalLength = errors.New("dataset: write past finalized length")

	// ErrShortShard is returned by WriteShard, once the length is final,
	// for a write that is shorter than the shard it targets must be.
	ErrShortShard = errors.New("dataset: short shard before the final length")

	// ErrOutOfRange is returned by At for indexes outside the dataset.
	ErrOutOfRange = errors.New("dataset: index out of range")

	// ErrIncompatible is returned by Open when the requested configuration
	// contradicts the persisted metadata.
	ErrIncompatible = errors.New("dataset: incompatible metadata")

	// ErrInvalidMetadata is returned for metadata violating its invariants.
	ErrInvalidMetadata = errors.New("dataset: invalid metadata")

	// ErrUnsupportedCompression is returned for unknown compression codecs.
	ErrUnsupportedCompression = errors.New("dataset: unsupported compression")
)

// stampBacklog is the queue length of the timestamp actor.
const stampBacklog = 256

// Dataset is a disk-backed cache backend storing fixed-capacity shards of
// elements under a root directory. Keys are shard start indexes; values are
// the shard's elements. The engine methods (Get, GetOrLoad, LoadAsync,
// Evict, ...) come from the embedded AsyncCache.
//
// Several processes may open the same root concurrently.
type Dataset[T any] struct {
	*cache.AsyncCache[int64, []T]

	dir    layout
	msl    int64
	codec  Codec[T]
	comp   compressor
	suffix string

	guard   guard
	meta    atomic.Pointer[Metadata] // last metadata read or written
	stamps  *stamps.Book[int64]
	watch   *watcher
	metrics cache.Metrics
	log     log.Interface
	clock   cache.Clock

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the dataset rooted at root.
//
// If root/completed exists the dataset is sealed for this session and no
// writer lock is ever taken. Otherwise the persisted metadata is merged
// with opt under the writer lock and written back.
func Open[T any](root string, opt Options[T]) (*Dataset[T], error) {
	if opt.Codec == nil {
		opt.Codec = GobCodec[T]{}
	}
	if err := checkCodec(opt.Codec); err != nil {
		return nil, err
	}
	if opt.Metrics == nil {
		opt.Metrics = cache.NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Log
	}

	req := request{
		maxShardLength: opt.MaxShardLength,
		length:         opt.Length,
		lengthFinal:    opt.LengthFinal,
		compression:    opt.Compression,
		version:        opt.Version,
	}
	if opt.Info != nil {
		raw, err := json.Marshal(opt.Info)
		if err != nil {
			return nil, fmt.Errorf("dataset: encode info: %w", err)
		}
		req.info = raw
	}

	dir := layout{root: root}
	if err := dir.ensure(); err != nil {
		return nil, err
	}

	d := &Dataset[T]{
		dir:     dir,
		codec:   opt.Codec,
		metrics: opt.Metrics,
		log:     opt.Logger.WithField("dataset", root),
		clock:   opt.Clock,
	}

	done, err := dir.isCompleted()
	if err != nil {
		return nil, fmt.Errorf("dataset: stat completed marker: %w", err)
	}
	if done {
		d.guard = sealed{}
	} else if d.guard, err = openWritable(dir.lock()); err != nil {
		return nil, err
	}

	meta, err := d.initMetadata(req)
	if err != nil {
		_ = d.guard.close()
		return nil, err
	}
	d.msl = meta.MaxShardLength
	d.comp, _ = lookupCompression(meta.CompressionName()) // validated by merge
	d.suffix = ".shard." + d.codec.Name() + d.comp.ext()

	copt := cache.Options[int64]{
		MaxSize: opt.MaxSize,
		Metrics: opt.Metrics,
		Logger:  opt.Logger,
		Clock:   opt.Clock,
	}
	if opt.Loader != nil {
		copt.Loader = d.bind(opt.Loader)
	}
	d.AsyncCache = cache.New[int64, []T](d, copt)
	d.stamps = stamps.New[int64](stampBacklog)

	if !opt.DisableWatch {
		w, err := watchShards(dir.shards(), d.stampNow, d.log)
		if err != nil {
			d.stamps.Close()
			_ = d.guard.close()
			return nil, fmt.Errorf("dataset: watch shards: %w", err)
		}
		d.watch = w
	}

	if err := d.seedStamps(); err != nil {
		_ = d.Close()
		return nil, err
	}

	d.log.WithField("sealed", d.guard.sealed()).
		WithField("max_shard_length", d.msl).
		WithField("length", meta.Length).
		Debug("dataset opened")
	return d, nil
}

// initMetadata reads, merges, validates and (unless sealed) persists the
// metadata at open.
func (d *Dataset[T]) initMetadata(req request) (Metadata, error) {
	var out Metadata
	err := d.guard.do(func() error {
		have, err := readMetadata(d.dir.metadata())
		if err != nil {
			return err
		}
		if d.guard.sealed() && have == nil {
			return fmt.Errorf("%w: completed marker without metadata.json", ErrInvalidMetadata)
		}
		m, err := merge(have, req)
		if err != nil {
			return err
		}
		if !d.guard.sealed() {
			if err := d.writeMetadataLocked(m); err != nil {
				return err
			}
			if m.LengthFinal {
				if err := d.dir.markCompleted(); err != nil {
					return fmt.Errorf("dataset: mark completed: %w", err)
				}
			}
		}
		d.meta.Store(&m)
		out = m
		return nil
	})
	return out, err
}

// seedStamps stamps every existing shard with the current time so shards
// from earlier sessions are not evicted ahead of fresh ones.
func (d *Dataset[T]) seedStamps() error {
	var shards []ShardInfo
	err := d.guard.do(func() (err error) {
		shards, err = d.dir.allShards()
		return err
	})
	if err != nil {
		return fmt.Errorf("dataset: list shards: %w", err)
	}
	for _, s := range shards {
		d.stampNow(s.Start)
	}
	return nil
}

func (d *Dataset[T]) bind(fn LoadFunc[T]) cache.LoadFunc[int64] {
	return func(ctx context.Context, start int64) error { return fn(ctx, d, start) }
}

// SetLoader replaces the loader; nil panics.
func (d *Dataset[T]) SetLoader(fn LoadFunc[T]) {
	if fn == nil {
		panic("dataset: SetLoader(nil)")
	}
	d.AsyncCache.SetLoader(d.bind(fn))
}

// Root returns the dataset directory.
func (d *Dataset[T]) Root() string { return d.dir.root }

// MaxShardLength returns the shard capacity in elements.
func (d *Dataset[T]) MaxShardLength() int64 { return d.msl }

// Sealed reports whether the dataset was already finalized when opened, in
// which case this session never takes the writer lock.
func (d *Dataset[T]) Sealed() bool { return d.guard.sealed() }

// ---- writes ----

// WriteShard stores data as the shard starting at start and returns how
// many elements it added beyond what was already stored for start.
//
// A write covering no more elements than the current shard for start is a
// no-op returning 0. A write shorter than MaxShardLength is necessarily the
// last shard: if it survives overlap cleanup it finalizes the dataset
// length at start+len(data). After that, writes past the length fail with
// ErrPastFinalLength and short interior writes with ErrShortShard.
func (d *Dataset[T]) WriteShard(start int64, data []T) (int, error) {
	n := int64(len(data))
	if n > d.msl {
		return 0, fmt.Errorf("%w: %d elements, max %d", ErrShardTooLong, n, d.msl)
	}
	if err := d.checkAligned(start); err != nil {
		return 0, err
	}
	end := start + n

	var added int64
	err := d.guard.do(func() error {
		meta, err := d.readMetadataLocked()
		if err != nil {
			return err
		}
		if meta.LengthFinal && end > meta.Length {
			return fmt.Errorf("%w: shard %d..%d, length %d", ErrPastFinalLength, start, end, meta.Length)
		}

		cur, ok, err := d.cleanupLocked(start)
		if err != nil {
			return err
		}
		if ok && cur.Len() >= n {
			d.log.WithField("start", start).WithField("have", cur.Len()).WithField("offered", n).
				Debug("redundant shard write skipped")
			return nil
		}
		// Only the last shard may be short.
		if want := min(start+d.msl, meta.Length); meta.LengthFinal && end != want {
			return fmt.Errorf("%w: shard %d..%d, want end %d", ErrShortShard, start, end, want)
		}

		if err := d.commitLocked(start, end, data); err != nil {
			return err
		}
		winner, _, err := d.cleanupLocked(start)
		if err != nil {
			return err
		}
		if winner.End != end {
			// A longer shard for start landed concurrently; it wins and our
			// write contributes nothing (and finalizes nothing).
			return nil
		}
		added = n - cur.Len()

		switch {
		case n < d.msl && !meta.LengthFinal:
			meta.Length, meta.LengthFinal = end, true
			if err := d.writeMetadataLocked(meta); err != nil {
				return err
			}
			if err := d.dir.markCompleted(); err != nil {
				return fmt.Errorf("dataset: mark completed: %w", err)
			}
			d.log.WithField("length", end).Info("dataset length finalized")
		case !meta.LengthFinal && end > meta.Length:
			meta.Length = end
			if err := d.writeMetadataLocked(meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		d.stampNow(start)
	}
	return int(added), nil
}

// commitLocked encodes data into scratch and renames it into shards/.
func (d *Dataset[T]) commitLocked(start, end int64, data []T) error {
	raw, err := d.codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("dataset: encode shard %d: %w", start, err)
	}
	if raw, err = d.comp.compress(raw); err != nil {
		return fmt.Errorf("dataset: compress shard %d: %w", start, err)
	}
	path := d.dir.shardPath(start, end, d.suffix)
	if err := d.dir.writeAtomic(path, raw); err != nil {
		return fmt.Errorf("dataset: commit shard %d: %w", start, err)
	}
	d.log.WithField("start", start).WithField("end", end).Debug("shard committed")
	return nil
}

// CleanupOverlapping keeps only the shard file with the greatest end for
// start and deletes the rest. It returns the surviving shard, if any.
func (d *Dataset[T]) CleanupOverlapping(start int64) (ShardInfo, bool, error) {
	if err := d.checkAligned(start); err != nil {
		return ShardInfo{}, false, err
	}
	var (
		best ShardInfo
		ok   bool
	)
	err := d.guard.do(func() (err error) {
		best, ok, err = d.cleanupLocked(start)
		return err
	})
	return best, ok, err
}

func (d *Dataset[T]) cleanupLocked(start int64) (ShardInfo, bool, error) {
	shards, err := d.dir.shardsFor(start)
	if err != nil {
		return ShardInfo{}, false, fmt.Errorf("dataset: list shards for %d: %w", start, err)
	}
	if len(shards) == 0 {
		return ShardInfo{}, false, nil
	}
	best := shards[len(shards)-1]
	for _, s := range shards[:len(shards)-1] {
		err := os.Remove(s.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue // another process got there first
		}
		if err != nil {
			return ShardInfo{}, false, fmt.Errorf("dataset: remove superseded shard: %w", err)
		}
		d.metrics.Evict(cache.EvictOverlap)
		d.log.WithField("start", start).WithField("end", s.End).WithField("kept_end", best.End).
			Debug("superseded shard removed")
	}
	return best, true, nil
}

// ---- reads ----

// ShardFor resolves the current shard for key after overlap cleanup.
// key must be a shard start.
func (d *Dataset[T]) ShardFor(key int64) (ShardInfo, bool, error) {
	return d.CleanupOverlapping(key)
}

// Shards lists every shard file sorted by start, then end. Superseded files
// not yet cleaned up are included.
func (d *Dataset[T]) Shards() ([]ShardInfo, error) {
	var out []ShardInfo
	err := d.guard.do(func() (err error) {
		out, err = d.dir.allShards()
		return err
	})
	return out, err
}

// At returns element i, loading its shard on miss.
func (d *Dataset[T]) At(ctx context.Context, i int64) (T, error) {
	var zero T
	if i < 0 {
		return zero, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	start := i - i%d.msl
	shard, err := d.GetOrLoad(ctx, start)
	if err != nil {
		return zero, err
	}
	off := i - start
	if off >= int64(len(shard)) {
		return zero, fmt.Errorf("%w: %d (shard %d holds %d elements)", ErrOutOfRange, i, start, len(shard))
	}
	return shard[off], nil
}

// Prefetch submits an async load of every shard overlapping [from, to),
// clamped to a finalized length.
func (d *Dataset[T]) Prefetch(ctx context.Context, from, to int64, ex cache.Executor) (*cache.Task[int64], error) {
	if from < 0 {
		from = 0
	}
	if m := d.meta.Load(); m != nil && m.LengthFinal && to > m.Length {
		to = m.Length
	}
	var starts []int64
	for s := from - from%d.msl; s < to; s += d.msl {
		starts = append(starts, s)
	}
	return d.LoadAsync(ctx, starts, ex)
}

// AllPresent reports whether the length is final and the shards cover
// [0, length) without gaps.
func (d *Dataset[T]) AllPresent() (bool, error) {
	var complete bool
	err := d.guard.do(func() error {
		meta, err := d.readMetadataLocked()
		if err != nil {
			return err
		}
		if !meta.LengthFinal {
			return nil
		}
		shards, err := d.dir.allShards()
		if err != nil {
			return err
		}
		complete = covers(shards, meta.Length)
		return nil
	})
	return complete, err
}

// covers reports whether sorted shards tile [0, length) exactly; for
// duplicate starts the longest file counts.
func covers(shards []ShardInfo, length int64) bool {
	next := int64(0)
	for i, s := range shards {
		if i+1 < len(shards) && shards[i+1].Start == s.Start {
			continue
		}
		if s.Start != next {
			return false
		}
		next = s.End
	}
	return next == length
}

// ---- metadata ----

// Len returns the recorded length and whether it is final.
func (d *Dataset[T]) Len() (length int64, final bool, err error) {
	m, err := d.Metadata()
	if err != nil {
		return 0, false, err
	}
	return m.Length, m.LengthFinal, nil
}

// Metadata reads metadata.json.
func (d *Dataset[T]) Metadata() (Metadata, error) {
	var out Metadata
	err := d.guard.do(func() (err error) {
		out, err = d.readMetadataLocked()
		return err
	})
	return out, err
}

// WriteMetadata replaces metadata.json. Fields fixed for the directory
// (max_shard_length, compression, version, a finalized length) must not
// change.
func (d *Dataset[T]) WriteMetadata(m Metadata) error {
	return d.UpdateMetadata(func(cur *Metadata) error {
		*cur = m.clone()
		return nil
	})
}

// UpdateMetadata performs a read-modify-write of metadata.json under the
// writer lock.
func (d *Dataset[T]) UpdateMetadata(fn func(m *Metadata) error) error {
	return d.guard.do(func() error {
		cur, err := d.readMetadataLocked()
		if err != nil {
			return err
		}
		next := cur.clone()
		if err := fn(&next); err != nil {
			return err
		}
		if err := cur.compatible(next); err != nil {
			return err
		}
		if err := next.validate(); err != nil {
			return err
		}
		if err := d.writeMetadataLocked(next); err != nil {
			return err
		}
		if next.LengthFinal && !cur.LengthFinal {
			return d.dir.markCompleted()
		}
		return nil
	})
}

// SetMetadataEntry sets one top-level metadata.json field by its JSON
// name, e.g. SetMetadataEntry("length", 100).
func (d *Dataset[T]) SetMetadataEntry(key string, value any) error {
	return d.UpdateMetadata(func(m *Metadata) error { return m.setEntry(key, value) })
}

// Info decodes the caller payload stored in metadata.json into dst. It
// leaves dst untouched if no info is stored.
func (d *Dataset[T]) Info(dst any) error {
	m, err := d.Metadata()
	if err != nil {
		return err
	}
	if len(m.Info) == 0 || string(m.Info) == "null" {
		return nil
	}
	return json.Unmarshal(m.Info, dst)
}

// SetInfo replaces the caller payload stored in metadata.json.
func (d *Dataset[T]) SetInfo(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dataset: encode info: %w", err)
	}
	return d.UpdateMetadata(func(m *Metadata) error {
		m.Info = raw
		return nil
	})
}

func (d *Dataset[T]) readMetadataLocked() (Metadata, error) {
	m, err := readMetadata(d.dir.metadata())
	if err != nil {
		return Metadata{}, err
	}
	if m == nil {
		return Metadata{}, fmt.Errorf("%w: %s is missing", ErrInvalidMetadata, d.dir.metadata())
	}
	d.meta.Store(m)
	return *m, nil
}

func (d *Dataset[T]) writeMetadataLocked(m Metadata) error {
	raw, err := encodeMetadata(m)
	if err != nil {
		return fmt.Errorf("dataset: encode metadata: %w", err)
	}
	if err := d.dir.writeAtomic(d.dir.metadata(), raw); err != nil {
		return fmt.Errorf("dataset: write metadata: %w", err)
	}
	d.meta.Store(&m)
	return nil
}

// ---- cache.Backend[int64, []T] ----

// Peek implements cache.Backend: it decodes the current shard for start.
func (d *Dataset[T]) Peek(start int64) ([]T, error) {
	if err := d.checkAligned(start); err != nil {
		return nil, err
	}
	// One retry covers a file removed by a concurrent cleanup between
	// resolving and reading it.
	for attempt := 0; attempt < 2; attempt++ {
		info, ok, err := d.ShardFor(start)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: shard %d", cache.ErrNotFound, start)
		}
		data, err := d.readShard(info.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: shard %d", cache.ErrNotFound, start)
}

func (d *Dataset[T]) readShard(path string) ([]T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if raw, err = d.comp.decompress(raw); err != nil {
		return nil, fmt.Errorf("dataset: decompress %s: %w", path, err)
	}
	out, err := d.codec.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("dataset: decode %s: %w", path, err)
	}
	return out, nil
}

// Delete implements cache.Backend: it removes every shard file for start
// and its timestamp.
func (d *Dataset[T]) Delete(start int64) error {
	if err := d.checkAligned(start); err != nil {
		return err
	}
	err := d.guard.do(func() error {
		shards, err := d.dir.shardsFor(start)
		if err != nil {
			return err
		}
		if len(shards) == 0 {
			return fmt.Errorf("%w: shard %d", cache.ErrNotFound, start)
		}
		removed := 0
		for _, s := range shards {
			err := os.Remove(s.Path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			removed++
		}
		if removed == 0 {
			return fmt.Errorf("%w: shard %d", cache.ErrNotFound, start)
		}
		return nil
	})
	d.stamps.Delete(start)
	return err
}

// Touch implements cache.Backend.
func (d *Dataset[T]) Touch(start int64, ts int64) { d.stamps.Set(start, ts) }

// KeysByAge implements cache.Backend. Shards on disk that were never
// stamped (written by another process and not yet seen by the watcher)
// count as timestamp 0 and come first, lowest start first.
func (d *Dataset[T]) KeysByAge() []int64 {
	stamped := d.stamps.Oldest()
	shards, err := d.Shards()
	if err != nil {
		d.log.WithError(err).Warn("list shards for eviction")
		return stamped
	}
	seen := make(map[int64]struct{}, len(stamped))
	for _, k := range stamped {
		seen[k] = struct{}{}
	}
	var out []int64
	for _, s := range shards {
		if _, ok := seen[s.Start]; ok {
			continue
		}
		seen[s.Start] = struct{}{}
		out = append(out, s.Start)
	}
	return append(out, stamped...)
}

// Size implements cache.Backend: the total bytes of all shard files.
func (d *Dataset[T]) Size() (int64, error) {
	shards, err := d.Shards()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range shards {
		total += s.Size
	}
	return total, nil
}

// Contains implements cache.Backend.
func (d *Dataset[T]) Contains(start int64) bool {
	_, ok, err := d.ShardFor(start)
	return err == nil && ok
}

// Available implements cache.Availability: misaligned keys and keys at or
// past a finalized length can never hold a shard.
func (d *Dataset[T]) Available(start int64) bool {
	if d.checkAligned(start) != nil {
		return false
	}
	m := d.meta.Load()
	return m == nil || !m.LengthFinal || start < m.Length
}

var (
	_ cache.Backend[int64, []int] = (*Dataset[int])(nil)
	_ cache.Availability[int64]   = (*Dataset[int])(nil)
)

// ---- lifecycle ----

// Close stops the watcher and the timestamp actor, releases the lock file
// and closes the engine. It is safe to call more than once.
func (d *Dataset[T]) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.watch != nil {
			errs = append(errs, d.watch.stop())
		}
		if d.stamps != nil {
			d.stamps.Close()
		}
		errs = append(errs, d.guard.close())
		if d.AsyncCache != nil {
			errs = append(errs, d.AsyncCache.Close())
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func (d *Dataset[T]) checkAligned(key int64) error {
	if key < 0 || key%d.msl != 0 {
		return fmt.Errorf("%w: %d (max_shard_length %d)", ErrMisaligned, key, d.msl)
	}
	return nil
}

func (d *Dataset[T]) stampNow(start int64) {
	d.stamps.Set(start, d.now())
}

func (d *Dataset[T]) now() int64 {
	if d.clock != nil {
		return d.clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
