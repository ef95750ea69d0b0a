package dataset

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shardset/cache"
	"github.com/IvanBrykalov/shardset/workpool"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64 { return f.t.Load() }

func openT[T any](t *testing.T, root string, opt Options[T]) *Dataset[T] {
	t.Helper()
	d, err := Open(root, opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

// writeRange is a loader storing the integers [start, start+msl).
func writeRange(_ context.Context, d *Dataset[int], start int64) error {
	_, err := d.WriteShard(start, seq(int(start), int(d.MaxShardLength())))
	return err
}

func TestOpen_CreatesLayout(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	d := openT(t, root, Options[int]{MaxShardLength: 4})

	for _, p := range []string{"metadata.json", "shards", "locks/writer_lock.lock", "scratch"} {
		_, err := os.Stat(filepath.Join(root, p))
		assert.NoError(t, err, p)
	}
	assert.NoFileExists(t, filepath.Join(root, "completed"))

	m, err := d.Metadata()
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.MaxShardLength)
	assert.Equal(t, MetadataVersion, m.Version)
	assert.Nil(t, m.Compression)
	assert.False(t, m.LengthFinal)
	assert.False(t, d.Sealed())
	assert.Equal(t, root, d.Root())
}

func TestOpen_NewDatasetNeedsShardLength(t *testing.T) {
	t.Parallel()
	_, err := Open(t.TempDir(), Options[int]{})
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestOpen_InheritsPersistedMetadata(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	d, err := Open(root, Options[int]{MaxShardLength: 8, Compression: "zstd", Info: map[string]string{"src": "a"}})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = openT(t, root, Options[int]{})
	assert.Equal(t, int64(8), d.MaxShardLength())
	m, err := d.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "zstd", m.CompressionName())

	var info map[string]string
	require.NoError(t, d.Info(&info))
	assert.Equal(t, map[string]string{"src": "a"}, info)
}

func TestOpen_Incompatible(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	d, err := Open(root, Options[int]{MaxShardLength: 4, Compression: "gzip"})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(root, Options[int]{MaxShardLength: 8})
	assert.ErrorIs(t, err, ErrIncompatible)

	_, err = Open(root, Options[int]{Compression: "none"})
	assert.ErrorIs(t, err, ErrIncompatible)

	_, err = Open(root, Options[int]{Version: 2})
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestOpen_InvalidMetadataFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "metadata.json"), []byte("{not json"), 0o644))

	_, err := Open(root, Options[int]{MaxShardLength: 4})
	require.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestOpen_UnsupportedCompression(t *testing.T) {
	t.Parallel()
	_, err := Open(t.TempDir(), Options[int]{MaxShardLength: 4, Compression: "lz77"})
	require.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestOpen_BadCodecName(t *testing.T) {
	t.Parallel()
	_, err := Open(t.TempDir(), Options[int]{MaxShardLength: 4, Codec: badCodec{}})
	require.Error(t, err)
}

type badCodec struct{ JSONCodec[int] }

func (badCodec) Name() string { return "a.b" }

func TestWriteShard_RoundTrip(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	n, err := d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), got)

	length, final, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(4), length)
	assert.False(t, final)

	shards, err := d.Shards()
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "0.4.shard.gob", filepath.Base(shards[0].Path))
	assert.Equal(t, int64(4), shards[0].Len())
}

// A write that covers no more than what is stored is a no-op.
func TestWriteShard_PrefixIsNoop(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	n, err := d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = d.WriteShard(0, seq(0, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), got)

	_, final, err := d.Len()
	require.NoError(t, err)
	assert.False(t, final, "a skipped short write must not finalize")
	assert.NoFileExists(t, filepath.Join(d.Root(), "completed"))
}

func TestWriteShard_Rejects(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	_, err := d.WriteShard(0, seq(0, 5))
	assert.ErrorIs(t, err, ErrShardTooLong)

	_, err = d.WriteShard(3, seq(3, 1))
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = d.WriteShard(-4, seq(0, 1))
	assert.ErrorIs(t, err, ErrMisaligned)

	shards, err := d.Shards()
	require.NoError(t, err)
	assert.Empty(t, shards)
}

func TestWriteShard_ShortShardFinalizes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d, err := Open(root, Options[int]{MaxShardLength: 4})
	require.NoError(t, err)

	_, err = d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	ok, err := d.AllPresent()
	require.NoError(t, err)
	assert.False(t, ok, "length not final yet")

	n, err := d.WriteShard(4, seq(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, final, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(6), length)
	assert.True(t, final)
	assert.FileExists(t, filepath.Join(root, "completed"))

	ok, err = d.AllPresent()
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.WriteShard(8, seq(8, 1))
	assert.ErrorIs(t, err, ErrPastFinalLength)
	require.NoError(t, d.Close())

	// Reopened after finalization: sealed, still readable.
	d = openT(t, root, Options[int]{})
	assert.True(t, d.Sealed())
	got, err := d.Get(4)
	require.NoError(t, err)
	assert.Equal(t, seq(4, 2), got)

	_, err = d.WriteShard(8, seq(8, 1))
	assert.ErrorIs(t, err, ErrPastFinalLength)

	l, err := d.Lookup(8)
	require.NoError(t, err)
	assert.Equal(t, cache.Unavailable, l.Kind)
}

func TestAllPresent_Gap(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 2})

	_, err := d.WriteShard(0, seq(0, 2))
	require.NoError(t, err)
	_, err = d.WriteShard(4, seq(4, 1))
	require.NoError(t, err)

	ok, err := d.AllPresent()
	require.NoError(t, err)
	assert.False(t, ok, "shard 2 is missing")

	_, err = d.WriteShard(2, seq(2, 2))
	require.NoError(t, err)
	ok, err = d.AllPresent()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupOverlapping_LargestEndWins(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	// Simulate two writers that committed different lengths for start 0.
	for _, n := range []int{2, 4, 3} {
		raw, err := GobCodec[int]{}.Marshal(seq(0, n))
		require.NoError(t, err)
		path := d.dir.shardPath(0, int64(n), ".shard.gob")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
	}

	best, ok, err := d.CleanupOverlapping(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), best.End)

	shards, err := d.Shards()
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "0.4.shard.gob", filepath.Base(shards[0].Path))

	_, ok, err = d.CleanupOverlapping(4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_ResolvesOverlap(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	_, err := d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	raw, err := GobCodec[int]{}.Marshal(seq(100, 1))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.dir.shardPath(0, 1, ".shard.gob"), raw, 0o644))

	got, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), got)
}

func TestGet_MissAndMisaligned(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	_, err := d.Get(8)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = d.Get(3)
	assert.ErrorIs(t, err, ErrMisaligned)

	l, err := d.Lookup(8)
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, l.Kind)

	l, err = d.Lookup(3)
	require.NoError(t, err)
	assert.Equal(t, cache.Unavailable, l.Kind)
}

func TestCompressions(t *testing.T) {
	t.Parallel()
	for _, name := range SupportedCompressions() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			d, err := Open(root, Options[string]{MaxShardLength: 3, Compression: name, Codec: JSONCodec[string]{}})
			require.NoError(t, err)

			in := []string{strings.Repeat("a", 100), "b", ""}
			_, err = d.WriteShard(3, in)
			require.NoError(t, err)
			require.NoError(t, d.Close())

			d = openT(t, root, Options[string]{Codec: JSONCodec[string]{}})
			got, err := d.Get(3)
			require.NoError(t, err)
			assert.Equal(t, in, got)

			shards, err := d.Shards()
			require.NoError(t, err)
			require.Len(t, shards, 1)
			base := filepath.Base(shards[0].Path)
			assert.True(t, strings.HasPrefix(base, "3.6.shard.json"), base)
			if name != compressionNone {
				assert.NotEqual(t, "3.6.shard.json", base)
			}
		})
	}
}

func TestGetOrLoad_Loader(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := openT(t, t.TempDir(), Options[int]{
		MaxShardLength: 4,
		Loader: func(ctx context.Context, d *Dataset[int], start int64) error {
			calls.Add(1)
			return writeRange(ctx, d, start)
		},
	})

	got, err := d.GetOrLoad(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, seq(8, 4), got)

	_, err = d.GetOrLoad(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	v, err := d.At(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	_, err = d.At(context.Background(), -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetLoader(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 2})

	_, err := d.GetOrLoad(context.Background(), 0)
	require.ErrorIs(t, err, cache.ErrNotLoadable)

	d.SetLoader(writeRange)
	got, err := d.GetOrLoad(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 2), got)

	assert.Panics(t, func() { d.SetLoader(nil) })
}

func TestAt_PastLastShard(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	_, err := d.WriteShard(0, seq(0, 3))
	require.NoError(t, err)

	_, err = d.At(context.Background(), 3)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestEvict_OldestShardFirst(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{}
	// JSON of two four-byte strings is 15 bytes; room for two shards.
	one := []string{"aaaa", "aaaa"}
	d := openT(t, t.TempDir(), Options[string]{
		MaxShardLength: 2,
		Codec:          JSONCodec[string]{},
		MaxSize:        30,
		Clock:          clk,
		DisableWatch:   true,
	})
	d.SetLoader(func(_ context.Context, d *Dataset[string], start int64) error {
		clk.t.Add(1)
		_, err := d.WriteShard(start, one)
		return err
	})

	require.NoError(t, d.Load(context.Background(), 0, 2))
	size, err := d.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)

	// Touch 0 so that 2 becomes the oldest.
	clk.t.Add(1)
	_, err = d.Get(0)
	require.NoError(t, err)

	require.NoError(t, d.Load(context.Background(), 4))
	assert.True(t, d.Contains(0))
	assert.False(t, d.Contains(2))
	assert.True(t, d.Contains(4))
	assert.Equal(t, int64(1), d.Stats().Evictions)
	assert.Equal(t, []int64{0, 4}, d.KeysByAge())
}

func TestDelete(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4, DisableWatch: true})

	_, err := d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	require.NoError(t, d.Delete(0))
	assert.False(t, d.Contains(0))
	assert.Empty(t, d.KeysByAge())
	assert.ErrorIs(t, d.Delete(0), cache.ErrNotFound)
}

func TestPrefetch(t *testing.T) {
	t.Parallel()
	pool := workpool.New(2)
	t.Cleanup(func() { _ = pool.Close() })

	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4, Loader: writeRange})

	task, err := d.Prefetch(context.Background(), 2, 13, pool)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4, 8, 12}, task.Keys())
	require.NoError(t, task.Wait(context.Background()))

	for _, k := range []int64{0, 4, 8, 12} {
		assert.True(t, d.Contains(k), k)
		assert.Zero(t, d.InFlight(k))
	}
}

func TestMetadataUpdates(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	require.NoError(t, d.SetMetadataEntry("length", 40))
	length, final, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(40), length)
	assert.False(t, final)

	assert.ErrorIs(t, d.SetMetadataEntry("bogus", 1), ErrInvalidMetadata)
	assert.ErrorIs(t, d.SetMetadataEntry("max_shard_length", 8), ErrIncompatible)
	assert.ErrorIs(t, d.SetMetadataEntry("length", -1), ErrInvalidMetadata)

	type info struct {
		Source string `json:"source"`
		Rows   int    `json:"rows"`
	}
	require.NoError(t, d.SetInfo(info{Source: "s3://bucket", Rows: 40}))
	var got info
	require.NoError(t, d.Info(&got))
	assert.Equal(t, info{Source: "s3://bucket", Rows: 40}, got)

	m, err := d.Metadata()
	require.NoError(t, err)
	m.LengthFinal = true
	require.NoError(t, d.WriteMetadata(m))

	m.Length = 41
	assert.ErrorIs(t, d.WriteMetadata(m), ErrIncompatible)
}

// A shard committed through one handle is stamped in another handle on the
// same root by the directory watcher.
func TestWatcher_SeesOtherWriters(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	reader := openT(t, root, Options[int]{MaxShardLength: 4})
	writer := openT(t, root, Options[int]{MaxShardLength: 4, DisableWatch: true})

	_, err := writer.WriteShard(4, seq(4, 4))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := reader.stamps.Get(4)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

// Existing shards are stamped at open so they are eviction candidates.
func TestOpen_SeedsStamps(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d, err := Open(root, Options[int]{MaxShardLength: 2, DisableWatch: true})
	require.NoError(t, err)
	for _, s := range []int64{4, 0, 2} {
		_, err := d.WriteShard(s, seq(int(s), 2))
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())

	d = openT(t, root, Options[int]{DisableWatch: true, Clock: &fakeClock{}})
	assert.Equal(t, []int64{0, 2, 4}, d.KeysByAge())
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	d, err := Open(t.TempDir(), Options[int]{MaxShardLength: 4})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Get(0)
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestRootWithGlobCharacters(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "data[1]*?")
	d := openT(t, root, Options[int]{MaxShardLength: 4})

	n, err := d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), got)
	assert.True(t, d.Contains(0))

	n, err = d.WriteShard(4, seq(4, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(root, "completed"))

	require.NoError(t, d.Delete(0))
	assert.False(t, d.Contains(0))
}

func TestOpen_FinalLengthMarksCompleted(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	d, err := Open(root, Options[int]{MaxShardLength: 4, Length: 10, LengthFinal: true})
	require.NoError(t, err)
	assert.False(t, d.Sealed(), "the finalizing session keeps its guard")
	require.NoError(t, d.Close())
	assert.FileExists(t, filepath.Join(root, "completed"))

	d = openT(t, root, Options[int]{})
	assert.True(t, d.Sealed())
	length, final, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(10), length)
	assert.True(t, final)
}

// Once the length is final only the last shard may be short.
func TestWriteShard_ShortInteriorShardAfterFinal(t *testing.T) {
	t.Parallel()
	d := openT(t, t.TempDir(), Options[int]{MaxShardLength: 4})

	n, err := d.WriteShard(8, seq(8, 2))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = d.WriteShard(0, seq(0, 1))
	assert.ErrorIs(t, err, ErrShortShard)
	assert.False(t, d.Contains(0))

	n, err = d.WriteShard(0, seq(0, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// A prefix of a stored shard stays a no-op.
	n, err = d.WriteShard(0, seq(0, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = d.WriteShard(8, seq(8, 1))
	require.NoError(t, err, "covered by the stored last shard")
}

// Two handles racing a full and a short write for the same start converge
// on one shard file, and the length agrees with whichever write won.
func TestWriteShard_ConcurrentWritersConverge(t *testing.T) {
	t.Parallel()
	for i := 0; i < 10; i++ {
		root := t.TempDir()
		a := openT(t, root, Options[int]{MaxShardLength: 4, DisableWatch: true})
		b := openT(t, root, Options[int]{MaxShardLength: 4, DisableWatch: true})

		var (
			longN, shortN     int
			longErr, shortErr error
		)
		var g errgroup.Group
		g.Go(func() error {
			longN, longErr = a.WriteShard(8, seq(8, 4))
			return nil
		})
		g.Go(func() error {
			shortN, shortErr = b.WriteShard(8, seq(8, 2))
			return nil
		})
		require.NoError(t, g.Wait())

		shards, err := a.dir.shardsFor(8)
		require.NoError(t, err)
		require.Len(t, shards, 1)

		length, final, err := a.Len()
		require.NoError(t, err)

		switch shards[0].End {
		case 10: // short write finalized first
			require.NoError(t, shortErr)
			assert.Equal(t, 2, shortN)
			assert.ErrorIs(t, longErr, ErrPastFinalLength)
			assert.True(t, final)
			assert.Equal(t, int64(10), length)
		case 12: // full write first, short one redundant
			require.NoError(t, longErr)
			assert.Equal(t, 4, longN)
			require.NoError(t, shortErr)
			assert.Equal(t, 0, shortN)
			assert.False(t, final)
			assert.Equal(t, int64(12), length)
		default:
			t.Fatalf("unexpected surviving shard %+v", shards[0])
		}
	}
}

// Shards written by another handle count for eviction even when this
// handle never saw them being written.
func TestKeysByAge_IncludesUnstampedShards(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d := openT(t, root, Options[int]{MaxShardLength: 4, MaxSize: 1, DisableWatch: true})
	other := openT(t, root, Options[int]{MaxShardLength: 4, DisableWatch: true})

	_, err := d.WriteShard(4, seq(4, 4))
	require.NoError(t, err)
	_, err = other.WriteShard(0, seq(0, 4))
	require.NoError(t, err)

	keys := d.KeysByAge()
	assert.Equal(t, []int64{0, 4}, keys)
	assert.True(t, slices.Contains(keys, 0))

	require.NoError(t, d.Evict())
	shards, err := d.Shards()
	require.NoError(t, err)
	assert.Empty(t, shards)
	assert.Equal(t, int64(2), d.Stats().Evictions)
}
