package dataset

import (
	"context"

	"github.com/apex/log"

	"github.com/IvanBrykalov/shardset/cache"
)

// LoadFunc materializes the shard starting at start, normally by calling
// d.WriteShard.
type LoadFunc[T any] func(ctx context.Context, d *Dataset[T], start int64) error

// Options configures Open. Metadata fields left at their zero value inherit
// whatever is persisted in the directory:
//   - MaxShardLength 0 => persisted value (required for a new dataset)
//   - Compression ""   => persisted value, or none for a new dataset
//   - Version 0        => persisted value, or MetadataVersion
//   - Info nil         => persisted value
//   - nil Codec        => GobCodec
//   - nil Metrics      => cache.NoopMetrics
//   - nil Logger       => log.Log
type Options[T any] struct {
	MaxShardLength int64
	// Length seeds the dataset length; with LengthFinal it fixes it.
	// A previously finalized length always wins.
	Length      int64
	LengthFinal bool
	// Compression is one of SupportedCompressions().
	Compression string
	Version     int
	// Info is any JSON-encodable caller payload stored in metadata.json.
	Info any

	Codec Codec[T]

	// MaxSize bounds the total bytes of shard files; 0 = unbounded.
	MaxSize int64
	Loader  LoadFunc[T]

	Metrics cache.Metrics
	Logger  log.Interface
	Clock   cache.Clock

	// DisableWatch skips the filesystem observer; shards written by other
	// processes are then only stamped when this process reads them.
	DisableWatch bool
}
