package cache

import "context"

// Backend is the storage a cache engine runs on. Implementations must be
// safe for concurrent use.
//
// Every primitive that addresses a missing key fails with an error that
// matches ErrNotFound under errors.Is.
type Backend[K comparable, V any] interface {
	// Peek returns the stored value without refreshing its timestamp.
	Peek(k K) (V, error)

	// Delete removes k and its timestamp.
	Delete(k K) error

	// Touch records ts (UnixNano) as the last access time of k.
	Touch(k K, ts int64)

	// KeysByAge returns the stored keys ordered by timestamp, oldest first.
	// Keys without a timestamp sort as if stamped at zero.
	KeysByAge() []K

	// Size returns the measure compared against Options.MaxSize
	// (entry count, bytes on disk, ...).
	Size() (int64, error)

	// Contains reports whether k is stored.
	Contains(k K) bool
}

// Availability is implemented by backends that can tell a key which could
// be loaded from one that can never exist. Lookup reports the latter as
// Unavailable.
type Availability[K comparable] interface {
	Available(k K) bool
}

// LoadFunc materializes k by writing it into the backend. It returns nil
// once the value is stored.
type LoadFunc[K comparable] func(ctx context.Context, k K) error

// Executor runs load batches submitted by LoadAsync. Submit must not block
// waiting for a free worker.
type Executor interface {
	Submit(task func()) error
}
