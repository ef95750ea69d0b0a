// Package util contains internal helpers for key hashing, lock striping and
// counter padding.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "fmt"

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// Hash returns a 64-bit FNV-1a hash of k.
// Strings, byte slices and integer kinds are hashed without allocating.
// Any other comparable key is hashed through its %#v rendering, which is
// slower but stable for the lifetime of the process.
func Hash[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return hashString(v)
	case []byte:
		return hashBytes(v)
	case int64:
		return hashUint64(uint64(v))
	case int:
		return hashUint64(uint64(v))
	case int32:
		return hashUint64(uint64(uint32(v)))
	case int16:
		return hashUint64(uint64(uint16(v)))
	case int8:
		return hashUint64(uint64(uint8(v)))
	case uint64:
		return hashUint64(v)
	case uint:
		return hashUint64(uint64(v))
	case uint32:
		return hashUint64(uint64(v))
	case uint16:
		return hashUint64(uint64(v))
	case uint8:
		return hashUint64(uint64(v))
	case uintptr:
		return hashUint64(uint64(v))
	case fmt.Stringer:
		return hashString(v.String())
	default:
		return hashString(fmt.Sprintf("%#v", k))
	}
}

func hashString(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

func hashBytes(b []byte) uint64 {
	h := uint64(fnvOffset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

// hashUint64 folds the 8 little-endian bytes of u.
func hashUint64(u uint64) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < 8; i++ {
		h ^= uint64(byte(u))
		h *= fnvPrime64
		u >>= 8
	}
	return h
}
