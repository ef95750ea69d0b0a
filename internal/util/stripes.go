package util

import "runtime"

// maxStripes bounds the number of lock stripes; beyond this the extra
// memory buys no measurable reduction in contention.
const maxStripes = 256

// NextPow2 returns the smallest power of two >= x (1 for x <= 1).
// Results that would overflow are clamped to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// StripeCount normalizes a requested stripe count: n <= 0 picks
// nextPow2(2*GOMAXPROCS), anything else is rounded up to a power of two.
// The result is clamped to [1..256].
func StripeCount(n int) int {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	s := int(NextPow2(uint64(n)))
	if s > maxStripes {
		s = maxStripes
	}
	return s
}

// StripeIndex maps a hash onto one of n stripes; n must be a power of two.
func StripeIndex(hash uint64, n int) int {
	return int(hash & uint64(n-1))
}
