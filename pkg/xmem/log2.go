package xmem

import "math/bits"

// Log2Ceil returns the smallest n with 1<<n >= v. Log2Ceil(0) is 0.
func Log2Ceil(v uintptr) int {
	if v <= 1 {
		return 0
	}
	return bits.Len64(uint64(v - 1))
}

// Log2Floor returns the largest n with 1<<n <= v. v must not be zero.
func Log2Floor(v uintptr) int {
	return bits.Len64(uint64(v)) - 1
}
