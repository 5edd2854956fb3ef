// Package kutil holds the small arithmetic helpers shared by the
// page-table, frame and arena code.
package kutil

// Roundup rounds v up to the nearest multiple of n (n must be a power of
// two).
func Roundup(v, n int) int {
	return Rounddown(v+n-1, n)
}

// Rounddown rounds v down to the nearest multiple of n (n must be a power of
// two).
func Rounddown(v, n int) int {
	return v &^ (n - 1)
}

// Highbit returns the index of the highest set bit of v (equivalently
// floor(log2(v))), or -1 if v == 0. Used to pick the free-list/size-class
// bucket for a run of the given length.
func Highbit(v uint64) int {
	if v == 0 {
		return -1
	}
	b := -1
	for v != 0 {
		b++
		v >>= 1
	}
	return b
}

// Readn reads the first n bytes (little-endian) of b starting at off as an
// int.
func Readn(b []uint8, n, off int) int {
	var ret int
	for i := 0; i < n; i++ {
		ret |= int(b[off+i]) << (8 * uint(i))
	}
	return ret
}

// Writen writes the low n bytes of val (little-endian) into b starting at
// off.
func Writen(b []uint8, n, off, val int) {
	for i := 0; i < n; i++ {
		b[off+i] = uint8(val >> (8 * uint(i)))
	}
}
