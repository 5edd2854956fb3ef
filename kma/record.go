package kma

import (
	"hash/fnv"

	"github.com/arkendale/corekernel/kutil"
)

// record is one kernel range record: a node in the address-sorted doubly
// linked list covering the kernel VM window contiguously. A free record is
// additionally chained into one free-list bucket (bprev/bnext, bucket index
// by highbit of size); an allocated record is additionally chained into one
// hash bucket keyed by base address (hnext). Exactly one of the two,
// never both.
type record struct {
	base uint64
	size uint64

	allocated bool

	prev, next *record // address order

	bprev, bnext *record // free bucket chain
	bucket       int

	hnext *record // allocated hash chain
}

// hashBase is FNV-1a over the record's base address.
func hashBase(base uint64) uint32 {
	var b [8]uint8
	kutil.Writen(b[:], 8, 0, int(base))
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// freeIndex owns the bucketed free lists plus the bitmap of non-empty
// buckets. Serialized by the arena lock.
type freeIndex struct {
	buckets [64]*record
	freeMap uint64
}

func (fi *freeIndex) insert(r *record) {
	b := kutil.Highbit(r.size)
	r.bucket = b
	r.bprev = nil
	r.bnext = fi.buckets[b]
	if fi.buckets[b] != nil {
		fi.buckets[b].bprev = r
	}
	fi.buckets[b] = r
	fi.freeMap |= 1 << uint(b)
}

func (fi *freeIndex) remove(r *record) {
	if r.bprev != nil {
		r.bprev.bnext = r.bnext
	} else {
		fi.buckets[r.bucket] = r.bnext
	}
	if r.bnext != nil {
		r.bnext.bprev = r.bprev
	}
	if fi.buckets[r.bucket] == nil {
		fi.freeMap &^= 1 << uint(r.bucket)
	}
	r.bprev, r.bnext = nil, nil
}

// find returns the first record that fits size bytes. The search starts at
// bucket highbit(size), or one above for non-power-of-two sizes so that any
// node in the chosen bucket is guaranteed to fit on the first probe, then
// walks upward through non-empty buckets (freeMap) scanning each chain
// forward for the first fit.
func (fi *freeIndex) find(size uint64) *record {
	start := kutil.Highbit(size)
	if size&(size-1) != 0 {
		start++
	}
	m := fi.freeMap >> uint(start)
	for b := start; m != 0; b, m = b+1, m>>1 {
		if m&1 == 0 {
			continue
		}
		for r := fi.buckets[b]; r != nil; r = r.bnext {
			if r.size >= size {
				return r
			}
		}
	}
	return nil
}

// allocIndex is the open-addressing-by-chain hash table of allocated
// records keyed by base address. A bucket whose chain grows past
// rehashThreshold asks for an asynchronous rehash; operations continue
// under the old table until the new one is swapped in.
type allocIndex struct {
	table []*record
	count int
}

const rehashThreshold = 32

func newAllocIndex(buckets int) *allocIndex {
	return &allocIndex{table: make([]*record, buckets)}
}

// insert chains r into its bucket and reports whether the bucket has grown
// past the rehash threshold.
func (ai *allocIndex) insert(r *record) bool {
	b := hashBase(r.base) % uint32(len(ai.table))
	r.hnext = ai.table[b]
	ai.table[b] = r
	ai.count++

	n := 0
	for e := ai.table[b]; e != nil; e = e.hnext {
		n++
	}
	return n > rehashThreshold
}

func (ai *allocIndex) remove(base uint64) *record {
	b := hashBase(base) % uint32(len(ai.table))
	var prev *record
	for e := ai.table[b]; e != nil; prev, e = e, e.hnext {
		if e.base != base {
			continue
		}
		if prev != nil {
			prev.hnext = e.hnext
		} else {
			ai.table[b] = e.hnext
		}
		e.hnext = nil
		ai.count--
		return e
	}
	return nil
}

func (ai *allocIndex) lookup(base uint64) *record {
	b := hashBase(base) % uint32(len(ai.table))
	for e := ai.table[b]; e != nil; e = e.hnext {
		if e.base == base {
			return e
		}
	}
	return nil
}

// rehashed builds a replacement index with the given bucket count from the
// existing entries.
func (ai *allocIndex) rehashed(buckets int) *allocIndex {
	n := newAllocIndex(buckets)
	for _, head := range ai.table {
		for e := head; e != nil; {
			next := e.hnext
			n.insert(e)
			e = next
		}
	}
	return n
}
