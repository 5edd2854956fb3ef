package pfa

import "github.com/arkendale/corekernel/kutil"

// run is a maximal extent of contiguous free frames, addressed by frame
// index (0-based offset from the arena's first managed frame). Runs live in
// two structures at once: an address-ordered doubly linked list (prev/next,
// for O(1) neighbour lookup when coalescing on free) and a size-bucketed
// set (bucket index by kutil.Highbit(count), so allocation descends
// free-lists by highest bit of the requested size).
type run struct {
	startIdx uint32
	count    uint64

	prev, next *run // address-ordered neighbours; nil at the ends
	bucket     int
}

// runlist owns every free run: the address-ordered chain plus the
// size-class buckets. Not safe for concurrent use; callers serialize
// through Arena.mu.
type runlist struct {
	head, tail *run
	buckets    map[int]map[*run]struct{}
	numBuckets int
	count      uint64 // total free frames across all runs
}

func newRunlist() *runlist {
	return &runlist{buckets: make(map[int]map[*run]struct{})}
}

func (rl *runlist) bucketOf(count uint64) int {
	return kutil.Highbit(count)
}

func (rl *runlist) addBucket(r *run) {
	b := rl.bucketOf(r.count)
	r.bucket = b
	set, ok := rl.buckets[b]
	if !ok {
		set = make(map[*run]struct{})
		rl.buckets[b] = set
	}
	set[r] = struct{}{}
}

func (rl *runlist) removeBucket(r *run) {
	if set, ok := rl.buckets[r.bucket]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(rl.buckets, r.bucket)
		}
	}
}

// insert adds a new free run covering [startIdx, startIdx+count) and links
// it at its address-ordered position. frameOf resolves a frame index to its
// *Frame so the run can stamp frames[...].inRun for O(1) neighbour checks.
func (rl *runlist) insert(startIdx uint32, count uint64, frameOf func(uint32) *Frame) *run {
	r := &run{startIdx: startIdx, count: count}
	rl.addBucket(r)
	rl.count += count

	// address-ordered insertion: runlist is small in practice (teaching
	// scale arenas), so a linear scan from the tail is fine.
	var after *run
	for n := rl.tail; n != nil; n = n.prev {
		if n.startIdx < startIdx {
			after = n
			break
		}
	}
	if after == nil {
		r.next = rl.head
		if rl.head != nil {
			rl.head.prev = r
		}
		rl.head = r
		if rl.tail == nil {
			rl.tail = r
		}
	} else {
		r.next = after.next
		r.prev = after
		if after.next != nil {
			after.next.prev = r
		} else {
			rl.tail = r
		}
		after.next = r
	}

	for i := uint64(0); i < count; i++ {
		frameOf(startIdx + uint32(i)).inRun = r
	}
	return r
}

// remove detaches r from both the address chain and its bucket.
func (rl *runlist) remove(r *run) {
	rl.removeBucket(r)
	rl.count -= r.count
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		rl.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		rl.tail = r.prev
	}
	r.prev, r.next = nil, nil
}

// findFit scans buckets from highbit(minCount) upward for the first run
// satisfying pred (alignment, window, ...). Iteration order within a
// bucket is unspecified (map order); this is first-fit, not best-fit.
func (rl *runlist) findFit(minCount uint64, pred func(*run) bool) *run {
	start := rl.bucketOf(minCount)
	if start < 0 {
		start = 0
	}
	for b := start; b <= rl.numBucketsHint(); b++ {
		set, ok := rl.buckets[b]
		if !ok {
			continue
		}
		for r := range set {
			if r.count >= minCount && pred(r) {
				return r
			}
		}
	}
	return nil
}

func (rl *runlist) numBucketsHint() int {
	// 64-bit frame counts: highest possible bucket index is 63.
	return 63
}
