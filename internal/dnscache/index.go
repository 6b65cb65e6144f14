package dnscache

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Node descriptor layout inside the arena (little-endian, 32 bytes).
const (
	nodeSize = 32

	nodeOffOffset = 0  // int32, entry start in the region
	nodeOffLength = 4  // int32, rounded slot length
	nodeOffTTL    = 8  // int32, 0 = freed
	nodeOffSlot   = 12 // int32, owning bucket, nilRef when unchained
	nodeOffTime   = 16 // int64, unix seconds at insertion
	nodeOffNext   = 24 // int32, bucket chain or free chain link
	nodeOffHash   = 28 // uint32, fingerprint hash
)

const nilRef int32 = -1

const (
	minBuckets = 61
	maxBuckets = 65521
	// one bucket per this many region bytes
	bucketDivisor = 2048
)

var errIndexCorrupt = errors.New("cache index root is corrupt")

// node is the decoded view of one arena descriptor. Descriptors live in the
// region itself, so the index is reattached after a reload by simply
// re-reading these bytes.
type node struct {
	Offset    int32
	Length    int32
	TTL       int32
	Slot      int32
	TimeAdded int64
	Next      int32
	Hash      uint32
}

// index is the hash table over fingerprints plus the free pool of reusable
// slots. Buckets sit at the very top of the region; the descriptor arena
// grows downward beneath them, toward the entry slots growing up from the
// header.
type index struct {
	r *region
}

// bucketCountFor derives the bucket count from the region size. Reload
// compatibility follows from cacheSize equality, so the derivation must be
// stable across builds of the same cache version.
func bucketCountFor(cacheSize int) int32 {
	n := cacheSize / bucketDivisor
	if n < minBuckets {
		n = minBuckets
	}

	if n > maxBuckets {
		n = maxBuckets
	}

	return int32(n)
}

func (ix *index) slotCount() int32 { return ix.r.i32(hdrOffSlots) }
func (ix *index) nodeUsed() int32  { return ix.r.i32(hdrOffNodeUsed) }
func (ix *index) freeHead() int32  { return ix.r.i32(hdrOffFreeHead) }

func (ix *index) setNodeUsed(v int32) { ix.r.setI32(hdrOffNodeUsed, v) }
func (ix *index) setFreeHead(v int32) { ix.r.setI32(hdrOffFreeHead, v) }

// bucketBase is the region offset of the first bucket head.
func (ix *index) bucketBase() int {
	return ix.r.size() - 4*int(ix.slotCount())
}

// nodePos is the region offset of descriptor i.
func (ix *index) nodePos(i int32) int {
	return ix.bucketBase() - nodeSize*int(i+1)
}

// arenaFloor is the lowest region offset the arena may reach with the given
// number of descriptors; entry slots must stay below it.
func (ix *index) arenaFloor(used int32) int {
	return ix.bucketBase() - nodeSize*int(used)
}

func (ix *index) bucketHead(slot int32) int32 {
	return ix.r.i32(ix.bucketBase() + 4*int(slot))
}

func (ix *index) setBucketHead(slot, v int32) {
	ix.r.setI32(ix.bucketBase()+4*int(slot), v)
}

func (ix *index) loadNode(i int32) node {
	p := ix.nodePos(i)

	return node{
		Offset:    ix.r.i32(p + nodeOffOffset),
		Length:    ix.r.i32(p + nodeOffLength),
		TTL:       ix.r.i32(p + nodeOffTTL),
		Slot:      ix.r.i32(p + nodeOffSlot),
		TimeAdded: ix.r.i64(p + nodeOffTime),
		Next:      ix.r.i32(p + nodeOffNext),
		Hash:      ix.r.u32(p + nodeOffHash),
	}
}

func (ix *index) storeNode(i int32, n node) {
	p := ix.nodePos(i)

	ix.r.setI32(p+nodeOffOffset, n.Offset)
	ix.r.setI32(p+nodeOffLength, n.Length)
	ix.r.setI32(p+nodeOffTTL, n.TTL)
	ix.r.setI32(p+nodeOffSlot, n.Slot)
	ix.r.setI64(p+nodeOffTime, n.TimeAdded)
	ix.r.setI32(p+nodeOffNext, n.Next)
	ix.r.setU32(p+nodeOffHash, n.Hash)
}

// initFresh lays out an empty index for a just-created header.
func (ix *index) initFresh() {
	ix.r.setI32(hdrOffSlots, bucketCountFor(ix.r.size()))
	ix.setNodeUsed(0)
	ix.setFreeHead(nilRef)

	for s := int32(0); s < ix.slotCount(); s++ {
		ix.setBucketHead(s, nilRef)
	}
}

// reattach validates the persisted index root after a region reload. The
// bucket heads and descriptors are region bytes and need no rebuilding.
func (ix *index) reattach() error {
	if ix.slotCount() != bucketCountFor(ix.r.size()) {
		return errIndexCorrupt
	}

	used := ix.nodeUsed()
	if used < 0 || ix.arenaFloor(used) < headerSize {
		return errIndexCorrupt
	}

	if int(ix.r.end()) > ix.arenaFloor(used) {
		return errIndexCorrupt
	}

	return nil
}

func fingerprintHash(fp []byte) uint32 {
	return uint32(xxhash.Sum64(fp))
}

func (ix *index) bucketFor(h uint32) int32 {
	return int32(h % uint32(ix.slotCount()))
}

// findUnused assigns a descriptor able to hold a rounded-length slot. It
// prefers the smallest adequate freed slot; otherwise a fresh descriptor is
// created for a slot to be carved at end. created reports which case
// happened; ok is false when neither the free pool nor the remaining region
// can serve the request.
func (ix *index) findUnused(rounded, end int32) (idx int32, nd node, created, ok bool) {
	bestPrev := nilRef
	best := nilRef

	var bestNode node

	prev := nilRef
	for cur := ix.freeHead(); cur != nilRef; {
		n := ix.loadNode(cur)
		if n.Length >= rounded && (best == nilRef || n.Length < bestNode.Length) {
			best, bestPrev, bestNode = cur, prev, n
		}

		prev, cur = cur, n.Next
	}

	if best != nilRef {
		ix.unlinkFree(best, bestPrev, bestNode.Next)
		bestNode.Next = nilRef

		return best, bestNode, false, true
	}

	used := ix.nodeUsed()
	if int(end)+int(rounded) > ix.arenaFloor(used+1) {
		return nilRef, node{}, false, false
	}

	ix.setNodeUsed(used + 1)

	return used, node{Offset: end, Length: rounded, Slot: nilRef, Next: nilRef}, true, true
}

func (ix *index) unlinkFree(idx, prev, next int32) {
	if prev == nilRef {
		ix.setFreeHead(next)

		return
	}

	p := ix.loadNode(prev)
	p.Next = next
	ix.storeNode(prev, p)
}

// removeFree unlinks idx from the free chain, if present.
func (ix *index) removeFree(idx int32) {
	prev := nilRef
	for cur := ix.freeHead(); cur != nilRef; {
		n := ix.loadNode(cur)
		if cur == idx {
			ix.unlinkFree(idx, prev, n.Next)

			return
		}

		prev, cur = cur, n.Next
	}
}

// insert chains the descriptor into the bucket for the fingerprint hash.
func (ix *index) insert(idx int32, nd node) {
	slot := ix.bucketFor(nd.Hash)
	nd.Slot = slot
	nd.Next = ix.bucketHead(slot)
	ix.setBucketHead(slot, idx)
	ix.storeNode(idx, nd)
}

// remove unchains the descriptor from its bucket and pushes it onto the head
// of the free chain with its (unchanged) slot length.
func (ix *index) remove(idx int32) {
	nd := ix.loadNode(idx)
	if nd.Slot != nilRef {
		ix.unchain(idx, nd.Slot)
	}

	nd.TTL = 0
	nd.Slot = nilRef
	nd.Next = ix.freeHead()
	ix.storeNode(idx, nd)
	ix.setFreeHead(idx)
}

func (ix *index) unchain(idx, slot int32) {
	cur := ix.bucketHead(slot)
	if cur == idx {
		ix.setBucketHead(slot, ix.loadNode(idx).Next)

		return
	}

	for steps := ix.nodeUsed(); cur != nilRef && steps > 0; steps-- {
		n := ix.loadNode(cur)
		if n.Next == idx {
			n.Next = ix.loadNode(idx).Next
			ix.storeNode(cur, n)

			return
		}

		cur = n.Next
	}
}

// chainIter walks the candidates in one bucket. The walk is bounded by the
// arena size so a corrupted chain cannot loop forever; consumers verify the
// fingerprint bytes against the region before accepting a candidate.
type chainIter struct {
	ix    *index
	cur   int32
	steps int32
}

// lookup positions an iterator at the bucket for hash h.
func (ix *index) lookup(h uint32) chainIter {
	return chainIter{ix: ix, cur: ix.bucketHead(ix.bucketFor(h)), steps: ix.nodeUsed()}
}

func (it *chainIter) next() (int32, node, bool) {
	if it.cur == nilRef || it.steps <= 0 {
		return nilRef, node{}, false
	}

	idx := it.cur
	nd := it.ix.loadNode(idx)
	it.cur = nd.Next
	it.steps--

	return idx, nd, true
}
