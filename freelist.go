// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"math/bits"
)

const (
	// BucketCount is the number of segregated free lists.
	BucketCount = 13
	// log2(MinBlockSize): bucket 0 starts at MinBlockSize.
	bucketBaseShift = 4
)

// freeIndex holds the segregated free lists. Bucket i contains the free
// blocks with floor(log2(size)) == i + bucketBaseShift, the last bucket
// everything bigger. Since sizes are multiples of 16, bucket 0 contains
// only MinBlockSize (compact) blocks.
type freeIndex struct {
	heads [BucketCount]uint64 // first block offset, 0 == empty
	no    [BucketCount]uint64 // number of blocks in each list
}

// bucketFor returns the free list index for a block of size s.
func bucketFor(s uint64) int {
	if s == 0 {
		return 0
	}
	b := bits.Len64(s) - 1 - bucketBaseShift
	if b < 0 {
		return 0
	}
	if b >= BucketCount {
		return BucketCount - 1
	}
	return b
}

// insert pushes free block o in front of its list.
// o metadata must already be written (see arena.writeFree).
func (f *freeIndex) insert(a *arena, o uint64) {
	b := bucketFor(a.blockSize(o))
	head := f.heads[b]
	a.setNextFree(o, head)
	a.setPrevFreeLink(o, 0)
	if head != 0 {
		a.setPrevFreeLink(head, o)
	}
	f.heads[b] = o
	f.no[b]++
}

// remove unlinks free block o from its list.
// It must be called before o's size is changed.
func (f *freeIndex) remove(a *arena, o uint64) {
	b := bucketFor(a.blockSize(o))
	prev := a.prevFreeLink(o)
	next := a.nextFree(o)
	if prev == 0 {
		f.heads[b] = next
	} else {
		a.setNextFree(prev, next)
	}
	if next != 0 {
		a.setPrevFreeLink(next, prev)
	}
	f.no[b]--
}

// findFit returns the smallest block >= size in the first bucket that has
// any block big enough, or 0. The block is not removed.
func (f *freeIndex) findFit(a *arena, size uint64) uint64 {
	for b := bucketFor(size); b < BucketCount; b++ {
		var best uint64
		bestSize := ^uint64(0)
		for o := f.heads[b]; o != 0; o = a.nextFree(o) {
			s := a.blockSize(o)
			if s >= size && s < bestSize {
				best, bestSize = o, s
				if s == size {
					break
				}
			}
		}
		if best != 0 {
			return best
		}
	}
	return 0
}

// count returns the total number of blocks on all the lists.
func (f *freeIndex) count() uint64 {
	var n uint64
	for _, c := range f.no {
		n += c
	}
	return n
}
