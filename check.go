// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// Check verifies the whole heap (see Verify). On failure it logs the
// defect as a BUG and returns false.
// tag is an opaque caller value (e.g. a line number or an operation
// counter) reported in the log.
func (h *Heap) Check(tag int) bool {
	if err := h.Verify(tag); err != nil {
		BUG("check: %v\n", err)
		return false
	}
	return true
}

// Verify walks all the heap blocks and all the free lists and returns a
// *CheckError describing the first violated invariant, or nil.
// It is slow (linear in the heap size) and meant for tests and debugging.
//
// Checked: prologue and epilogue, block sizes and alignment, no two
// adjacent free blocks, the cached predecessor status, free block
// footers, the bucket of each listed block, list link consistency, the
// per list counters and the number of listed blocks against the number
// of free blocks (which may be one more).
func (h *Heap) Verify(tag int) error {
	fail := func(inv Invariant, o uint64, f string, a ...interface{}) error {
		return &CheckError{
			Invariant: inv,
			Offset:    o,
			Tag:       tag,
			LastOp:    h.lastOp,
			Msg:       fmt.Sprintf(f, a...),
		}
	}

	brk := h.brk()
	if brk < dsize || brk%RoundTo != 0 {
		return fail(InvSentinel, 0, "bad heap size %d", brk)
	}
	if pro := h.get(0); pro.compact() || pro.size() != 0 || !pro.alloc() {
		return fail(InvSentinel, 0, "bad prologue %#x", uint64(pro))
	}

	var freeBlocks uint64
	prevAlloc := true // prologue
	var prevBlk uint64
	o := uint64(wsize)
	for {
		if o > brk-wsize {
			return fail(InvBlockSize, o, "block past the heap end %d", brk)
		}
		hd := h.header(o)
		if !hd.compact() && hd.size() == 0 {
			break // epilogue
		}
		size := hd.size()
		if !hd.compact() && uint64(hd&^flagMask)%RoundTo != 0 {
			return fail(InvBlockSize, o, "size %#x not a multiple of %d",
				uint64(hd&^flagMask), RoundTo)
		}
		if size > brk-wsize-o {
			return fail(InvBlockSize, o, "size %d past the heap end %d",
				size, brk)
		}
		if (o+wsize)%RoundTo != 0 {
			return fail(InvAlign, o, "payload %#x not aligned", o+wsize)
		}
		if hd.alloc() {
			if hd.compact() {
				return fail(InvBlockSize, o, "allocated compact block")
			}
		} else {
			freeBlocks++
			if !prevAlloc {
				return fail(InvCoalesced, o, "free block after a free block")
			}
			if hd.compact() {
				if !h.get(o + wsize).compact() {
					return fail(InvFooter, o,
						"compact block prev link %#x without compact flag",
						uint64(h.get(o+wsize)))
				}
			} else {
				if size == MinBlockSize {
					return fail(InvBlockSize, o,
						"minimum size free block not in compact format")
				}
				ft := h.footer(o)
				if ft.compact() || ft.alloc() || ft.size() != size {
					return fail(InvFooter, o,
						"footer %#x does not match header %#x",
						uint64(ft), uint64(hd))
				}
			}
		}
		if !hd.compact() && hd.prevFree() == prevAlloc {
			return fail(InvPrevFree, o, "prev free flag %v, prev allocated %v",
				hd.prevFree(), prevAlloc)
		}
		if hd.prevFree() {
			if p, _ := h.prevBlock(o); p != prevBlk {
				return fail(InvFooter, o, "previous block boundary tag "+
					"points to %#x instead of %#x", p, prevBlk)
			}
		}
		prevAlloc = hd.alloc()
		prevBlk = o
		o += size
	}
	// epilogue
	if o != brk-wsize {
		return fail(InvSentinel, o, "epilogue not at the heap end %d", brk)
	}
	if ep := h.header(o); !ep.alloc() || ep.prevFree() == prevAlloc {
		return fail(InvSentinel, o, "bad epilogue %#x, last block allocated %v",
			uint64(ep), prevAlloc)
	}
	if p, ok := h.prevBlock(o); ok && p != prevBlk {
		return fail(InvFooter, o, "last block boundary tag points to %#x "+
			"instead of %#x", p, prevBlk)
	}

	var listed uint64
	for b := 0; b < BucketCount; b++ {
		var n, prev uint64
		for o := h.free.heads[b]; o != 0; o = h.nextFree(o) {
			if n > freeBlocks {
				return fail(InvLinks, o,
					"bucket %d longer than the %d free blocks (loop?)",
					b, freeBlocks)
			}
			if o < wsize || o >= brk-wsize || (o+wsize)%RoundTo != 0 {
				return fail(InvLinks, o, "bucket %d: link outside heap", b)
			}
			hd := h.header(o)
			if hd.alloc() {
				return fail(InvBucket, o, "bucket %d: allocated block listed", b)
			}
			if bucketFor(hd.size()) != b {
				return fail(InvBucket, o, "bucket %d: size %d belongs to %d",
					b, hd.size(), bucketFor(hd.size()))
			}
			if (b == 0) != hd.compact() {
				return fail(InvBucket, o, "bucket %d: %s block", b, hd.format())
			}
			if p := h.prevFreeLink(o); p != prev {
				return fail(InvLinks, o, "bucket %d: prev link %#x, expected %#x",
					b, p, prev)
			}
			prev = o
			n++
		}
		if n != h.free.no[b] {
			return fail(InvCount, 0, "bucket %d: %d blocks listed, counter %d",
				b, n, h.free.no[b])
		}
		listed += n
	}
	// one free block can be in flight between coalesce and insert
	if listed > freeBlocks || freeBlocks-listed > 1 {
		return fail(InvCount, 0, "%d free blocks, %d listed", freeBlocks, listed)
	}
	return nil
}

// DumpStatus writes the heap status in the log, at debug level.
func (h *Heap) DumpStatus() {
	h.dumpStatus()
}

// dumpStatus will write current status information in the log
func (h *Heap) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "sm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", h)
	if h == nil {
		return
	}
	brk := h.brk()
	Log.LLog(lev, 0, prefix, "heap size= %d, chunk= %d\n", brk, h.chunkSize)
	Log.LLog(lev, 0, prefix, "used= %d, free=%d (%d blocks), max used= %d\n",
		h.used.Used, h.Available(), h.free.count(), h.used.MaxUsed)
	Log.LLog(lev, 0, prefix, "grows= %d, splits= %d, coalesces= %d\n",
		h.used.Grows, h.used.Splits, h.used.Coalesces)
	Log.LLog(lev, 0, prefix, "operations= %d, last= %s\n", h.ops, h.lastOp)
	if h.options&SMDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all blocks:\n")
	i := 0
	for o := uint64(wsize); o+wsize <= brk; i++ {
		hd := h.header(o)
		if !hd.compact() && hd.size() == 0 {
			Log.LLog(lev, 0, prefix, "   %3d.    epilogue=%#x header=%#x\n",
				i, o, uint64(hd))
			break
		}
		Log.LLog(lev, 0, prefix,
			"   %3d.    block=%#x size=%d alloc=%v prev_free=%v %s\n",
			i, o, hd.size(), hd.alloc(), hd.prevFree(), hd.format())
		if hd.size() > brk-wsize-o {
			Log.LLog(lev, 0, prefix, "   bad block size %d at %#x\n",
				hd.size(), o)
			break
		}
		o += hd.size()
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	limit := brk / MinBlockSize
	for b := 0; b < BucketCount; b++ {
		j := uint64(0)
		for o := h.free.heads[b]; o != 0 && o+wsize <= brk && j <= limit; o = h.nextFree(o) {
			j++
		}
		if j != 0 {
			Log.LLog(lev, 0, prefix,
				"bucket= %2d. blocks no.: %5d\t bucket size: %9d - %9d (first %d)\n",
				b, j, uint64(MinBlockSize)<<b, uint64(MinBlockSize)<<(b+1)-1,
				h.blockSize(h.free.heads[b]))
		}
		if j != h.free.no[b] {
			BUG("sm_status: different free block count: %d != %d"+
				" for bucket %2d\n",
				j, h.free.no[b], b)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
