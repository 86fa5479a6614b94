// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package segmalloc provides a segregated fit malloc library working on a
// single growable memory region.
//
// Blocks carry a one word header, free blocks also a footer (boundary tag)
// and the free list links. Free blocks are kept in size segregated, LIFO,
// doubly linked lists and are always coalesced with their free neighbours.
//
// A Heap is not safe for concurrent use (see Locked).
package segmalloc

import (
	"errors"
	"fmt"
	"math/bits"
)

const NAME = "segmalloc"

// size we round to, must be 2^n
const (
	RoundTo     = 16
	RoundToMask = ^(uint64(RoundTo) - 1)
)

// DefaultChunkSize is the minimum heap extension.
const DefaultChunkSize = 1 << 10

// biggest request for which the block size computation cannot overflow
const maxRequest = ^uint64(0) - wsize - RoundTo

// ErrMemInUse is returned by Init for a Mem that was already grown.
var ErrMemInUse = errors.New("segmalloc: memory region not empty")

// Ptr is the offset of an allocation payload inside the heap memory.
type Ptr uint64

// Nil is the failure / "no allocation" Ptr.
const Nil Ptr = 0

// MUsed contains the heap memory usage statistics.
type MUsed struct {
	Used     uint64 // bytes in allocated blocks, headers included
	MaxUsed  uint64
	HeapSize uint64 // managed region size, sentinels included

	Grows     uint64 // heap extensions
	Splits    uint64 // blocks split on allocation
	Coalesces uint64 // neighbour merges
}

// Options encodes various configuration flags for a Heap.
type Options uint32

const (
	SMChecks         Options = 1 << iota // verify the heap after each operation
	SMDebug                              // log each operation
	SMDumpStatsShort                     // dump status in log, short version
	SMDefaultOptions Options = 0
)

// Heap is a segregated fit allocator over a Mem.
// It includes the memory, the free lists and the classical malloc
// functions (as methods).
type Heap struct {
	arena
	free freeIndex

	mem       Mem
	chunkSize uint64
	options   Options
	used      MUsed // statistics

	ops    uint64 // public operations so far
	lastOp string
}

// Checks returns true if the heap is verified after each operation.
func (h *Heap) Checks() bool { return h.options&SMChecks != 0 }

// Debug returns true if operation logging is turned on.
func (h *Heap) Debug() bool { return h.options&SMDebug != 0 }

// addUsed increases the "used" stats with the given block size.
func (h *Heap) addUsed(size uint64) {
	h.used.Used += size
	if h.used.MaxUsed < h.used.Used {
		h.used.MaxUsed = h.used.Used
	}
}

// subUsed subtracts size from the "used" stats.
func (h *Heap) subUsed(size uint64) {
	h.used.Used -= size
}

// MUsage returns current memory usage values.
func (h *Heap) MUsage() MUsed {
	u := h.used
	u.HeapSize = h.brk()
	return u
}

// HeapSize returns the current size of the managed region.
func (h *Heap) HeapSize() uint64 { return h.brk() }

// Available returns how many bytes are in free blocks (free memory,
// headers included).
func (h *Heap) Available() uint64 {
	return h.brk() - h.used.Used - dsize
}

// New creates a heap on mem. See Init.
func New(mem Mem, chunkSize uint64, options Options) (*Heap, error) {
	h := &Heap{}
	if err := h.Init(mem, chunkSize, options); err != nil {
		return nil, err
	}
	return h, nil
}

// Init initialises a heap on an empty mem.
// The parameters are: the memory to grow into, the minimum heap extension
// size (a multiple of RoundTo, usually DefaultChunkSize) and some
// configuration options flags.
// It creates the prologue and epilogue and a first free block of
// chunkSize bytes.
func (h *Heap) Init(mem Mem, chunkSize uint64, options Options) error {
	if chunkSize == 0 || chunkSize%RoundTo != 0 {
		return ErrBadChunk
	}
	*h = Heap{} // zero, in case of re-init
	h.mem = mem
	h.chunkSize = chunkSize
	h.options = options

	if len(mem.Bytes()) != 0 {
		return ErrMemInUse
	}
	if _, err := mem.Sbrk(dsize); err != nil {
		return fmt.Errorf("heap init: %w", err)
	}
	h.buf = mem.Bytes()
	h.put(0, pack(0, true, false))     // prologue
	h.put(wsize, pack(0, true, false)) // epilogue

	o, err := h.extendHeap(chunkSize)
	if err != nil {
		return fmt.Errorf("heap init: %w", err)
	}
	h.free.insert(&h.arena, o)
	h.done("init", 0, Nil)
	return nil
}

// extendHeap grows the heap by size bytes. The new space becomes a free
// block, merged with the last block if that one was free. The result is
// not on the free lists.
func (h *Heap) extendHeap(size uint64) (uint64, error) {
	bp, err := h.mem.Sbrk(size)
	if err != nil {
		return 0, err
	}
	h.buf = h.mem.Bytes()
	h.used.Grows++

	// the old epilogue header becomes the new block header
	o := bp - wsize
	prevFree := h.header(o).prevFree()
	h.put(o+size, pack(0, true, false)) // new epilogue
	return h.coalesce(o, size, prevFree), nil
}

// coalesce merges the block at o (size bytes, not on any free list) with
// its free neighbours, writes the result as a free block and marks it
// free in the following block header.
// It returns the merged block, which is not inserted in the free lists.
func (h *Heap) coalesce(o, size uint64, prevFree bool) uint64 {
	next := o + size
	if !h.isAlloc(next) {
		h.free.remove(&h.arena, next)
		size += h.blockSize(next)
		h.used.Coalesces++
	}
	if prevFree {
		prev := h.prevStart(o)
		h.free.remove(&h.arena, prev)
		size += h.blockSize(prev)
		o = prev
		h.used.Coalesces++
	}
	h.writeFree(o, size)
	h.setPrevFree(o+size, true)
	return o
}

// place allocates asize bytes at the start of the free block o (already
// removed from the free lists). A remainder big enough for a block is
// split off and returned to the free lists.
func (h *Heap) place(o, asize uint64) {
	csize := h.blockSize(o)
	prevFree := h.header(o).prevFree()
	if rest := csize - asize; rest >= MinBlockSize {
		h.writeAlloc(o, asize, prevFree)
		n := o + asize
		// n is surrounded by o and the old right neighbour which is
		// allocated, no coalescing needed
		h.writeFree(n, rest)
		h.free.insert(&h.arena, n)
		h.used.Splits++
		h.addUsed(asize)
		return
	}
	// too small to split
	h.writeAlloc(o, csize, prevFree)
	h.setPrevFree(o+csize, false)
	h.addUsed(csize)
}

// adjustSize returns the block size needed for a size bytes payload.
func adjustSize(size uint64) uint64 {
	asize := roundUp(size + wsize)
	if asize < MinBlockSize {
		return MinBlockSize
	}
	return asize
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure (size 0 or out of memory) it returns Nil.
func (h *Heap) Malloc(size uint64) Ptr {
	p := h.malloc(size)
	h.done("malloc", size, p)
	return p
}

func (h *Heap) malloc(size uint64) Ptr {
	if size == 0 || size > maxRequest {
		return Nil
	}
	asize := adjustSize(size)
	o := h.free.findFit(&h.arena, asize)
	if o != 0 {
		h.free.remove(&h.arena, o)
	} else {
		var err error
		o, err = h.extendHeap(max(h.chunkSize, asize))
		if err != nil {
			if DBGon() {
				DBG("malloc(%d): %v\n", size, err)
			}
			return Nil
		}
	}
	h.place(o, asize)
	return blockToPtr(o)
}

// Free releases the memory associated with p (p must have been previously
// returned by Malloc, Calloc or Realloc). Free(Nil) does nothing.
// Double frees and foreign pointers corrupt the heap, they are only
// detected in SMChecks mode (see also Verify).
func (h *Heap) Free(p Ptr) {
	if p == Nil {
		return
	}
	if h.Checks() {
		h.checkPtr("free", p)
	}
	h.free1(p)
	h.done("free", 0, p)
}

// checkPtr panics if p is not the payload of an allocated block.
func (h *Heap) checkPtr(op string, p Ptr) {
	if !h.Owns(p) {
		PANIC("BUG: %s called with pointer %#x out of the heap"+
			" (usable range %#x-%#x)\n", op, uint64(p), dsize, h.brk()-wsize)
	}
	if !h.isAlloc(ptrToBlock(p)) {
		PANIC("BUG: %s: pointer %#x already freed\n", op, uint64(p))
	}
}

func (h *Heap) free1(p Ptr) {
	o := ptrToBlock(p)
	hd := h.header(o)
	size := hd.size()
	h.subUsed(size)
	o = h.coalesce(o, size, hd.prevFree())
	h.free.insert(&h.arena, o)
}

// Realloc changes the size of the allocation p to size bytes.
// Realloc(Nil, size) is Malloc(size), Realloc(p, 0) is Free(p) and returns
// Nil. Otherwise the content is moved to a new block, up to the smaller of
// the old and new sizes, and p is freed.
// If not enough memory is available it returns Nil, but it will _not_
// free the original pointer p.
func (h *Heap) Realloc(p Ptr, size uint64) Ptr {
	if size == 0 {
		h.Free(p)
		return Nil
	}
	if p == Nil {
		return h.Malloc(size)
	}
	if h.Checks() {
		h.checkPtr("realloc", p)
	}
	np := h.malloc(size)
	if np == Nil {
		if WARNon() {
			WARN("realloc(%#x, %d): out of memory, keeping the old block\n",
				uint64(p), size)
		}
		h.done("realloc", size, np)
		return Nil
	}
	n := min(h.UsableSize(p), size)
	copy(h.buf[np:uint64(np)+n], h.buf[p:uint64(p)+n])
	h.free1(p)
	h.done("realloc", size, np)
	return np
}

// Calloc allocates zeroed memory for n elements of size bytes each.
// It returns Nil if n*size overflows or on out of memory.
func (h *Heap) Calloc(n, size uint64) Ptr {
	hi, total := bits.Mul64(n, size)
	if hi != 0 {
		h.done("calloc", n, Nil)
		return Nil
	}
	p := h.malloc(total)
	if p != Nil {
		clear(h.buf[p : uint64(p)+total])
	}
	h.done("calloc", total, p)
	return p
}

// UsableSize returns the payload size of the allocation p, which can be
// bigger than the requested size.
func (h *Heap) UsableSize(p Ptr) uint64 {
	if p == Nil {
		return 0
	}
	return h.blockSize(ptrToBlock(p)) - wsize
}

// Bytes returns the payload of the allocation p. The slice is only valid
// until p is freed or reallocated.
func (h *Heap) Bytes(p Ptr) []byte {
	if p == Nil {
		return nil
	}
	end := ptrToBlock(p) + h.blockSize(ptrToBlock(p))
	return h.buf[p:end:end]
}

// Owns returns whether or not p is inside the heap payload area and
// properly aligned. It does not tell whether p is currently allocated.
func (h *Heap) Owns(p Ptr) bool {
	return uint64(p) >= dsize && uint64(p) < h.brk()-wsize &&
		uint64(p)%RoundTo == 0
}

// BlockInfo describes one heap block (see Walk).
type BlockInfo struct {
	Offset   uint64 // header offset
	Size     uint64 // block size, header included
	Alloc    bool
	PrevFree bool
	Compact  bool // minimum size free block
}

// Ptr returns the payload pointer of the block.
func (b BlockInfo) Ptr() Ptr { return blockToPtr(b.Offset) }

// Walk calls fn for each block between the prologue and the epilogue, in
// address order, until fn returns false.
// It trusts the block sizes, use Verify on a possibly corrupted heap.
func (h *Heap) Walk(fn func(BlockInfo) bool) {
	for o := uint64(wsize); ; {
		hd := h.header(o)
		size := hd.size()
		if size == 0 {
			return
		}
		bi := BlockInfo{
			Offset:   o,
			Size:     size,
			Alloc:    hd.alloc(),
			PrevFree: hd.prevFree(),
			Compact:  hd.compact(),
		}
		if !fn(bi) {
			return
		}
		o = h.nextBlock(o)
	}
}

// done finishes a public operation: statistics, tracing and, in
// SMChecks mode, a full heap verification.
func (h *Heap) done(op string, size uint64, p Ptr) {
	h.ops++
	h.lastOp = op
	if h.Debug() && DBGon() {
		DBG("%d. %s(%d) -> %#x (heap %d, used %d)\n",
			h.ops, op, size, uint64(p), h.brk(), h.used.Used)
	}
	if h.Checks() {
		if err := h.Verify(int(h.ops)); err != nil {
			h.dumpStatus()
			PANIC("BUG: heap corrupted: %v\n", err)
		}
	}
}
