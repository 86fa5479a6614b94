// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"encoding/binary"
)

// Block layout (o is the block offset, all blocks start on an 8 mod 16
// offset so that payloads are 16 byte aligned):
//
//	allocated:     [o] header | [o+8 ..) payload
//	free:          [o] header | [o+8] next | [o+16] prev | ... | [o+size-8] footer
//	free, compact: [o] next|flags | [o+8] prev|flags       (size == MinBlockSize)
//
// Allocated blocks have no footer, the following block caches whether its
// predecessor is free in its own header (prevFreeBit).

const (
	wsize = 8         // word size
	dsize = 2 * wsize // double word

	// MinBlockSize is the smallest block (header included).
	MinBlockSize = dsize
)

// word is a raw header / footer (or compact link) value.
type word uint64

const (
	allocBit    word = 1 << 0
	prevFreeBit word = 1 << 1
	compactBit  word = 1 << 2

	flagMask word = 0x7
	sizeMask word = ^word(RoundTo - 1)
)

// format is the metadata layout of a block.
type format uint8

const (
	normalFormat format = iota
	compactFormat
)

func (f format) String() string {
	if f == compactFormat {
		return "compact"
	}
	return "normal"
}

// pack builds a header word. size must be a multiple of RoundTo.
func pack(size uint64, alloc, prevFree bool) word {
	w := word(size)
	if alloc {
		w |= allocBit
	}
	if prevFree {
		w |= prevFreeBit
	}
	return w
}

// packLink builds a compact block link word (next in the header, prev in
// the payload word).
func packLink(off uint64) word {
	return word(off) | compactBit
}

func (w word) compact() bool { return w&compactBit != 0 }

func (w word) format() format {
	if w.compact() {
		return compactFormat
	}
	return normalFormat
}

// size returns the block size. Compact words carry a link instead of a
// size, their size is implicit.
func (w word) size() uint64 {
	if w.compact() {
		return MinBlockSize
	}
	return uint64(w & sizeMask)
}

func (w word) alloc() bool    { return w&allocBit != 0 }
func (w word) prevFree() bool { return w&prevFreeBit != 0 }

// link returns the offset stored in a compact word.
func (w word) link() uint64 { return uint64(w &^ flagMask) }

// arena is the managed region seen as an array of words.
type arena struct {
	buf []byte // [0, brk)
}

func (a *arena) get(off uint64) word {
	return word(binary.LittleEndian.Uint64(a.buf[off:]))
}

func (a *arena) put(off uint64, w word) {
	binary.LittleEndian.PutUint64(a.buf[off:], uint64(w))
}

func (a *arena) brk() uint64 { return uint64(len(a.buf)) }

// header returns the header word of block o.
func (a *arena) header(o uint64) word { return a.get(o) }

func (a *arena) blockSize(o uint64) uint64 { return a.get(o).size() }

func (a *arena) isAlloc(o uint64) bool { return a.get(o).alloc() }

// footer returns the footer of a normal free block.
func (a *arena) footer(o uint64) word {
	return a.get(o + a.blockSize(o) - wsize)
}

// writeAlloc marks block o allocated.
func (a *arena) writeAlloc(o, size uint64, prevFree bool) {
	a.put(o, pack(size, true, prevFree))
}

// writeFree lays out free block o with nil links. Free blocks never have
// a free predecessor once coalesced, so prevFree is not recorded.
func (a *arena) writeFree(o, size uint64) {
	if size == MinBlockSize {
		a.put(o, packLink(0))
		a.put(o+wsize, packLink(0))
		return
	}
	w := pack(size, false, false)
	a.put(o, w)
	a.put(o+size-wsize, w)
}

// setPrevFree updates the cached predecessor status of block o.
// o must be allocated (or the epilogue).
func (a *arena) setPrevFree(o uint64, prevFree bool) {
	w := a.get(o)
	if prevFree {
		w |= prevFreeBit
	} else {
		w &^= prevFreeBit
	}
	a.put(o, w)
}

// nextBlock returns the block following o.
func (a *arena) nextBlock(o uint64) uint64 {
	return o + a.blockSize(o)
}

// prevBlock returns the block preceding o, if it is free.
func (a *arena) prevBlock(o uint64) (uint64, bool) {
	if !a.header(o).prevFree() {
		return 0, false
	}
	return a.prevStart(o), true
}

// prevStart returns the start of the free block ending at o, using its
// footer (or, for a compact block, the compact bit of its payload word).
func (a *arena) prevStart(o uint64) uint64 {
	return o - a.get(o-wsize).size()
}

// free list links, stored inside the free block itself

func (a *arena) nextFree(o uint64) uint64 {
	if a.get(o).compact() {
		return a.get(o).link()
	}
	return uint64(a.get(o + wsize))
}

func (a *arena) prevFreeLink(o uint64) uint64 {
	if a.get(o).compact() {
		return a.get(o + wsize).link()
	}
	return uint64(a.get(o + 2*wsize))
}

func (a *arena) setNextFree(o, next uint64) {
	if a.get(o).compact() {
		a.put(o, packLink(next))
		return
	}
	a.put(o+wsize, word(next))
}

func (a *arena) setPrevFreeLink(o, prev uint64) {
	if a.get(o).compact() {
		a.put(o+wsize, packLink(prev))
		return
	}
	a.put(o+2*wsize, word(prev))
}

// payload conversions

func blockToPtr(o uint64) Ptr { return Ptr(o + wsize) }
func ptrToBlock(p Ptr) uint64 { return uint64(p) - wsize }

// roundUp rounds up a size to the next RoundTo multiple.
func roundUp(s uint64) uint64 {
	return (s + (RoundTo - 1)) & RoundToMask
}
