// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"fmt"
)

// Mem is the memory a Heap grows into.
// The region must be contiguous and must never move or shrink while a Heap
// uses it: Sbrk only appends to it.
type Mem interface {
	// Sbrk extends the region by incr bytes and returns the previous end
	// of the region (the offset of the new space). On failure it returns
	// an error wrapping ErrNoMem and the region is unchanged.
	Sbrk(incr uint64) (uint64, error)
	// Bytes returns the current region, [0, brk).
	Bytes() []byte
}

// SliceMem is a Mem backed by a byte slice reserved up front. The break
// moves inside the slice, so the region never relocates.
type SliceMem struct {
	buf []byte // whole reserved area
	brk uint64
}

// NewSliceMem returns a SliceMem that can grow up to max bytes.
func NewSliceMem(max uint64) (*SliceMem, error) {
	if max == 0 || max%RoundTo != 0 || max > uint64(maxInt) {
		return nil, fmt.Errorf("slice mem size %d: %w", max, ErrBadMemSize)
	}
	return &SliceMem{buf: make([]byte, max)}, nil
}

// Sbrk implements Mem.
func (m *SliceMem) Sbrk(incr uint64) (uint64, error) {
	if incr > uint64(len(m.buf))-m.brk {
		return 0, fmt.Errorf("sbrk %d (brk %d, max %d): %w",
			incr, m.brk, len(m.buf), ErrNoMem)
	}
	old := m.brk
	m.brk += incr
	return old, nil
}

// Bytes implements Mem.
func (m *SliceMem) Bytes() []byte {
	return m.buf[:m.brk:m.brk]
}

// Max returns the maximum region size.
func (m *SliceMem) Max() uint64 { return uint64(len(m.buf)) }

// Reset moves the break back to 0. Any Heap using m must be re-initialised.
func (m *SliceMem) Reset() { m.brk = 0 }

const maxInt = int(^uint(0) >> 1)
