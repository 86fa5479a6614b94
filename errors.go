// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMem is returned by a Mem when the region cannot grow any more.
	ErrNoMem = errors.New("segmalloc: out of memory")

	// ErrBadChunk indicates an invalid heap extension size.
	ErrBadChunk = errors.New("segmalloc: chunk size must be a positive multiple of 16")

	// ErrBadMemSize indicates an invalid maximum size for a Mem.
	ErrBadMemSize = errors.New("segmalloc: invalid memory size")
)

// Invariant identifies the heap property a CheckError is about.
type Invariant string

const (
	InvSentinel  Invariant = "sentinel"   // prologue / epilogue
	InvBlockSize Invariant = "block-size" // size multiple of 16, >= MinBlockSize, in heap
	InvAlign     Invariant = "alignment"
	InvCoalesced Invariant = "coalesced" // no two adjacent free blocks
	InvPrevFree  Invariant = "prev-free" // cached predecessor status
	InvFooter    Invariant = "footer"
	InvBucket    Invariant = "bucket" // free block in the wrong list
	InvLinks     Invariant = "links"  // next/prev mismatch, cycles
	InvCount     Invariant = "count"  // free blocks vs list members
)

// CheckError describes a structural heap defect found by Verify.
type CheckError struct {
	Invariant Invariant
	Offset    uint64 // block offset, 0 if not block specific
	Tag       int    // caller supplied tag (see Check)
	LastOp    string // last public operation that modified the heap
	Msg       string
}

func (e *CheckError) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("%s at 0x%x: %s (tag %d, after %s)",
			e.Invariant, e.Offset, e.Msg, e.Tag, e.LastOp)
	}
	return fmt.Sprintf("%s: %s (tag %d, after %s)",
		e.Invariant, e.Msg, e.Tag, e.LastOp)
}
