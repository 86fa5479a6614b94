// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"sync"
)

// Locked serializes all the calls to a Heap with one big lock.
// The Heap itself never locks: every user sharing a Heap between
// goroutines must go through a Locked (or an equivalent lock), interleaved
// operations silently corrupt the heap.
//
// Payload slices returned by Bytes are not protected, the caller owns
// them until the corresponding Free.
type Locked struct {
	bigLock sync.Mutex
	h       *Heap
}

// NewLocked returns a Locked wrapping h.
func NewLocked(h *Heap) *Locked {
	return &Locked{h: h}
}

func (l *Locked) lock() {
	l.bigLock.Lock()
}
func (l *Locked) unlock() {
	l.bigLock.Unlock()
}

// Malloc is the locking version of Heap.Malloc.
func (l *Locked) Malloc(size uint64) Ptr {
	l.lock()
	p := l.h.Malloc(size)
	l.unlock()
	return p
}

// Free is the locking version of Heap.Free.
func (l *Locked) Free(p Ptr) {
	l.lock()
	l.h.Free(p)
	l.unlock()
}

// Realloc is the locking version of Heap.Realloc.
func (l *Locked) Realloc(p Ptr, size uint64) Ptr {
	l.lock()
	res := l.h.Realloc(p, size)
	l.unlock()
	return res
}

// Calloc is the locking version of Heap.Calloc.
func (l *Locked) Calloc(n, size uint64) Ptr {
	l.lock()
	p := l.h.Calloc(n, size)
	l.unlock()
	return p
}

// Bytes is the locking version of Heap.Bytes.
func (l *Locked) Bytes(p Ptr) []byte {
	l.lock()
	b := l.h.Bytes(p)
	l.unlock()
	return b
}

// Check is the locking version of Heap.Check.
func (l *Locked) Check(tag int) bool {
	l.lock()
	defer l.unlock()
	return l.h.Check(tag)
}

// MUsage is the locking version of Heap.MUsage.
func (l *Locked) MUsage() MUsed {
	l.lock()
	defer l.unlock()
	return l.h.MUsage()
}
