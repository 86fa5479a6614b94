// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/intuitivelabs/mallocs/segmalloc"
)

// Allocator is the allocator under test (e.g. a *segmalloc.Heap).
type Allocator interface {
	Malloc(size uint64) segmalloc.Ptr
	Realloc(p segmalloc.Ptr, size uint64) segmalloc.Ptr
	Free(p segmalloc.Ptr)
	Bytes(p segmalloc.Ptr) []byte
	HeapSize() uint64
}

// Checker is implemented by allocators able to verify their own
// structure (see segmalloc.Heap.Check).
type Checker interface {
	Check(tag int) bool
}

var (
	ErrNoMem     = errors.New("allocation failed")
	ErrAlign     = errors.New("payload not aligned")
	ErrOutside   = errors.New("payload outside the heap")
	ErrOverlap   = errors.New("payload overlaps a live block")
	ErrCorrupted = errors.New("payload corrupted")
	ErrHeapCheck = errors.New("heap check failed")
	ErrLiveID    = errors.New("id already allocated")
)

// ReplayError is a correctness failure at trace operation Index.
type ReplayError struct {
	Trace string
	Index int
	Op    Op
	Err   error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s: op %d (%s): %v", e.Trace, e.Index, e.Op, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// ReplayOptions controls Replay.
type ReplayOptions struct {
	Check bool // call Checker.Check after each operation
}

// Result holds the statistics of a successful replay.
type Result struct {
	Name     string
	Weight   int
	Ops      int
	Peak     uint64 // maximum sum of the live requested sizes
	HeapSize uint64 // final heap size
	Elapsed  time.Duration
}

// Util returns the peak payload to heap size ratio.
func (r *Result) Util() float64 {
	if r.HeapSize == 0 {
		return 0
	}
	return float64(r.Peak) / float64(r.HeapSize)
}

// Throughput returns the operations per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

type block struct {
	p    segmalloc.Ptr
	size uint64
	sum  uint64 // payload xxh3
}

// liveSet indexes the live blocks both by id and by address.
type liveSet struct {
	byID   map[int]block
	byAddr []block // sorted by p, non overlapping
}

func (s *liveSet) pos(p segmalloc.Ptr) (int, bool) {
	return slices.BinarySearchFunc(s.byAddr, p, func(b block, p segmalloc.Ptr) int {
		switch {
		case b.p < p:
			return -1
		case b.p > p:
			return 1
		}
		return 0
	})
}

// overlaps returns true if [p, p+size) intersects a live block.
func (s *liveSet) overlaps(p segmalloc.Ptr, size uint64) bool {
	i, found := s.pos(p)
	if found {
		return true
	}
	if i > 0 {
		if b := s.byAddr[i-1]; uint64(b.p)+b.size > uint64(p) {
			return true
		}
	}
	return i < len(s.byAddr) && uint64(s.byAddr[i].p) < uint64(p)+size
}

func (s *liveSet) add(id int, b block) {
	s.byID[id] = b
	i, _ := s.pos(b.p)
	s.byAddr = slices.Insert(s.byAddr, i, b)
}

func (s *liveSet) del(id int) {
	b := s.byID[id]
	delete(s.byID, id)
	if i, ok := s.pos(b.p); ok {
		s.byAddr = slices.Delete(s.byAddr, i, i+1)
	}
}

// fillPattern writes an id and operation dependent pattern in b.
func fillPattern(b []byte, id, idx int) {
	v := uint64(id)*0x9e3779b97f4a7c15 ^ uint64(idx)
	for i := range b {
		if i%8 == 0 {
			v ^= v << 13
			v ^= v >> 7
			v ^= v << 17
		}
		b[i] = byte(v >> (8 * (i % 8)))
	}
}

// Replay runs all the operations of t on a and checks each returned
// payload: alignment, heap bounds, no overlap with the live blocks and
// content preservation (payloads are filled with a pattern and verified
// before realloc and free).
// It returns a *ReplayError on the first failure.
func Replay(a Allocator, t *Trace, opts ReplayOptions) (*Result, error) {
	res := &Result{Name: t.Name, Weight: t.Weight}
	live := liveSet{byID: make(map[int]block)}
	var cur uint64

	var chk Checker
	if opts.Check {
		chk, _ = a.(Checker)
	}

	start := time.Now()
	for i, op := range t.Ops {
		fail := func(err error) error {
			return &ReplayError{Trace: t.Name, Index: i, Op: op, Err: err}
		}
		// newBlock validates and records p, a payload of op.Size bytes
		newBlock := func(p segmalloc.Ptr) error {
			if p == segmalloc.Nil {
				if op.Size == 0 {
					return nil
				}
				return fail(ErrNoMem)
			}
			if uint64(p)%segmalloc.RoundTo != 0 {
				return fail(fmt.Errorf("%w: %#x", ErrAlign, uint64(p)))
			}
			pl := a.Bytes(p)
			if uint64(len(pl)) < op.Size || uint64(p)+op.Size > a.HeapSize() {
				return fail(fmt.Errorf("%w: %#x + %d, heap %d", ErrOutside,
					uint64(p), op.Size, a.HeapSize()))
			}
			if live.overlaps(p, op.Size) {
				return fail(fmt.Errorf("%w: %#x + %d", ErrOverlap, uint64(p), op.Size))
			}
			pl = pl[:op.Size]
			fillPattern(pl, op.ID, i)
			live.add(op.ID, block{p: p, size: op.Size, sum: xxh3.Hash(pl)})
			cur += op.Size
			res.Peak = max(res.Peak, cur)
			return nil
		}
		verify := func(b block) error {
			if xxh3.Hash(a.Bytes(b.p)[:b.size]) != b.sum {
				return fail(fmt.Errorf("%w: %#x + %d", ErrCorrupted, uint64(b.p), b.size))
			}
			return nil
		}

		switch op.Kind {
		case OpAlloc:
			if _, ok := live.byID[op.ID]; ok {
				return nil, fail(ErrLiveID)
			}
			if err := newBlock(a.Malloc(op.Size)); err != nil {
				return nil, err
			}
		case OpRealloc:
			old, ok := live.byID[op.ID]
			var prefix uint64
			keep := min(old.size, op.Size)
			if ok {
				if err := verify(old); err != nil {
					return nil, err
				}
				prefix = xxh3.Hash(a.Bytes(old.p)[:keep])
			}
			p := a.Realloc(old.p, op.Size)
			if p == segmalloc.Nil && op.Size != 0 {
				// the old block is still valid
				return nil, fail(ErrNoMem)
			}
			if ok {
				live.del(op.ID)
				cur -= old.size
			}
			if ok && p != segmalloc.Nil && xxh3.Hash(a.Bytes(p)[:keep]) != prefix {
				return nil, fail(fmt.Errorf("%w: realloc %#x -> %#x lost data",
					ErrCorrupted, uint64(old.p), uint64(p)))
			}
			if err := newBlock(p); err != nil {
				return nil, err
			}
		case OpFree:
			b, ok := live.byID[op.ID]
			if ok {
				if err := verify(b); err != nil {
					return nil, err
				}
				live.del(op.ID)
				cur -= b.size
			}
			a.Free(b.p)
		}
		if chk != nil && !chk.Check(i) {
			return nil, fail(ErrHeapCheck)
		}
	}
	res.Elapsed = time.Since(start)
	res.Ops = len(t.Ops)
	res.HeapSize = a.HeapSize()
	return res, nil
}
