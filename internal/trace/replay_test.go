// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/segmalloc"
)

func newHeap(t *testing.T, max uint64) *segmalloc.Heap {
	t.Helper()
	mem, err := segmalloc.NewSliceMem(max)
	require.NoError(t, err)
	h, err := segmalloc.New(mem, segmalloc.DefaultChunkSize, 0)
	require.NoError(t, err)
	return h
}

// bump is a never freeing allocator, with optional defects.
type bump struct {
	buf      []byte
	brk      uint64
	fixed    segmalloc.Ptr // if set, always returned by Malloc
	skew     uint64        // added to each returned pointer
	scribble bool          // Free overwrites the whole memory
	checkBad int           // Check fails at this tag (if > 0)
}

func newBump() *bump { return &bump{buf: make([]byte, 1<<20), brk: 16} }

func (b *bump) Malloc(size uint64) segmalloc.Ptr {
	if size == 0 {
		return segmalloc.Nil
	}
	if b.fixed != segmalloc.Nil {
		return b.fixed
	}
	p := b.brk
	b.brk += (size + 15) &^ 15
	return segmalloc.Ptr(p + b.skew)
}

func (b *bump) Realloc(p segmalloc.Ptr, size uint64) segmalloc.Ptr {
	if size == 0 {
		b.Free(p)
		return segmalloc.Nil
	}
	np := b.Malloc(size)
	if p != segmalloc.Nil {
		copy(b.buf[np:uint64(np)+size], b.buf[p:])
	}
	return np
}

func (b *bump) Free(p segmalloc.Ptr) {
	if b.scribble {
		for i := range b.buf {
			b.buf[i] = 0xaa
		}
	}
}

func (b *bump) Bytes(p segmalloc.Ptr) []byte { return b.buf[p:] }
func (b *bump) HeapSize() uint64 { return uint64(len(b.buf)) }
func (b *bump) Check(tag int) bool { return b.checkBad == 0 || tag != b.checkBad }

func TestReplayHeap(t *testing.T) {
	tr, err := Parse(strings.NewReader(shortTrace))
	require.NoError(t, err)
	tr.Name = "short"

	h := newHeap(t, 1<<20)
	res, err := Replay(h, tr, ReplayOptions{Check: true})
	require.NoError(t, err)
	assert.Equal(t, "short", res.Name)
	assert.Equal(t, 6, res.Ops)
	// 512 + 128, then 640 + 128 during the realloc
	assert.Equal(t, uint64(768), res.Peak)
	assert.Equal(t, h.HeapSize(), res.HeapSize)
	assert.Greater(t, res.Util(), 0.0)
	assert.LessOrEqual(t, res.Util(), 1.0)
	assert.Equal(t, uint64(32), h.MUsage().Used, "only id 2 is still allocated")
}

func TestReplayGenerated(t *testing.T) {
	cfg := DefaultGenConfig()
	cfg.Ops = 4000
	cfg.Seed = 7
	tr := Generate(cfg)

	h := newHeap(t, 64<<20)
	res, err := Replay(h, tr, ReplayOptions{Check: true})
	require.NoError(t, err)
	assert.Equal(t, len(tr.Ops), res.Ops)
	assert.Equal(t, tr.SuggestedHeap, res.Peak)
	assert.Zero(t, h.MUsage().Used)
	assert.True(t, h.Check(0))
}

func TestReplayFileRoundTrip(t *testing.T) {
	cfg := DefaultGenConfig()
	cfg.Ops = 500
	tr := Generate(cfg)
	var buf bytes.Buffer
	_, err := tr.WriteTo(&buf)
	require.NoError(t, err)
	tr2, err := Parse(&buf)
	require.NoError(t, err)

	res, err := Replay(newHeap(t, 16<<20), tr2, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, tr.SuggestedHeap, res.Peak)
}

func TestReplayFailures(t *testing.T) {
	tr, err := Parse(strings.NewReader(shortTrace))
	require.NoError(t, err)
	tr.Name = "short"

	tests := []struct {
		name  string
		alloc *bump
		err   error
		index int
	}{
		{"overlap", &bump{fixed: 32}, ErrOverlap, 1},
		{"align", &bump{skew: 8}, ErrAlign, 0},
		{"outside", &bump{fixed: 1<<20 - 256}, ErrOutside, 0},
		{"corrupted", &bump{scribble: true}, ErrCorrupted, 4},
		{"check", &bump{checkBad: 2}, ErrHeapCheck, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBump()
			b.fixed, b.skew, b.scribble, b.checkBad =
				tt.alloc.fixed, tt.alloc.skew, tt.alloc.scribble, tt.alloc.checkBad
			_, err := Replay(b, tr, ReplayOptions{Check: true})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			var re *ReplayError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.index, re.Index, "%v", err)
			assert.Equal(t, tr.Ops[tt.index], re.Op)
			assert.Contains(t, err.Error(), "short: op ")
		})
	}
}

func TestReplayNoMem(t *testing.T) {
	tr := &Trace{NumIDs: 1, Ops: []Op{{OpAlloc, 0, 1 << 20}}}
	_, err := Replay(newHeap(t, 4096), tr, ReplayOptions{})
	assert.ErrorIs(t, err, ErrNoMem)
}

func TestReplayLiveID(t *testing.T) {
	tr := &Trace{NumIDs: 1, Ops: []Op{{OpAlloc, 0, 10}, {OpAlloc, 0, 10}}}
	_, err := Replay(newHeap(t, 4096), tr, ReplayOptions{})
	assert.ErrorIs(t, err, ErrLiveID)
}

func TestReplayUnknownIDs(t *testing.T) {
	// realloc of a dead id allocates, free of a dead id does nothing
	tr := &Trace{NumIDs: 2, Ops: []Op{
		{OpFree, 0, 0},
		{OpRealloc, 1, 100},
		{OpRealloc, 1, 0},
		{OpAlloc, 0, 0},
	}}
	h := newHeap(t, 4096)
	res, err := Replay(h, tr, ReplayOptions{Check: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Peak)
	assert.Zero(t, h.MUsage().Used)
}

func TestLiveSetOverlaps(t *testing.T) {
	s := liveSet{byID: map[int]block{}}
	s.add(1, block{p: 64, size: 32})
	s.add(2, block{p: 16, size: 16})
	s.add(3, block{p: 128, size: 1})

	assert.Equal(t, []segmalloc.Ptr{16, 64, 128},
		[]segmalloc.Ptr{s.byAddr[0].p, s.byAddr[1].p, s.byAddr[2].p})
	assert.False(t, s.overlaps(32, 32))
	assert.True(t, s.overlaps(32, 33))
	assert.True(t, s.overlaps(80, 16))
	assert.False(t, s.overlaps(96, 32))
	assert.True(t, s.overlaps(96, 33))
	assert.True(t, s.overlaps(128, 16))
	assert.False(t, s.overlaps(144, 1000))

	s.del(1)
	assert.False(t, s.overlaps(32, 96))
	assert.Len(t, s.byAddr, 2)
}
