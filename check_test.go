// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeBlocks returns a heap without checks containing 3 allocated 32 bytes
// blocks (at 8, 40 and 72) followed by a 928 bytes free block (at 104).
func threeBlocks(t *testing.T) (*Heap, [3]Ptr) {
	t.Helper()
	h := newHeap(t, 1<<16, DefaultChunkSize, 0)
	var p [3]Ptr
	for i := range p {
		p[i] = h.Malloc(20)
		require.Equal(t, Ptr(16+32*i), p[i])
	}
	require.NoError(t, h.Verify(0))
	return h, p
}

// captureStderr returns what fn writes to stderr (the log output).
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	defer func() { os.Stderr = orig }()
	fn()
	w.Close()
	return string(<-done)
}

func requireInvariant(t *testing.T, h *Heap, inv Invariant, off uint64) *CheckError {
	t.Helper()
	err := h.Verify(77)
	require.Error(t, err)
	var ce *CheckError
	require.True(t, errors.As(err, &ce), "unexpected error type %T", err)
	assert.Equal(t, inv, ce.Invariant, "%v", err)
	assert.Equal(t, off, ce.Offset, "%v", err)
	assert.Equal(t, 77, ce.Tag)
	assert.False(t, h.Check(78))
	return ce
}

func TestVerifyDoubleFree(t *testing.T) {
	h, p := threeBlocks(t)
	h.Free(p[0])
	require.NoError(t, h.Verify(0))
	h.Free(p[0])
	ce := requireInvariant(t, h, InvLinks, 8)
	assert.Equal(t, "free", ce.LastOp)
	assert.Contains(t, ce.Error(), "links at 0x8")
}

func TestVerifyPrevFree(t *testing.T) {
	h, _ := threeBlocks(t)
	h.setPrevFree(72, true)
	requireInvariant(t, h, InvPrevFree, 72)
}

func TestVerifyFooter(t *testing.T) {
	h, p := threeBlocks(t)
	h.Free(p[1])
	require.NoError(t, h.Verify(0))
	h.put(64, pack(48, false, false))
	requireInvariant(t, h, InvFooter, 40)
}

func TestVerifyCoalesced(t *testing.T) {
	h, p := threeBlocks(t)
	h.Free(p[1])
	// free the first block behind the allocator's back
	h.writeFree(8, 32)
	h.free.insert(&h.arena, 8)
	requireInvariant(t, h, InvCoalesced, 40)
}

func TestVerifyCounter(t *testing.T) {
	h, _ := threeBlocks(t)
	h.free.no[3]++
	ce := requireInvariant(t, h, InvCount, 0)
	assert.Equal(t, "malloc", ce.LastOp)
	assert.Contains(t, ce.Error(), "count: bucket 3")
}

func TestVerifyBucket(t *testing.T) {
	h, _ := threeBlocks(t)
	b := bucketFor(928)
	require.Equal(t, uint64(104), h.free.heads[b])
	h.free.heads[b-1], h.free.no[b-1] = h.free.heads[b], h.free.no[b]
	h.free.heads[b], h.free.no[b] = 0, 0
	requireInvariant(t, h, InvBucket, 104)
}

func TestVerifySentinels(t *testing.T) {
	h, _ := threeBlocks(t)
	h.put(h.brk()-wsize, pack(0, false, true))
	requireInvariant(t, h, InvSentinel, h.brk()-wsize)

	h, _ = threeBlocks(t)
	h.put(0, pack(16, true, false))
	requireInvariant(t, h, InvSentinel, 0)
}

func TestVerifyBlockSize(t *testing.T) {
	h, _ := threeBlocks(t)
	h.put(40, pack(1<<20, true, false))
	requireInvariant(t, h, InvBlockSize, 40)

	// a size that wraps the offset around must not send the walk back
	h, _ = threeBlocks(t)
	h.put(40, pack(^uint64(0)-31, true, false))
	requireInvariant(t, h, InvBlockSize, 40)

	LogVerbose(true)
	defer LogVerbose(false)
	out := captureStderr(t, h.DumpStatus)
	assert.Contains(t, out, "bad block size")
	assert.NotContains(t, out, "epilogue=")
}

func TestDumpStatusShort(t *testing.T) {
	LogVerbose(true)
	defer LogVerbose(false)

	h := newHeap(t, 1<<16, DefaultChunkSize, SMDumpStatsShort)
	h.Malloc(10)
	out := captureStderr(t, h.DumpStatus)
	assert.Contains(t, out, "operations= 2, last= malloc")
	assert.NotContains(t, out, "dumping all blocks")

	h.options &^= SMDumpStatsShort
	out = captureStderr(t, h.DumpStatus)
	assert.Contains(t, out, "dumping all blocks")
	assert.Contains(t, out, "epilogue=")
}

func TestVerifyUnlisted(t *testing.T) {
	h, p := threeBlocks(t)
	h.Free(p[1])
	// one free block off the lists is tolerated (insert pending)
	h.free.remove(&h.arena, 104)
	require.NoError(t, h.Verify(0))
	h.free.remove(&h.arena, 40)
	requireInvariant(t, h, InvCount, 0)
}

func TestChecksPanic(t *testing.T) {
	h := newHeap(t, 1<<16, DefaultChunkSize, SMChecks)
	p := h.Malloc(20)
	require.NotEqual(t, Nil, p)
	h.setPrevFree(ptrToBlock(p), true)
	assert.Panics(t, func() { h.Malloc(20) })
}

func TestChecksBadPointers(t *testing.T) {
	h := newHeap(t, 1<<16, DefaultChunkSize, SMChecks)
	p := h.Malloc(20)
	require.NotEqual(t, Nil, p)
	h.Free(p)
	assert.Panics(t, func() { h.Free(p) }, "double free")
	assert.Panics(t, func() { h.Realloc(p, 10) }, "realloc of a freed block")
	assert.Panics(t, func() { h.Free(p + 8) }, "unaligned")
	assert.Panics(t, func() { h.Free(Ptr(h.HeapSize())) }, "outside")
	assert.NoError(t, h.Verify(0))
}
