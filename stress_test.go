// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"
	"golang.org/x/exp/rand"
)

type liveAlloc struct {
	p    Ptr
	size uint64
	sum  uint64 // xxh3 of the payload
}

func randFill(rng *rand.Rand, b []byte) {
	v := rng.Uint64()
	for i := range b {
		b[i] = byte(v >> (8 * (i % 8)))
		if i%8 == 7 {
			v = rng.Uint64()
		}
	}
}

func overlaps(a Ptr, asize uint64, b Ptr, bsize uint64) bool {
	return uint64(a) < uint64(b)+bsize && uint64(b) < uint64(a)+asize
}

func TestStress(t *testing.T) {
	const (
		ops     = 12000
		maxLive = 300
		maxSize = 10000
	)
	rng := rand.New(rand.NewSource(42))
	h := newHeap(t, 64<<20, DefaultChunkSize, SMChecks)

	var live []liveAlloc
	alloc := func(i int, p Ptr, size uint64) liveAlloc {
		require.NotEqual(t, Nil, p, "op %d: out of memory for %d", i, size)
		require.Zero(t, uint64(p)%RoundTo, "op %d: unaligned %#x", i, p)
		require.True(t, h.Owns(p))
		for _, l := range live {
			require.False(t, overlaps(p, size, l.p, l.size),
				"op %d: [%#x, +%d) overlaps [%#x, +%d)", i, p, size, l.p, l.size)
		}
		b := h.Bytes(p)[:size]
		randFill(rng, b)
		return liveAlloc{p: p, size: size, sum: xxh3.Hash(b)}
	}

	for i := 0; i < ops; i++ {
		op := rng.Intn(10)
		switch {
		case len(live) == 0 || (op < 5 && len(live) < maxLive):
			size := 1 + rng.Uint64n(maxSize)
			live = append(live, alloc(i, h.Malloc(size), size))
		case op < 8:
			j := rng.Intn(len(live))
			l := live[j]
			require.Equal(t, l.sum, xxh3.Hash(h.Bytes(l.p)[:l.size]),
				"op %d: payload of %#x changed", i, l.p)
			h.Free(l.p)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		default:
			j := rng.Intn(len(live))
			l := live[j]
			size := 1 + rng.Uint64n(maxSize)
			keep := min(l.size, size)
			prefix := xxh3.Hash(h.Bytes(l.p)[:keep])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]

			p := h.Realloc(l.p, size)
			require.Equal(t, prefix, xxh3.Hash(h.Bytes(p)[:keep]),
				"op %d: realloc %#x -> %#x lost data", i, l.p, p)
			live = append(live, alloc(i, p, size))
		}
		require.True(t, h.Check(i), "op %d", i)
	}

	for _, l := range live {
		require.Equal(t, l.sum, xxh3.Hash(h.Bytes(l.p)[:l.size]))
		h.Free(l.p)
	}
	require.NoError(t, h.Verify(ops))
	u := h.MUsage()
	require.Zero(t, u.Used)
	require.Greater(t, u.MaxUsed, uint64(0))

	// everything merged back in one free block
	bl := blocks(h)
	require.Len(t, bl, 1)
	require.False(t, bl[0].Alloc)
	require.Equal(t, u.HeapSize-dsize, bl[0].Size)
	require.Equal(t, uint64(1), h.free.count())
}
