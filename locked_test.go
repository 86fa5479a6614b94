// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockedConcurrent(t *testing.T) {
	const (
		workers = 8
		rounds  = 500
	)
	l := NewLocked(newHeap(t, 32<<20, DefaultChunkSize, 0))

	var wg conc.WaitGroup
	errs := make([]int, workers)
	for w := 0; w < workers; w++ {
		w := w // per-iteration copy; go directive is below 1.22
		wg.Go(func() {
			var ptrs []Ptr
			for i := 0; i < rounds; i++ {
				size := uint64(1 + (w*131+i*17)%3000)
				var p Ptr
				if i%3 == 0 {
					p = l.Calloc(1, size)
				} else {
					p = l.Malloc(size)
				}
				if p == Nil {
					errs[w]++
					continue
				}
				fill(l.Bytes(p)[:size], byte(w))
				ptrs = append(ptrs, p)
				if i%4 == 3 {
					q := ptrs[0]
					ptrs = ptrs[1:]
					if !filled(l.Bytes(q)[:1], byte(w)) {
						errs[w]++
					}
					if i%8 == 7 {
						q = l.Realloc(q, size/2+1)
						if q == Nil || !filled(l.Bytes(q)[:1], byte(w)) {
							errs[w]++
						}
					}
					l.Free(q)
				}
			}
			for _, p := range ptrs {
				if !filled(l.Bytes(p)[:1], byte(w)) {
					errs[w]++
				}
				l.Free(p)
			}
		})
	}
	wg.Wait()

	for w, n := range errs {
		assert.Zero(t, n, "worker %d", w)
	}
	require.True(t, l.Check(0))
	assert.Zero(t, l.MUsage().Used)
}
