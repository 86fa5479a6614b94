// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"golang.org/x/exp/rand"
)

// GenConfig parametrizes Generate.
type GenConfig struct {
	Ops     int     // maximum number of operations, final frees included
	MaxLive int     // maximum simultaneously allocated ids
	MaxSize uint64  // maximum request size
	Realloc float64 // fraction of the operations on live ids that are reallocs
	Seed    uint64
	Weight  int
}

// DefaultGenConfig returns the configuration used by "mmdriver gen".
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Ops:     10000,
		MaxLive: 500,
		MaxSize: 10000,
		Realloc: 0.2,
		Seed:    1,
		Weight:  1,
	}
}

// Generate builds a random well formed trace: each id is allocated once,
// reallocated or freed only while live, and every live id is freed at the
// end. The same configuration always produces the same trace.
func Generate(cfg GenConfig) *Trace {
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = 1
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	t := &Trace{Weight: cfg.Weight}

	var live []int
	sizes := map[int]uint64{}
	var cur, peak uint64
	size := func() uint64 {
		// mostly small requests, some big ones
		if rng.Intn(4) != 0 {
			return 1 + rng.Uint64n(min(cfg.MaxSize, 256))
		}
		return 1 + rng.Uint64n(cfg.MaxSize)
	}
	resize := func(id int, s uint64) {
		cur = cur - sizes[id] + s
		sizes[id] = s
		peak = max(peak, cur)
	}

	for len(t.Ops)+len(live) < cfg.Ops {
		remain := cfg.Ops - len(t.Ops) - len(live)
		canAlloc := remain >= 2 && len(live) < cfg.MaxLive
		if len(live) == 0 && !canAlloc {
			break
		}
		if canAlloc && (len(live) == 0 || rng.Intn(2) == 0) {
			id := t.NumIDs
			t.NumIDs++
			s := size()
			t.Ops = append(t.Ops, Op{Kind: OpAlloc, ID: id, Size: s})
			live = append(live, id)
			resize(id, s)
			continue
		}
		i := rng.Intn(len(live))
		id := live[i]
		if rng.Float64() < cfg.Realloc {
			s := size()
			t.Ops = append(t.Ops, Op{Kind: OpRealloc, ID: id, Size: s})
			resize(id, s)
			continue
		}
		t.Ops = append(t.Ops, Op{Kind: OpFree, ID: id})
		resize(id, 0)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
	}
	for _, id := range live {
		t.Ops = append(t.Ops, Op{Kind: OpFree, ID: id})
	}
	t.SuggestedHeap = peak
	return t
}
