// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !(linux || darwin || freebsd)

package segmalloc

// MmapMem falls back to a Go allocated slice where anonymous mappings are
// not supported.
type MmapMem struct {
	SliceMem
}

// NewMmapMem returns a slice backed MmapMem of max bytes.
func NewMmapMem(max uint64) (*MmapMem, error) {
	max = roundUp(max)
	m, err := NewSliceMem(max)
	if err != nil {
		return nil, err
	}
	return &MmapMem{*m}, nil
}

// Close releases the memory.
func (m *MmapMem) Close() error {
	m.buf = nil
	m.brk = 0
	return nil
}
