// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build linux || darwin || freebsd

package segmalloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapMem is a Mem backed by an anonymous private mapping, outside of the
// Go heap. The whole maximum size is mapped up front, pages are only
// committed when touched.
type MmapMem struct {
	SliceMem
}

// NewMmapMem maps max bytes (rounded up to the page size).
func NewMmapMem(max uint64) (*MmapMem, error) {
	if max == 0 || max > uint64(maxInt) {
		return nil, fmt.Errorf("mmap mem size %d: %w", max, ErrBadMemSize)
	}
	pg := uint64(unix.Getpagesize())
	max = (max + pg - 1) / pg * pg
	buf, err := unix.Mmap(-1, 0, int(max), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", max, err)
	}
	return &MmapMem{SliceMem{buf: buf}}, nil
}

// Close unmaps the memory. The Heap using it must not be used afterwards.
func (m *MmapMem) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	m.brk = 0
	if errors.Is(err, unix.EINVAL) {
		// already unmapped
		return nil
	}
	return err
}
