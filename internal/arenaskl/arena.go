// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arenaskl

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Arena is a lock-free, fixed-size bump allocator. All of a memtable's
// entries share the arena's lifetime, which makes freeing the memtable a
// single deallocation.
type Arena struct {
	n   atomic.Uint64
	buf []byte
}

const nodeAlignment = 4

// ErrArenaFull indicates that an allocation failed because the arena is
// full.
var ErrArenaFull = errors.New("basalt/arenaskl: allocation failed because arena is full")

// NewArena allocates a new arena using the specified buffer as the backing
// store.
func NewArena(buf []byte) *Arena {
	a := &Arena{buf: buf}
	// We don't store data at position 0 in order to reserve offset=0 as a
	// kind of nil pointer.
	a.n.Store(1)
	return a
}

// Size returns the number of bytes allocated by the arena.
func (a *Arena) Size() uint32 {
	s := a.n.Load()
	if s > uint64(len(a.buf)) {
		// The arena was overflowed by a failed allocation.
		return uint32(len(a.buf))
	}
	return uint32(s)
}

// Capacity returns the total capacity of the arena.
func (a *Arena) Capacity() uint32 {
	return uint32(len(a.buf))
}

// alloc allocates size bytes with the requested alignment, leaving
// overflow bytes of extra capacity dangling past the returned portion.
func (a *Arena) alloc(size, alignment, overflow uint32) (uint32, uint32, error) {
	// Verify that the arena isn't already full.
	origSize := a.n.Load()
	if int(origSize) > len(a.buf) {
		return 0, 0, ErrArenaFull
	}

	// Pad the allocation with enough bytes to ensure the requested
	// alignment.
	padded := uint64(size) + uint64(alignment) - 1

	newSize := a.n.Add(padded)
	if newSize+uint64(overflow) > uint64(len(a.buf)) {
		return 0, 0, ErrArenaFull
	}

	// Return the aligned offset.
	offset := (uint32(newSize) - size) & ^(alignment - 1)
	return offset, uint32(padded), nil
}

func (a *Arena) getBytes(offset uint32, size uint32) []byte {
	if offset == 0 {
		return nil
	}
	return a.buf[offset : offset+size : offset+size]
}

func (a *Arena) getPointer(offset uint32) unsafe.Pointer {
	if offset == 0 {
		return nil
	}
	return unsafe.Pointer(&a.buf[offset])
}

func (a *Arena) getPointerOffset(ptr unsafe.Pointer) uint32 {
	if ptr == nil {
		return 0
	}
	return uint32(uintptr(ptr) - uintptr(unsafe.Pointer(&a.buf[0])))
}
