// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arenaskl

import (
	"sync/atomic"
	"unsafe"

	"github.com/basaltdb/basalt/internal/base"
)

// maxHeight is the maximum height of a skiplist tower. With p = 1/e the
// expected number of key comparisons at 20 levels supports arenas well past
// the sizes used for memtables.
const maxHeight = 20

type links struct {
	next atomic.Uint32
	prev atomic.Uint32
}

func (l *links) init(prevOffset, nextOffset uint32) {
	l.next.Store(nextOffset)
	l.prev.Store(prevOffset)
}

// node is stored directly in the arena. Keys are stored as the user key
// bytes in the arena plus the trailer held in the node itself, which avoids
// a copy when decoding iterator positions.
type node struct {
	keyOffset  uint32
	keySize    uint32
	keyTrailer base.InternalKeyTrailer

	valueOffset uint32
	valueSize   uint32

	// Most nodes do not need to use the full height of the tower, since the
	// probability of each successive level decreases exponentially. Because
	// these elements are never accessed, they do not need to be allocated.
	// Therefore, when a node is allocated in the arena, its memory footprint
	// is deliberately truncated to not include unneeded tower elements.
	//
	// All accesses to elements should use CAS operations, with no need to
	// lock.
	tower [maxHeight]links
}

const (
	maxNodeSize = uint32(unsafe.Sizeof(node{}))
	linksSize   = uint32(unsafe.Sizeof(links{}))
)

func newNode(
	arena *Arena, height uint32, key base.InternalKey, value []byte,
) (nd *node, err error) {
	keySize := uint32(len(key.UserKey))
	valueSize := uint32(len(value))

	nd, err = newRawNode(arena, height, keySize, valueSize)
	if err != nil {
		return nil, err
	}
	nd.keyTrailer = key.Trailer
	copy(nd.getKeyBytes(arena), key.UserKey)
	copy(nd.getValue(arena), value)
	return nd, nil
}

func newRawNode(arena *Arena, height uint32, keySize, valueSize uint32) (nd *node, err error) {
	// Compute the amount of the tower that will never be used, since the
	// height is less than maxHeight.
	unusedSize := (maxHeight - height) * linksSize
	nodeSize := maxNodeSize - unusedSize

	nodeOffset, _, err := arena.alloc(nodeSize, nodeAlignment, unusedSize)
	if err != nil {
		return nil, err
	}
	keyOffset := uint32(0)
	if keySize > 0 {
		keyOffset, _, err = arena.alloc(keySize, 1, 0)
		if err != nil {
			return nil, err
		}
	}
	valueOffset := uint32(0)
	if valueSize > 0 {
		valueOffset, _, err = arena.alloc(valueSize, 1, 0)
		if err != nil {
			return nil, err
		}
	}

	nd = (*node)(arena.getPointer(nodeOffset))
	nd.keyOffset = keyOffset
	nd.keySize = keySize
	nd.valueOffset = valueOffset
	nd.valueSize = valueSize
	return nd, nil
}

// MaxNodeSize returns the maximum space needed for a node with the
// specified key and value sizes.
func MaxNodeSize(keySize, valueSize uint32) uint32 {
	return maxNodeSize + keySize + valueSize + nodeAlignment
}

func (n *node) getKeyBytes(arena *Arena) []byte {
	return arena.getBytes(n.keyOffset, n.keySize)
}

func (n *node) getKey(arena *Arena) base.InternalKey {
	return base.InternalKey{
		UserKey: arena.getBytes(n.keyOffset, n.keySize),
		Trailer: n.keyTrailer,
	}
}

func (n *node) getValue(arena *Arena) []byte {
	return arena.getBytes(n.valueOffset, n.valueSize)
}

func (n *node) nextOffset(h int) uint32 {
	return n.tower[h].next.Load()
}

func (n *node) prevOffset(h int) uint32 {
	return n.tower[h].prev.Load()
}

func (n *node) casNextOffset(h int, old, val uint32) bool {
	return n.tower[h].next.CompareAndSwap(old, val)
}

func (n *node) casPrevOffset(h int, old, val uint32) bool {
	return n.tower[h].prev.CompareAndSwap(old, val)
}
