// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

/*
Package arenaskl implements a fast, concurrent skiplist backed by an arena
allocator. The skiplist supports a single concurrent writer alongside any
number of lock-free readers: readers never block, and a reader positioned in
the list observes a consistent prefix of all completed inserts.

Keys are internal keys: entries with equal user keys are ordered by
descending trailer (sequence number, then kind), so the newest write for a
user key is encountered first in a forward scan.
*/
package arenaskl

import (
	"sync/atomic"
	"unsafe"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
)

// ErrRecordExists indicates that an entry with the specified key already
// exists in the skiplist. Duplicate entries are disallowed; the engine
// never assigns the same (user key, sequence number, kind) twice.
var ErrRecordExists = errors.New("basalt/arenaskl: record with this key already exists")

// Skiplist is a fast, non-cyclical skiplist implementation that supports
// concurrent reads and a single writer. Keys and values are immutable once
// added to the skiplist and deletion is not supported. Instead, higher
// level code is expected to add new entries that shadow existing entries
// and perform deletion via tombstones. It is up to the user to process
// these shadow entries and tombstones appropriately during retrieval.
type Skiplist struct {
	arena  *Arena
	cmp    base.Compare
	head   *node
	tail   *node
	height atomic.Uint32 // Current height: 1 <= height <= maxHeight.
	rand   rand.PCGSource
}

var probabilities [maxHeight]uint32

func init() {
	// Precompute the skiplist probabilities so that only a single random
	// number needs to be generated and so that the optimal pvalue can be
	// used (inverse of Euler's number).
	const pValue = 1 / 2.718281828459045
	p := 1.0
	for i := 0; i < maxHeight; i++ {
		probabilities[i] = uint32(float64(1<<32) * p)
		p *= pValue
	}
}

// NewSkiplist constructs and initializes a new, empty skiplist. All the
// usable space in the passed arena is consumed by the skiplist's entries.
func NewSkiplist(arena *Arena, cmp base.Compare) *Skiplist {
	s := &Skiplist{}
	s.Reset(arena, cmp)
	return s
}

// Reset the skiplist to empty and re-initialize.
func (s *Skiplist) Reset(arena *Arena, cmp base.Compare) {
	// Allocate head and tail nodes. While allocating a new node can fail,
	// in the context of initializing the skiplist we consider it unrecoverable.
	head, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arenaskl: arena too small, failed to allocate head node")
	}
	head.keyOffset = 0
	tail, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arenaskl: arena too small, failed to allocate tail node")
	}
	tail.keyOffset = 0

	// Link all head/tail levels together.
	headOffset := arena.getPointerOffset(unsafe.Pointer(head))
	tailOffset := arena.getPointerOffset(unsafe.Pointer(tail))
	for i := 0; i < maxHeight; i++ {
		head.tower[i].next.Store(tailOffset)
		tail.tower[i].prev.Store(headOffset)
	}

	*s = Skiplist{
		arena: arena,
		cmp:   cmp,
		head:  head,
		tail:  tail,
	}
	s.height.Store(1)
	s.rand.Seed(uint64(uintptr(unsafe.Pointer(head))))
}

// Arena returns the arena backing this skiplist.
func (s *Skiplist) Arena() *Arena { return s.arena }

// Height returns the height of the highest tower within any of the nodes in
// the skiplist.
func (s *Skiplist) Height() uint32 { return s.height.Load() }

// Size returns the number of bytes that have allocated from the arena.
func (s *Skiplist) Size() uint32 { return s.arena.Size() }

// Add adds a new key to the skiplist if it does not yet exist. If the
// record already exists, then Add returns ErrRecordExists. If there isn't
// enough room in the arena, then Add returns ErrArenaFull.
func (s *Skiplist) Add(key base.InternalKey, value []byte) error {
	var spl [maxHeight]splice
	if s.findSplice(key, &spl) {
		// Found a matching node: the key is already present.
		return ErrRecordExists
	}

	height := s.randomHeight()
	nd, err := newNode(s.arena, height, key, value)
	if err != nil {
		return err
	}
	ndOffset := s.arena.getPointerOffset(unsafe.Pointer(nd))

	// We always insert from the base level and up. After you add a node in
	// base level, we cannot create a node in the level above because it
	// would have discovered the node in the base level.
	var found bool
	for i := 0; i < int(height); i++ {
		prev := spl[i].prev
		next := spl[i].next

		if prev == nil {
			// New node increased the height of the skiplist, so assume that
			// the new level has not yet been populated.
			if next != nil {
				panic("arenaskl: next is expected to be nil, since prev is nil")
			}
			prev = s.head
			next = s.tail
		}

		// +----------------+     +------------+     +----------------+
		// |      prev      |     |     nd     |     |      next      |
		// | prevNextOffset |---->|            |     |                |
		// |                |<----| prevOffset |     |                |
		// |                |     | nextOffset |---->|                |
		// |                |     |            |<----| nextPrevOffset |
		// +----------------+     +------------+     +----------------+
		for {
			prevOffset := s.arena.getPointerOffset(unsafe.Pointer(prev))
			nextOffset := s.arena.getPointerOffset(unsafe.Pointer(next))
			nd.tower[i].init(prevOffset, nextOffset)

			// Check whether next has an updated link to prev. If it does
			// not, that can mean one of two things:
			//   1. The thread that added the next node hasn't yet had a
			//      chance to add the prev link (but will shortly).
			//   2. Another thread has added a new node between prev and
			//      next.
			nextPrevOffset := next.prevOffset(i)
			if nextPrevOffset != prevOffset {
				// Determine whether #1 or #2 is true by checking whether
				// prev is still pointing to next.
				prevNextOffset := prev.nextOffset(i)
				if prevNextOffset == nextOffset {
					// Ok, case #1 is true, so help the other thread along
					// by updating the next node's prev link.
					next.casPrevOffset(i, nextPrevOffset, prevOffset)
				}
			}

			if prev.casNextOffset(i, nextOffset, ndOffset) {
				// Managed to insert nd between prev and next, so update the
				// next node's prev link and go to the next level.
				next.casPrevOffset(i, prevOffset, ndOffset)
				break
			}

			// CAS failed. We need to recompute prev and next. It is unlikely
			// to be helpful to try to use a different level as we redo the
			// search, because it is unlikely that lots of nodes are being
			// inserted between prev and next.
			prev, next, found = s.findSpliceForLevel(key, i, prev)
			if found {
				if i != 0 {
					panic("arenaskl: how can another thread have inserted a node at a non-base level?")
				}
				return ErrRecordExists
			}
		}
	}

	// Grow the height after the node has been fully linked; concurrent
	// readers that observe the old height still find the node through the
	// lower levels.
	for {
		h := s.height.Load()
		if height <= h || s.height.CompareAndSwap(h, height) {
			break
		}
	}
	return nil
}

// NewIter returns a new Iterator object. Note that it is safe for an
// iterator to be copied by value.
func (s *Skiplist) NewIter() Iterator {
	return Iterator{list: s, nd: s.head}
}

func (s *Skiplist) randomHeight() uint32 {
	rnd := uint32(s.rand.Uint64())
	h := uint32(1)
	for h < maxHeight && rnd <= probabilities[h] {
		h++
	}
	return h
}

func (s *Skiplist) getNext(nd *node, h int) *node {
	offset := nd.nextOffset(h)
	return (*node)(s.arena.getPointer(offset))
}

func (s *Skiplist) getPrev(nd *node, h int) *node {
	offset := nd.prevOffset(h)
	return (*node)(s.arena.getPointer(offset))
}

// keyIsAfterNode returns true if the given key is strictly greater than the
// node's key.
func (s *Skiplist) keyIsAfterNode(nd *node, key base.InternalKey) bool {
	ndKey := s.arena.getBytes(nd.keyOffset, nd.keySize)
	if c := s.cmp(ndKey, key.UserKey); c != 0 {
		return c < 0
	}
	// Equal user keys: descending trailer order, so the node precedes key
	// iff its trailer is larger.
	return nd.keyTrailer > key.Trailer
}

func (s *Skiplist) findSplice(key base.InternalKey, spl *[maxHeight]splice) (found bool) {
	var prev, next *node
	prev = s.head
	level := int(s.Height())

	for i := level - 1; i >= 0; i-- {
		prev, next, found = s.findSpliceForLevel(key, i, prev)
		spl[i].init(prev, next)
	}
	return found
}

func (s *Skiplist) findSpliceForLevel(
	key base.InternalKey, level int, start *node,
) (prev, next *node, found bool) {
	prev = start
	for {
		// Assume prev.key < key.
		next = s.getNext(prev, level)
		if next == s.tail {
			// Tail node, so done.
			break
		}
		if !s.keyIsAfterNode(next, key) {
			// We are done for this level, since prev.key < key <= next.key.
			nextKey := next.getKey(s.arena)
			found = s.cmp(nextKey.UserKey, key.UserKey) == 0 && nextKey.Trailer == key.Trailer
			break
		}
		// Keep moving right on this level.
		prev = next
	}
	return prev, next, found
}

// findGE positions at the first node whose key is >= key (in internal key
// order).
func (s *Skiplist) findGE(key base.InternalKey) *node {
	var spl [maxHeight]splice
	s.findSplice(key, &spl)
	return spl[0].next
}

// findLT positions at the last node whose key is < key (in internal key
// order).
func (s *Skiplist) findLT(key base.InternalKey) *node {
	var spl [maxHeight]splice
	s.findSplice(key, &spl)
	return spl[0].prev
}

type splice struct {
	prev *node
	next *node
}

func (s *splice) init(prev, next *node) {
	s.prev = prev
	s.next = next
}
