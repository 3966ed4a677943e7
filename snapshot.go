// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"math"

	"github.com/basaltdb/basalt/internal/base"
)

// Snapshot provides a read-only point-in-time view of the DB state.
type Snapshot struct {
	// The db the snapshot was created from.
	db     *DB
	seqNum base.SeqNum

	// The list the snapshot is linked into.
	list *snapshotList

	// The next/prev link for the snapshotList doubly-linked list of
	// snapshots.
	prev, next *Snapshot
}

// Get gets the value for the given key, as of the snapshot's sequence
// number. It returns ErrNotFound if the Snapshot does not contain the key.
//
// The caller should not modify the contents of the returned slice, but it
// is safe to modify the contents of the argument after Get returns.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.getInternal(key, s.seqNum)
}

// NewIter returns an iterator over the snapshot's view of the DB. The
// iterator is unpositioned; position it with a call to First or SeekGE.
func (s *Snapshot) NewIter() (*Iterator, error) {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.newIter(s.seqNum)
}

// Close closes the snapshot, releasing its resources. Close must be
// called; failing to do so prevents compaction from dropping the obsolete
// record history the snapshot pins.
func (s *Snapshot) Close() error {
	db := s.db
	if db == nil {
		panic(ErrClosed)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapshots.remove(s)
	s.db = nil
	return nil
}

// snapshotList is a doubly-linked list of open snapshots, oldest at the
// front, newest at the back.
type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

func (l *snapshotList) count() int {
	var count int
	for i := l.root.next; i != &l.root; i = i.next {
		count++
	}
	return count
}

// earliest returns the sequence number of the oldest open snapshot, or the
// maximum representable sequence number if no snapshots are open.
func (l *snapshotList) earliest() base.SeqNum {
	v := base.SeqNum(math.MaxUint64)
	if !l.empty() {
		v = l.root.next.seqNum
	}
	return v
}

func (l *snapshotList) toSlice() []base.SeqNum {
	if l.empty() {
		return nil
	}
	var results []base.SeqNum
	for i := l.root.next; i != &l.root; i = i.next {
		results = append(results, i.seqNum)
	}
	return results
}

// pushBack adds a snapshot to the newest end of the list. The snapshot's
// sequence number must be >= that of the current newest snapshot.
func (l *snapshotList) pushBack(s *Snapshot) {
	if s.list != nil || s.prev != nil || s.next != nil {
		panic("basalt: snapshot list is inconsistent")
	}
	if !l.empty() && l.root.prev.seqNum > s.seqNum {
		panic("basalt: snapshot list is not in sequence number order")
	}
	s.prev = l.root.prev
	s.prev.next = s
	s.next = &l.root
	s.next.prev = s
	s.list = l
}

func (l *snapshotList) remove(s *Snapshot) {
	if s == &l.root {
		panic("basalt: cannot remove snapshot list root node")
	}
	if s.list != l {
		panic("basalt: snapshot list is inconsistent")
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next = nil // avoid memory leaks
	s.prev = nil // avoid memory leaks
	s.list = nil // avoid memory leaks
}
