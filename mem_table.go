// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/arenaskl"
	"github.com/basaltdb/basalt/internal/base"
)

func memTableEntrySize(keyBytes, valueBytes int) uint64 {
	return uint64(arenaskl.MaxNodeSize(uint32(keyBytes), uint32(valueBytes)))
}

// A memTable implements an in-memory layer of the LSM. A memTable is
// mutable, but append-only. Records are added, but never removed. Deletion
// is supported via tombstones, but it is up to higher level code (see
// Iterator) to support processing those tombstones.
//
// A memTable is implemented on top of a lock-free arena-backed skiplist.
// An arena is a fixed size contiguous chunk of memory (see
// Options.MemTableSize). A memTable's memory consumption is thus fixed at
// the time of creation.
//
// It is safe to call get, apply, and newIter concurrently, as long as
// applies themselves are serialized (DB.Apply holds the DB mutex).
type memTable struct {
	cmp       base.Compare
	equal     base.Equal
	skl       arenaskl.Skiplist
	emptySize uint32
	refs      atomic.Int32

	// logNum is the WAL that holds this memtable's entries; zero for a
	// memtable reconstructed during recovery whose WAL is already obsolete.
	logNum base.FileNum
}

// newMemTable returns a new MemTable.
func newMemTable(o *Options) *memTable {
	m := &memTable{
		cmp:   o.Comparer.Compare,
		equal: o.Comparer.Equal,
	}
	m.refs.Store(1)
	arena := arenaskl.NewArena(make([]byte, o.MemTableSize))
	m.skl.Reset(arena, m.cmp)
	m.emptySize = arena.Size()
	return m
}

func (m *memTable) ref() {
	m.refs.Add(1)
}

func (m *memTable) unref() bool {
	switch v := m.refs.Add(-1); {
	case v < 0:
		panic("basalt: inconsistent memtable reference count")
	case v == 0:
		return true
	default:
		return false
	}
}

// add inserts a single entry into the memtable. It must never fail except
// when the arena is full.
func (m *memTable) add(seqNum base.SeqNum, kind base.InternalKeyKind, ukey, value []byte) error {
	return m.skl.Add(base.MakeInternalKey(ukey, seqNum, kind), value)
}

// apply inserts the batch's entries into the memtable, assigning
// consecutive sequence numbers starting at seqNum.
func (m *memTable) apply(batch *Batch, seqNum base.SeqNum) error {
	startSeqNum := seqNum
	for iter := batch.iter(); ; seqNum++ {
		kind, ukey, value, ok := iter.next()
		if !ok {
			break
		}
		if err := m.add(seqNum, kind, ukey, value); err != nil {
			return err
		}
	}
	if seqNum != startSeqNum+base.SeqNum(batch.Count()) {
		return base.AssertionFailedf("basalt: inconsistent batch count: %d vs %d",
			seqNum, startSeqNum+base.SeqNum(batch.Count()))
	}
	return nil
}

// get looks up the newest entry for the given user key visible at seqNum.
//
// If such an entry exists, conclusive is true and: if the entry is a set,
// its value is returned; if it is a deletion tombstone, ErrNotFound is
// returned. If no entry for the user key exists in the memtable,
// conclusive is false and the caller must consult the next layer of the
// LSM.
func (m *memTable) get(key []byte, seqNum base.SeqNum) (value []byte, conclusive bool, err error) {
	it := m.skl.NewIter()
	it.SeekGE(base.MakeInternalKey(key, seqNum, base.InternalKeyKindMax))
	if !it.Valid() {
		return nil, false, nil
	}
	ikey := it.Key()
	if !m.equal(key, ikey.UserKey) {
		return nil, false, nil
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		return nil, true, base.ErrNotFound
	}
	return it.Value(), true, nil
}

// newIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE or
// First.
func (m *memTable) newIter() base.InternalIterator {
	it := m.skl.NewIter()
	return &it
}

// approximateMemoryUsage returns the number of bytes consumed in the
// memtable's arena.
func (m *memTable) approximateMemoryUsage() uint64 {
	return uint64(m.skl.Size())
}

// empty returns whether the memtable has no key/value pairs.
func (m *memTable) empty() bool {
	return m.skl.Size() == m.emptySize
}
