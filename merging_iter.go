// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// mergingIter merges any number of child iterators into a single iterator
// that yields the union of their entries in internal key order. Entries
// with identical internal keys cannot occur; entries with identical user
// keys surface newest first, which is what the internal key ordering
// produces naturally.
type mergingIter struct {
	cmp     base.Compare
	iters   []base.InternalIterator
	current int
	err     error
}

var _ base.InternalIterator = (*mergingIter)(nil)

func newMergingIter(cmp base.Compare, iters ...base.InternalIterator) *mergingIter {
	return &mergingIter{
		cmp:     cmp,
		iters:   iters,
		current: -1,
	}
}

// findSmallest positions current at the child with the smallest key. The
// child count is small (a handful of memtables and levels), so a linear
// scan beats maintaining a heap.
func (m *mergingIter) findSmallest() {
	m.current = -1
	for i, it := range m.iters {
		if !it.Valid() {
			if err := it.Error(); err != nil && m.err == nil {
				m.err = err
			}
			continue
		}
		if m.current < 0 ||
			base.InternalCompare(m.cmp, it.Key(), m.iters[m.current].Key()) < 0 {
			m.current = i
		}
	}
}

// SeekGE implements base.InternalIterator.
func (m *mergingIter) SeekGE(key base.InternalKey) {
	if m.err != nil {
		return
	}
	for _, it := range m.iters {
		it.SeekGE(key)
	}
	m.findSmallest()
}

// First implements base.InternalIterator.
func (m *mergingIter) First() {
	if m.err != nil {
		return
	}
	for _, it := range m.iters {
		it.First()
	}
	m.findSmallest()
}

// Next implements base.InternalIterator.
func (m *mergingIter) Next() {
	if m.err != nil || m.current < 0 {
		return
	}
	m.iters[m.current].Next()
	m.findSmallest()
}

// Valid implements base.InternalIterator.
func (m *mergingIter) Valid() bool {
	return m.err == nil && m.current >= 0
}

// Key implements base.InternalIterator.
func (m *mergingIter) Key() base.InternalKey {
	return m.iters[m.current].Key()
}

// Value implements base.InternalIterator.
func (m *mergingIter) Value() []byte {
	return m.iters[m.current].Value()
}

// Error implements base.InternalIterator.
func (m *mergingIter) Error() error {
	return m.err
}

// Close implements base.InternalIterator.
func (m *mergingIter) Close() error {
	err := m.err
	for _, it := range m.iters {
		err = errors.CombineErrors(err, it.Close())
	}
	m.iters = nil
	m.current = -1
	return err
}
