// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arenaskl

import (
	"github.com/basaltdb/basalt/internal/base"
)

// Iterator is an iterator over the skiplist object. Use Skiplist.NewIter to
// construct an iterator. The current state of the iterator can be cloned by
// simply value copying the struct. All iterator methods are thread-safe.
type Iterator struct {
	list *Skiplist
	nd   *node
	key  base.InternalKey
}

// Valid returns true iff the iterator is positioned at a valid node.
func (it *Iterator) Valid() bool {
	return it.nd != it.list.head && it.nd != it.list.tail
}

// Key returns the key at the current position.
func (it *Iterator) Key() base.InternalKey {
	return it.key
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	return it.nd.getValue(it.list.arena)
}

// Error returns any accumulated error. Skiplist iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close resets the iterator.
func (it *Iterator) Close() error {
	*it = Iterator{}
	return nil
}

// SeekGE moves the iterator to the first entry whose key is greater than or
// equal to the given key in internal key order.
func (it *Iterator) SeekGE(key base.InternalKey) {
	it.nd = it.list.findGE(key)
	it.decodeKey()
}

// SeekLT moves the iterator to the last entry whose key is less than the
// given key in internal key order.
func (it *Iterator) SeekLT(key base.InternalKey) {
	it.nd = it.list.findLT(key)
	it.decodeKey()
}

// First seeks position at the first entry in list. Final state of iterator
// is Valid() iff list is not empty.
func (it *Iterator) First() {
	it.nd = it.list.getNext(it.list.head, 0)
	it.decodeKey()
}

// Last seeks position at the last entry in list. Final state of iterator is
// Valid() iff list is not empty.
func (it *Iterator) Last() {
	it.nd = it.list.getPrev(it.list.tail, 0)
	it.decodeKey()
}

// Next advances to the next position. If the iterator is positioned at the
// last entry, it moves past the end of the list.
func (it *Iterator) Next() {
	it.nd = it.list.getNext(it.nd, 0)
	it.decodeKey()
}

// Prev moves to the previous position. If the iterator is positioned at the
// first entry, it moves before the start of the list.
func (it *Iterator) Prev() {
	it.nd = it.list.getPrev(it.nd, 0)
	it.decodeKey()
}

func (it *Iterator) decodeKey() {
	if !it.Valid() {
		it.key = base.InternalKey{}
		return
	}
	it.key = it.nd.getKey(it.list.arena)
}
