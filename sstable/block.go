// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/basaltdb/basalt/internal/base"
)

// Block layout:
//
// A block is a sequence of key/value entries followed by a list of restart
// point offsets and the count of restart points:
//
//	entry 0
//	...
//	entry N-1
//	restart 0 (uint32)
//	...
//	restart M-1 (uint32)
//	restart count M (uint32)
//
// Each entry is:
//
//	shared key length   (varint)
//	unshared key length (varint)
//	value length        (varint)
//	unshared key bytes
//	value bytes
//
// The first entry after a restart point has shared length zero. Keys are
// encoded internal keys: user key followed by the 8-byte trailer.

type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
}

func (w *blockWriter) add(key base.InternalKey, value []byte) {
	size := key.Size()
	if cap(w.curKey) < size {
		w.curKey = make([]byte, 0, size*2)
	}
	w.curKey = w.curKey[:size]
	key.Encode(w.curKey)

	w.store(w.curKey, value)
}

func (w *blockWriter) store(keyBytes, value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = sharedPrefixLen(w.prevKey, keyBytes)
	}
	w.prevKey = append(w.prevKey[:0], keyBytes...)

	var tmp [3 * binary.MaxVarintLen32]byte
	n := binary.PutUvarint(tmp[:], uint64(shared))
	n += binary.PutUvarint(tmp[n:], uint64(len(keyBytes)-shared))
	n += binary.PutUvarint(tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, tmp[:n]...)
	w.buf = append(w.buf, keyBytes[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

func (w *blockWriter) finish() []byte {
	if len(w.restarts) == 0 {
		w.restarts = append(w.restarts, 0)
	}
	var tmp [4]byte
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp[:], x)
		w.buf = append(w.buf, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp[:]...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.nEntries = 0
	w.prevKey = w.prevKey[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) empty() bool {
	return w.nEntries == 0
}

func sharedPrefixLen(a, b []byte) int {
	i, n := 0, len(a)
	if n > len(b) {
		n = len(b)
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockIter is an iterator over a single block of an sstable.
type blockIter struct {
	cmp base.Compare
	// data is the contents of the block, exclusive of the restart points.
	data []byte
	// restarts are the restart point offsets.
	restarts []uint32
	// offset is the byte offset in data of the current entry. nextOffset is
	// the offset of the entry following the current one.
	offset     int
	nextOffset int
	key        []byte
	val        []byte
	ikey       base.InternalKey
	err        error
}

var _ base.InternalIterator = (*blockIter)(nil)

func newBlockIter(cmp base.Compare, block []byte) (*blockIter, error) {
	i := &blockIter{cmp: cmp}
	if err := i.init(block); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *blockIter) init(block []byte) error {
	if len(block) < 4 {
		return base.CorruptionErrorf("basalt/sstable: invalid block: too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	if numRestarts == 0 || len(block) < 4+4*numRestarts {
		return base.CorruptionErrorf("basalt/sstable: invalid block: bad restart count")
	}
	dataLen := len(block) - 4 - 4*numRestarts
	i.data = block[:dataLen]
	i.restarts = make([]uint32, numRestarts)
	for j := range i.restarts {
		i.restarts[j] = binary.LittleEndian.Uint32(block[dataLen+4*j:])
	}
	i.offset = len(i.data)
	i.nextOffset = i.offset
	return nil
}

// loadEntry decodes the entry starting at offset, leaving the iterator
// positioned on it.
func (i *blockIter) loadEntry(offset int) bool {
	if offset >= len(i.data) {
		i.offset = len(i.data)
		i.key = i.key[:0]
		i.val = nil
		return false
	}
	p := i.data[offset:]
	shared, n0 := binary.Uvarint(p)
	unshared, n1 := binary.Uvarint(p[n0:])
	valueLen, n2 := binary.Uvarint(p[n0+n1:])
	if n0 <= 0 || n1 <= 0 || n2 <= 0 || int(shared) > len(i.key) {
		i.err = base.CorruptionErrorf("basalt/sstable: corrupt block entry")
		i.offset = len(i.data)
		return false
	}
	hdr := n0 + n1 + n2
	if offset+hdr+int(unshared)+int(valueLen) > len(i.data) {
		i.err = base.CorruptionErrorf("basalt/sstable: corrupt block entry: overruns block")
		i.offset = len(i.data)
		return false
	}
	i.key = append(i.key[:int(shared)], p[hdr:hdr+int(unshared)]...)
	i.val = p[hdr+int(unshared) : hdr+int(unshared)+int(valueLen)]
	i.offset = offset
	i.nextOffset = offset + hdr + int(unshared) + int(valueLen)
	i.ikey = base.DecodeInternalKey(i.key)
	return true
}

// SeekGE implements base.InternalIterator.
func (i *blockIter) SeekGE(key base.InternalKey) {
	if i.err != nil {
		return
	}
	// Binary search over the restart points: find the last restart point
	// whose key is < key, then scan forward from there.
	j := sort.Search(len(i.restarts), func(j int) bool {
		offset := int(i.restarts[j])
		// Keys at restart points have no shared prefix.
		p := i.data[offset:]
		_, n0 := binary.Uvarint(p)
		unshared, n1 := binary.Uvarint(p[n0:])
		_, n2 := binary.Uvarint(p[n0+n1:])
		hdr := n0 + n1 + n2
		restartKey := base.DecodeInternalKey(p[hdr : hdr+int(unshared)])
		return base.InternalCompare(i.cmp, restartKey, key) >= 0
	})
	start := 0
	if j > 0 {
		start = int(i.restarts[j-1])
	}
	i.key = i.key[:0]
	for ok := i.loadEntry(start); ok; ok = i.loadEntry(i.nextOffset) {
		if base.InternalCompare(i.cmp, i.ikey, key) >= 0 {
			return
		}
	}
}

// First implements base.InternalIterator.
func (i *blockIter) First() {
	if i.err != nil {
		return
	}
	i.key = i.key[:0]
	i.loadEntry(0)
}

// Next implements base.InternalIterator.
func (i *blockIter) Next() {
	if i.err != nil || !i.Valid() {
		return
	}
	i.loadEntry(i.nextOffset)
}

// Valid implements base.InternalIterator.
func (i *blockIter) Valid() bool {
	return i.err == nil && i.offset < len(i.data)
}

// Key implements base.InternalIterator.
func (i *blockIter) Key() base.InternalKey {
	return i.ikey
}

// Value implements base.InternalIterator.
func (i *blockIter) Value() []byte {
	return i.val
}

// Error implements base.InternalIterator.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements base.InternalIterator.
func (i *blockIter) Close() error {
	i.data = nil
	i.val = nil
	return i.err
}
