// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
)

const batchHeaderLen = 12

// Batch is a sequence of Sets and/or Deletes that are applied atomically:
// either every operation in the batch becomes visible (with consecutive
// sequence numbers), or none does.
type Batch struct {
	// data is the wire format of a batch's log entry:
	//   - 8 bytes for a sequence number of the first batch element,
	//   - 4 bytes for the count: the number of elements in the batch,
	//   - count elements, being:
	//     - one byte for the kind: delete (0) or set (1),
	//     - the varint-string user key,
	//     - the varint-string value (if kind == set).
	data []byte

	// memTableSize is a conservative estimate of the arena bytes the batch
	// will consume when applied to a memtable.
	memTableSize uint64
}

func (b *Batch) init(n int) {
	if b.data == nil {
		b.data = make([]byte, batchHeaderLen, batchHeaderLen+n)
	}
}

// Reset resets the batch for reuse.
func (b *Batch) Reset() {
	if b.data != nil {
		b.data = b.data[:batchHeaderLen]
		clear(b.data)
	}
	b.memTableSize = 0
}

// Empty returns true if the batch contains no operations.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	b.init(len(key) + len(value) + 2*binary.MaxVarintLen64 + 1)
	b.incrCount()
	b.data = append(b.data, byte(base.InternalKeyKindSet))
	b.appendStr(key)
	b.appendStr(value)
	b.memTableSize += memTableEntrySize(len(key), len(value))
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	b.init(len(key) + binary.MaxVarintLen64 + 1)
	b.incrCount()
	b.data = append(b.data, byte(base.InternalKeyKindDelete))
	b.appendStr(key)
	b.memTableSize += memTableEntrySize(len(key), 0)
}

// Count returns the number of operations in the batch.
func (b *Batch) Count() uint32 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint32(b.data[8:batchHeaderLen])
}

// Repr returns the underlying batch representation. It is not a copy.
func (b *Batch) Repr() []byte {
	b.init(0)
	return b.data
}

// SetRepr sets the batch to a representation obtained from Repr, e.g. a
// WAL record.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchHeaderLen {
		return base.CorruptionErrorf("basalt: invalid batch: too short")
	}
	b.data = data
	b.memTableSize = 0
	for iter := b.iter(); ; {
		kind, key, value, ok := iter.next()
		if !ok {
			break
		}
		_ = kind
		b.memTableSize += memTableEntrySize(len(key), len(value))
	}
	return nil
}

func (b *Batch) seqNum() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	b.init(0)
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seqNum))
}

func (b *Batch) incrCount() {
	binary.LittleEndian.PutUint32(b.data[8:batchHeaderLen], b.Count()+1)
}

func (b *Batch) appendStr(s []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	b.data = append(b.data, buf[:n]...)
	b.data = append(b.data, s...)
}

func (b *Batch) iter() batchIter {
	return b.data[batchHeaderLen:]
}

type batchIter []byte

// next returns the next operation in this batch. The final return value
// is false when the batch is exhausted or corrupt; a corrupt batch is
// detected by comparing the consumed count with the batch header.
func (t *batchIter) next() (kind base.InternalKeyKind, key []byte, value []byte, ok bool) {
	p := *t
	if len(p) == 0 {
		return 0, nil, nil, false
	}
	kind, *t = base.InternalKeyKind(p[0]), p[1:]
	if kind > base.InternalKeyKindMax {
		return 0, nil, nil, false
	}
	key, ok = t.nextStr()
	if !ok {
		return 0, nil, nil, false
	}
	if kind != base.InternalKeyKindDelete {
		value, ok = t.nextStr()
		if !ok {
			return 0, nil, nil, false
		}
	}
	return kind, key, value, true
}

func (t *batchIter) nextStr() (s []byte, ok bool) {
	p := *t
	u, numBytes := binary.Uvarint(p)
	if numBytes <= 0 {
		return nil, false
	}
	p = p[numBytes:]
	if u > uint64(len(p)) {
		return nil, false
	}
	s, *t = p[:u], p[u:]
	return s, true
}
