// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"time"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"golang.org/x/exp/rand"
)

// readBytesPeriod controls how often an iterator samples a read for
// seek-driven compaction: approximately once per this many bytes
// traversed.
const readBytesPeriod = 1 << 20

// Iterator iterates over a DB's key/value pairs in key order. It observes
// the sequence number captured at creation: writes that land afterwards
// are invisible, and the version captured at creation pins its files
// against deletion.
//
// An iterator must be closed after use. It is not goroutine-safe, but it
// is safe to use multiple iterators concurrently.
type Iterator struct {
	d         *DB
	version   *manifest.Version
	memtables []*memTable
	iter      base.InternalIterator
	seqNum    base.SeqNum

	// key holds a copy of the user key of the current entry, and doubles
	// as the "already surfaced or suppressed" marker for skipping older
	// entries of the same user key.
	key     []byte
	haveKey bool
	value   []byte
	valid   bool
	err     error

	bytesUntilReadSampling uint64
	rnd                    *rand.Rand
}

// findNextEntry advances to the next visible, live user entry: entries
// newer than the iterator's sequence number are invisible, entries for an
// already-surfaced user key are shadowed, and a deletion tombstone
// suppresses every older entry for its user key.
func (i *Iterator) findNextEntry() {
	i.valid = false
	for i.err == nil && i.iter.Valid() {
		ikey := i.iter.Key()
		i.sampleRead(ikey)
		if ikey.SeqNum() > i.seqNum {
			// Invisible to this iterator's snapshot.
			i.iter.Next()
			continue
		}
		if i.haveKey && i.d.cmp.Equal(ikey.UserKey, i.key) {
			// Shadowed by a newer entry already surfaced or suppressed.
			i.iter.Next()
			continue
		}
		switch ikey.Kind() {
		case base.InternalKeyKindDelete:
			i.key = append(i.key[:0], ikey.UserKey...)
			i.haveKey = true
			i.iter.Next()
		case base.InternalKeyKindSet:
			i.key = append(i.key[:0], ikey.UserKey...)
			i.haveKey = true
			i.value = i.iter.Value()
			i.valid = true
			return
		default:
			i.err = base.CorruptionErrorf("basalt: corrupt table: invalid internal key kind %s", ikey.Kind())
			return
		}
	}
	if i.err == nil {
		i.err = i.iter.Error()
	}
}

// sampleRead accounts the bytes traversed and periodically feeds the
// current user key into the seek-driven compaction heuristic.
func (i *Iterator) sampleRead(ikey base.InternalKey) {
	bytesRead := uint64(ikey.Size() + len(i.iter.Value()))
	for i.bytesUntilReadSampling < bytesRead {
		i.bytesUntilReadSampling += i.randomSamplePeriod()
		i.d.mu.Lock()
		i.d.recordReadSample(i.version, ikey.UserKey)
		i.d.mu.Unlock()
	}
	i.bytesUntilReadSampling -= bytesRead
}

// randomSamplePeriod picks a uniform period in [0, 2*readBytesPeriod) so
// that sampling is not synchronized with any access pattern, while
// averaging one sample per readBytesPeriod bytes.
func (i *Iterator) randomSamplePeriod() uint64 {
	if i.rnd == nil {
		i.rnd = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}
	return i.rnd.Uint64n(2 * readBytesPeriod)
}

// First moves the iterator to the first key/value pair.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	i.haveKey = false
	i.iter.First()
	i.findNextEntry()
	return i.valid
}

// SeekGE moves the iterator to the first key/value pair whose key is
// greater than or equal to the given user key.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil {
		return false
	}
	i.haveKey = false
	i.iter.SeekGE(base.MakeInternalKey(key, i.seqNum, base.InternalKeyKindMax))
	i.findNextEntry()
	return i.valid
}

// Next moves the iterator to the next key/value pair.
func (i *Iterator) Next() bool {
	if i.err != nil || !i.valid {
		return false
	}
	i.iter.Next()
	i.findNextEntry()
	return i.valid
}

// Valid returns true if the iterator is positioned at a valid key/value
// pair.
func (i *Iterator) Valid() bool {
	return i.valid && i.err == nil
}

// Key returns the key of the current key/value pair. The returned slice
// remains valid until the next positioning call.
func (i *Iterator) Key() []byte {
	return i.key
}

// Value returns the value of the current key/value pair. The caller
// should not modify the contents of the returned slice, and its contents
// may change on the next positioning call.
func (i *Iterator) Value() []byte {
	return i.value
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator, releasing the version and memtables it
// pins. It is valid to call Close multiple times.
func (i *Iterator) Close() error {
	if i.iter != nil {
		if err := i.iter.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.iter = nil
	}
	if i.version != nil {
		i.d.mu.Lock()
		i.version.UnrefLocked()
		i.d.mu.Unlock()
		i.version = nil
	}
	for _, mem := range i.memtables {
		mem.unref()
	}
	i.memtables = nil
	i.valid = false
	return i.err
}
