// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/golang/snappy"
)

// Reader is a table reader.
//
// A Reader is safe for concurrent use by multiple goroutines: every
// iterator holds its own block state, and block loads go through the
// underlying file's ReadAt.
type Reader struct {
	f        vfs.File
	size     int64
	opts     ReaderOptions
	cmp      base.Compare
	checksum ChecksumType
	index    []byte
}

// NewReader returns a new table reader for the file. Closing the reader
// closes the file.
func NewReader(f vfs.File, size int64, o ReaderOptions) (*Reader, error) {
	o = o.ensureDefaults()
	r := &Reader{
		f:    f,
		size: size,
		opts: o,
		cmp:  o.Comparer.Compare,
	}
	if size < footerLen {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: file size %d is too small", size)
	}
	var footer [footerLen]byte
	if _, err := f.ReadAt(footer[:], size-footerLen); err != nil {
		return nil, err
	}
	if !bytes.Equal(footer[footerLen-len(tableMagic):], []byte(tableMagic)) {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: bad magic number")
	}
	r.checksum = ChecksumType(footer[0])
	if r.checksum != ChecksumTypeCRC32c && r.checksum != ChecksumTypeXXHash64 {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: unknown checksum type %d", footer[0])
	}
	indexHandle, n := decodeBlockHandle(footer[1:])
	if n == 0 {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: bad index block handle")
	}
	index, err := r.readBlock(indexHandle)
	if err != nil {
		return nil, err
	}
	r.index = index
	return r, nil
}

// readBlock reads, verifies and decompresses the block at the given handle.
func (r *Reader) readBlock(bh blockHandle) ([]byte, error) {
	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.f.ReadAt(b, int64(bh.offset)); err != nil {
		return nil, err
	}
	data, trailer := b[:bh.length], b[bh.length:]
	blockType := trailer[0]
	if r.opts.VerifyChecksums {
		checksum := binary.LittleEndian.Uint32(trailer[1:])
		if checksum != blockChecksum(r.checksum, data, blockType) {
			return nil, base.CorruptionErrorf("basalt/sstable: invalid table: checksum mismatch at offset %d", bh.offset)
		}
	}
	switch blockType {
	case noCompressionBlockType:
		return data, nil
	case snappyCompressionBlockType:
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	case zstdCompressionBlockType:
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	default:
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: unknown block compression %d", blockType)
	}
}

// NewIter returns an iterator for the point keys in the table.
func (r *Reader) NewIter() (base.InternalIterator, error) {
	index, err := newBlockIter(r.cmp, r.index)
	if err != nil {
		return nil, err
	}
	return &tableIter{r: r, index: index}, nil
}

// EstimatedOffset returns the estimated offset within the table of the
// given internal key: the offset of the first data block whose separator is
// >= the key.
func (r *Reader) EstimatedOffset(key base.InternalKey) uint64 {
	index, err := newBlockIter(r.cmp, r.index)
	if err != nil {
		return 0
	}
	index.SeekGE(key)
	if !index.Valid() {
		return uint64(r.size)
	}
	bh, n := decodeBlockHandle(index.Value())
	if n == 0 {
		return 0
	}
	return bh.offset
}

// Close releases the reader's resources and closes the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// tableIter iterates over the entries of a table: an iterator over the
// index block positions an iterator over one data block at a time.
type tableIter struct {
	r     *Reader
	index *blockIter
	data  *blockIter
	err   error
}

var _ base.InternalIterator = (*tableIter)(nil)

// loadBlock loads the data block at the index iterator's current position.
func (i *tableIter) loadBlock() bool {
	i.data = nil
	if !i.index.Valid() {
		return false
	}
	bh, n := decodeBlockHandle(i.index.Value())
	if n == 0 {
		i.err = base.CorruptionErrorf("basalt/sstable: corrupt index entry")
		return false
	}
	block, err := i.r.readBlock(bh)
	if err != nil {
		i.err = err
		return false
	}
	data, err := newBlockIter(i.r.cmp, block)
	if err != nil {
		i.err = err
		return false
	}
	i.data = data
	return true
}

// skipForward advances through data blocks until the data iterator is
// positioned at a valid entry, or the table is exhausted.
func (i *tableIter) skipForward() {
	for i.err == nil && (i.data == nil || !i.data.Valid()) {
		if i.data != nil && i.data.err != nil {
			i.err = i.data.err
			return
		}
		i.index.Next()
		if !i.loadBlock() {
			return
		}
		i.data.First()
	}
}

// SeekGE implements base.InternalIterator.
func (i *tableIter) SeekGE(key base.InternalKey) {
	if i.err != nil {
		return
	}
	i.index.SeekGE(key)
	if !i.loadBlock() {
		return
	}
	i.data.SeekGE(key)
	i.skipForward()
}

// First implements base.InternalIterator.
func (i *tableIter) First() {
	if i.err != nil {
		return
	}
	i.index.First()
	if !i.loadBlock() {
		return
	}
	i.data.First()
	i.skipForward()
}

// Next implements base.InternalIterator.
func (i *tableIter) Next() {
	if i.err != nil || i.data == nil {
		return
	}
	i.data.Next()
	i.skipForward()
}

// Valid implements base.InternalIterator.
func (i *tableIter) Valid() bool {
	return i.err == nil && i.data != nil && i.data.Valid()
}

// Key implements base.InternalIterator.
func (i *tableIter) Key() base.InternalKey {
	return i.data.Key()
}

// Value implements base.InternalIterator.
func (i *tableIter) Value() []byte {
	return i.data.Value()
}

// Error implements base.InternalIterator.
func (i *tableIter) Error() error {
	if i.err != nil {
		return i.err
	}
	if i.data != nil {
		return i.data.Error()
	}
	return i.index.Error()
}

// Close implements base.InternalIterator.
func (i *tableIter) Close() error {
	err := i.Error()
	i.data = nil
	i.index = nil
	return err
}
