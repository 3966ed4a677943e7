// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/crc"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Table layout:
//
//	data block 0
//	...
//	data block N-1
//	index block
//	footer
//
// Each block is followed by a 5-byte trailer: a 1-byte block type (the
// compression algorithm) and a 4-byte checksum of the (possibly compressed)
// block contents and the type byte.
//
// The index block holds one entry per data block: the key is a separator
// >= every key in the block and < every key in the next block, the value
// is the data block's handle (varint-encoded offset and length).
//
// The footer is 48 bytes:
//
//	checksum type  (1 byte)
//	index handle   (varint offset, varint length)
//	padding        (to 40 bytes)
//	magic          (8 bytes)

const (
	blockTrailerLen = 5
	footerLen       = 48

	noCompressionBlockType     = 0
	snappyCompressionBlockType = 1
	zstdCompressionBlockType   = 2

	tableMagic = "\xf4\x7a\x5e\x9a\xbc\x31\x08\x62"
)

// blockHandle is the file offset and length of a block.
type blockHandle struct {
	offset, length uint64
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	n += binary.PutUvarint(dst[n:], b.length)
	return n
}

func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	length, m := binary.Uvarint(src[n:])
	if n <= 0 || m <= 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

var zstdEncoder, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// WriterMetadata returns information about the table that was written: its
// entry count, size, and key bounds.
type WriterMetadata struct {
	Smallest   base.InternalKey
	Largest    base.InternalKey
	NumEntries uint64
	Size       uint64
}

// Writer is a table writer. Entries must be added in strictly increasing
// internal key order.
type Writer struct {
	f       vfs.File
	opts    WriterOptions
	cmp     base.Compare
	meta    WriterMetadata
	offset  uint64
	nBlocks int

	block blockWriter
	index blockWriter

	// pendingHandle is the handle of the most recently flushed data block,
	// for which no index entry has been written yet. An index entry is
	// deferred until the next key is known so that a short separator can be
	// computed.
	pendingHandle blockHandle
	pendingKey    base.InternalKey
	havePending   bool

	compressBuf []byte
	err         error
}

// NewWriter returns a new table writer for the file. Closing the writer
// closes the file.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	w := &Writer{
		f:    f,
		opts: o,
		cmp:  o.Comparer.Compare,
	}
	w.block.restartInterval = o.BlockRestartInterval
	w.index.restartInterval = 1
	return w
}

// Add adds a key/value pair to the table being written. Keys must be added
// in strictly increasing internal key order.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.meta.NumEntries > 0 {
		if base.InternalCompare(w.cmp, w.meta.Largest, key) >= 0 {
			w.err = errors.Errorf("basalt/sstable: keys must be added in strictly increasing order: %s, %s",
				w.meta.Largest, key)
			return w.err
		}
	} else {
		w.meta.Smallest = key.Clone()
	}
	w.meta.Largest.CopyFrom(key)

	if w.havePending {
		w.flushPendingIndexEntry(key)
	}
	w.block.add(key, value)
	w.meta.NumEntries++

	if w.block.estimatedSize() >= w.opts.BlockSize {
		if err := w.finishDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

// finishDataBlock writes the current data block to the file and stages its
// index entry.
func (w *Writer) finishDataBlock() error {
	if w.block.empty() {
		return nil
	}
	lastKey := base.DecodeInternalKey(append([]byte(nil), w.block.prevKey...))
	bh, err := w.writeBlock(w.block.finish())
	if err != nil {
		w.err = err
		return err
	}
	w.block.reset()
	w.pendingHandle = bh
	w.pendingKey = lastKey
	w.havePending = true
	w.nBlocks++
	return nil
}

// flushPendingIndexEntry writes the index entry for the most recently
// finished data block. sep is the smallest key in the next data block; a
// zero key indicates that there is no next block.
func (w *Writer) flushPendingIndexEntry(sep base.InternalKey) {
	var indexKey base.InternalKey
	if sep.UserKey == nil {
		indexKey = w.pendingKey.Successor(w.cmp, w.opts.Comparer.Successor, nil)
	} else {
		indexKey = w.pendingKey.Separator(w.cmp, w.opts.Comparer.Separator, nil, sep)
	}
	var tmp [2 * binary.MaxVarintLen64]byte
	n := encodeBlockHandle(tmp[:], w.pendingHandle)
	w.index.add(indexKey, tmp[:n])
	w.havePending = false
}

// writeBlock compresses and writes a finished block, returning its handle.
func (w *Writer) writeBlock(b []byte) (blockHandle, error) {
	blockType := byte(noCompressionBlockType)
	switch w.opts.Compression {
	case SnappyCompression:
		compressed := snappy.Encode(w.compressBuf[:cap(w.compressBuf)], b)
		w.compressBuf = compressed
		if len(compressed) < len(b) {
			b = compressed
			blockType = snappyCompressionBlockType
		}
	case ZstdCompression:
		compressed := zstdEncoder.EncodeAll(b, w.compressBuf[:0])
		w.compressBuf = compressed
		if len(compressed) < len(b) {
			b = compressed
			blockType = zstdCompressionBlockType
		}
	}

	var trailer [blockTrailerLen]byte
	trailer[0] = blockType
	binary.LittleEndian.PutUint32(trailer[1:], blockChecksum(w.opts.Checksum, b, blockType))

	bh := blockHandle{w.offset, uint64(len(b))}
	if _, err := w.f.Write(b); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return blockHandle{}, err
	}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

func blockChecksum(t ChecksumType, b []byte, blockType byte) uint32 {
	switch t {
	case ChecksumTypeXXHash64:
		d := xxhash.New()
		_, _ = d.Write(b)
		_, _ = d.Write([]byte{blockType})
		return uint32(d.Sum64())
	default:
		return crc.New(b).Update([]byte{blockType}).Value()
	}
}

// EstimatedSize returns the estimated size of the sstable being written,
// including the size of the buffered, not yet flushed data block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()) + uint64(w.index.estimatedSize()) + footerLen
}

// Metadata returns the metadata for the finished sstable. Only valid to
// call after the sstable has been finished via Close.
func (w *Writer) Metadata() WriterMetadata {
	return w.meta
}

// Close finishes writing the table: it flushes the last data block, writes
// the index block and the footer, syncs and closes the file.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.f != nil {
			cerr := w.f.Close()
			if err == nil {
				err = cerr
			}
			w.f = nil
		}
	}()
	if w.err != nil {
		return w.err
	}

	if err := w.finishDataBlock(); err != nil {
		return err
	}
	if w.havePending {
		w.flushPendingIndexEntry(base.InternalKey{})
	}

	indexHandle, err := w.writeBlock(w.index.finish())
	if err != nil {
		w.err = err
		return err
	}

	var footer [footerLen]byte
	footer[0] = byte(w.opts.Checksum)
	encodeBlockHandle(footer[1:], indexHandle)
	copy(footer[footerLen-len(tableMagic):], tableMagic)
	if _, err := w.f.Write(footer[:]); err != nil {
		w.err = err
		return err
	}
	w.offset += footerLen
	w.meta.Size = w.offset

	if err := w.f.Sync(); err != nil {
		w.err = err
		return err
	}
	w.err = errors.New("basalt/sstable: writer is closed")
	return nil
}
