// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"github.com/basaltdb/basalt/internal/base"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "Default"
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZstdCompression:
		return "ZSTD"
	default:
		return "Unknown"
	}
}

// ChecksumType specifies the checksum used for each block in the sstable.
type ChecksumType byte

// The available checksum types. These values are part of the file format
// and should not be changed.
const (
	ChecksumTypeCRC32c   ChecksumType = 1
	ChecksumTypeXXHash64 ChecksumType = 2
)

func (t ChecksumType) String() string {
	switch t {
	case ChecksumTypeCRC32c:
		return "crc32c"
	case ChecksumTypeXXHash64:
		return "xxhash64"
	default:
		return "unknown"
	}
}

// WriterOptions hold the parameters used to control building an sstable.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table
	// block.
	//
	// The default value is 4096.
	BlockSize int

	// Comparer defines a total ordering over the space of []byte keys.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// Checksum specifies which checksum to use.
	//
	// The default value uses crc32c.
	Checksum ChecksumType
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Compression <= DefaultCompression || o.Compression > ZstdCompression {
		o.Compression = SnappyCompression
	}
	if o.Checksum != ChecksumTypeXXHash64 {
		o.Checksum = ChecksumTypeCRC32c
	}
	return o
}

// ReaderOptions hold the parameters needed for reading an sstable.
type ReaderOptions struct {
	// Comparer defines a total ordering over the space of []byte keys.
	// It must be the same ordering the sstable was written with.
	Comparer *base.Comparer

	// VerifyChecksums is whether to verify the per-block checksums whenever
	// a block is loaded from the file.
	VerifyChecksums bool
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	o.Comparer = o.Comparer.EnsureDefaults()
	return o
}
