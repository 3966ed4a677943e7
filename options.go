// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/vfs"
)

// Compression exports the sstable package's Compression type.
type Compression = sstable.Compression

// Exported Compression constants.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
	ZstdCompression    = sstable.ZstdCompression
)

// Comparer exports the base package's Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base package's DefaultComparer.
var DefaultComparer = base.DefaultComparer

// Options holds the optional parameters for configuring a DB. These
// options apply to the DB at large; per-query options are defined by the
// IterOptions and WriteOptions types.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys: a
	// 'less than' relationship. The same comparison algorithm must be used
	// for reads and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger is the destination for diagnostic messages.
	//
	// The default value logs to the Go stdlib logs.
	Logger base.Logger

	// EventListener provides hooks for notification of significant events.
	EventListener EventListener

	// CreateIfMissing causes Open to create the database directory when it
	// does not already exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail when the database already exists.
	ErrorIfExists bool

	// MaxFileSize is the target size of an sstable. Compactions cut output
	// files at this size, and derived limits (grandparent overlap, expanded
	// compaction size) are multiples of it.
	//
	// The default value is 2MiB.
	MaxFileSize uint64

	// MemTableSize is the size of a memtable's arena in bytes. When a
	// memtable's arena fills up, it is flushed to an sstable and a fresh
	// memtable and WAL are installed.
	//
	// The default value is 4MiB.
	MemTableSize int

	// TableCacheSize is the number of open sstables the table cache will
	// hold, per shard group.
	//
	// The default value is 1000.
	TableCacheSize int

	// BlockSize is the target uncompressed size of each sstable block.
	//
	// The default value is 4096.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys in sstable blocks.
	//
	// The default value is 16.
	BlockRestartInterval int

	// Compression is the per-block compression to use for sstables.
	//
	// The default value is SnappyCompression.
	Compression Compression

	// Checksum is the per-block checksum algorithm for sstables.
	//
	// The default value is crc32c.
	Checksum sstable.ChecksumType

	// L0CompactionThreshold is the number of level-0 files that triggers a
	// level-0 compaction. Level 0 is scored by file count rather than bytes
	// because every level-0 file must be consulted by every read.
	//
	// The default value is 4.
	L0CompactionThreshold int

	// L0SlowdownWritesThreshold is the number of level-0 files at which
	// writes begin to be delayed, giving the compactor a chance to catch
	// up.
	//
	// The default value is 8.
	L0SlowdownWritesThreshold int

	// L0StopWritesThreshold is the number of level-0 files at which writes
	// stop entirely until a level-0 compaction reduces the count.
	//
	// The default value is 12.
	L0StopWritesThreshold int

	// MaxMemCompactLevel is the maximum level to which a flushed memtable
	// is pushed if it does not create overlap.
	//
	// The default value is 2.
	MaxMemCompactLevel int

	// MaxManifestFileSize is the size at which an existing MANIFEST is
	// considered too large to be reused on recovery.
	//
	// The default value is the record block size multiple closest to 1MiB.
	MaxManifestFileSize int64

	// ReuseLogs allows recovery to append to the existing MANIFEST instead
	// of rewriting it. Replayed WALs are not reused: recovery always starts
	// a fresh WAL.
	ReuseLogs bool

	// ParanoidChecks enables verification of sstable block checksums on
	// every read.
	ParanoidChecks bool

	// CompactionRateBytesPerSec, if non-zero, limits the rate at which
	// compactions write data.
	CompactionRateBytesPerSec float64

	// DisableAutomaticCompactions prevents the background compaction
	// goroutine from picking work. Manual compactions and memtable flushes
	// still run. Useful in tests.
	DisableAutomaticCompactions bool
}

// EnsureDefaults ensures that the default values for all options are set
// if a valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.MemTableSize == 0 {
		o.MemTableSize = 4 << 20
	}
	if o.TableCacheSize == 0 {
		o.TableCacheSize = 1000
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = 16
	}
	if o.L0CompactionThreshold == 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0SlowdownWritesThreshold == 0 {
		o.L0SlowdownWritesThreshold = 8
	}
	if o.L0StopWritesThreshold == 0 {
		o.L0StopWritesThreshold = 12
	}
	if o.MaxMemCompactLevel == 0 {
		o.MaxMemCompactLevel = 2
	}
	if o.MaxManifestFileSize == 0 {
		o.MaxManifestFileSize = 1 << 20
	}
	return o
}

// maxGrandparentOverlapBytes is the maximum number of bytes of overlap at
// the grandparent level (level+2) before we stop building a single output
// file in a level to level+1 compaction.
func (o *Options) maxGrandparentOverlapBytes() uint64 {
	return 10 * o.MaxFileSize
}

// expandedCompactionByteSizeLimit is the maximum number of bytes in all
// compacted files. The lower level file set of a compaction is not
// expanded if it would make the total compaction cover more than this many
// bytes.
func (o *Options) expandedCompactionByteSizeLimit() uint64 {
	return 25 * o.MaxFileSize
}

// maxBytesForLevel returns the maximum number of bytes for the given
// level. The value for level zero is not really used since the level-0
// compaction threshold is based on number of files.
func (o *Options) maxBytesForLevel(level int) float64 {
	result := 10.0 * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// maxFileSizeForLevel returns the maximum size of a file at the given
// level. Currently uniform across levels.
func (o *Options) maxFileSizeForLevel(level int) uint64 {
	return o.MaxFileSize
}

func (o *Options) makeWriterOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockRestartInterval: o.BlockRestartInterval,
		BlockSize:            o.BlockSize,
		Comparer:             o.Comparer,
		Compression:          o.Compression,
		Checksum:             o.Checksum,
	}
}

func (o *Options) makeReaderOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{
		Comparer:        o.Comparer,
		VerifyChecksums: o.ParanoidChecks,
	}
}

// WriteOptions hold the optional per-query parameters for Set, Delete and
// Apply operations.
type WriteOptions struct {
	// Sync is whether to sync the WAL before the write is considered
	// complete. If false, and the process or machine crashes, then a recent
	// write may be lost.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize
// the WAL.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize the WAL.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or false if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o != nil && o.Sync
}
