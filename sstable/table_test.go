// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/stretchr/testify/require"
)

func buildTestTable(
	t *testing.T, fs *vfs.MemFS, path string, wo WriterOptions, n int,
) WriterMetadata {
	f, err := fs.Create(path)
	require.NoError(t, err)
	w := NewWriter(f, wo)
	for i := 0; i < n; i++ {
		key := base.MakeInternalKey([]byte(fmt.Sprintf("key%06d", i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, w.Add(key, []byte(fmt.Sprintf("value%06d", i))))
	}
	require.NoError(t, w.Close())
	return w.Metadata()
}

func openTestTable(t *testing.T, fs *vfs.MemFS, path string, ro ReaderOptions) *Reader {
	f, err := fs.Open(path)
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	r, err := NewReader(f, stat.Size(), ro)
	require.NoError(t, err)
	return r
}

func TestTableRoundTrip(t *testing.T) {
	for _, compression := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		for _, checksum := range []ChecksumType{ChecksumTypeCRC32c, ChecksumTypeXXHash64} {
			t.Run(fmt.Sprintf("%s/%s", compression, checksum), func(t *testing.T) {
				fs := vfs.NewMem()
				const n = 1000
				meta := buildTestTable(t, fs, "test.sst", WriterOptions{
					Compression: compression,
					Checksum:    checksum,
				}, n)
				require.Equal(t, uint64(n), meta.NumEntries)
				require.Equal(t, "key000000", string(meta.Smallest.UserKey))
				require.Equal(t, "key000999", string(meta.Largest.UserKey))

				r := openTestTable(t, fs, "test.sst", ReaderOptions{VerifyChecksums: true})
				defer r.Close()
				it, err := r.NewIter()
				require.NoError(t, err)
				i := 0
				for it.First(); it.Valid(); it.Next() {
					require.Equal(t, fmt.Sprintf("key%06d", i), string(it.Key().UserKey))
					require.Equal(t, fmt.Sprintf("value%06d", i), string(it.Value()))
					i++
				}
				require.NoError(t, it.Error())
				require.Equal(t, n, i)
				require.NoError(t, it.Close())
			})
		}
	}
}

func TestTableSeek(t *testing.T) {
	fs := vfs.NewMem()
	const n = 500
	buildTestTable(t, fs, "test.sst", WriterOptions{}, n)
	r := openTestTable(t, fs, "test.sst", ReaderOptions{})
	defer r.Close()

	it, err := r.NewIter()
	require.NoError(t, err)
	defer it.Close()

	// Seek to a present key.
	it.SeekGE(base.MakeSearchKey([]byte("key000123")))
	require.True(t, it.Valid())
	require.Equal(t, "key000123", string(it.Key().UserKey))

	// Seek between keys positions at the next one.
	it.SeekGE(base.MakeSearchKey([]byte("key000123x")))
	require.True(t, it.Valid())
	require.Equal(t, "key000124", string(it.Key().UserKey))

	// Seek before the first key.
	it.SeekGE(base.MakeSearchKey([]byte("a")))
	require.True(t, it.Valid())
	require.Equal(t, "key000000", string(it.Key().UserKey))

	// Seek past the last key.
	it.SeekGE(base.MakeSearchKey([]byte("z")))
	require.False(t, it.Valid())
}

func TestTableOutOfOrderAdd(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("test.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("b"), 2, base.InternalKeyKindSet), nil))
	require.Error(t, w.Add(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet), nil))
}

func TestTableCorruption(t *testing.T) {
	fs := vfs.NewMem()
	buildTestTable(t, fs, "test.sst", WriterOptions{Compression: NoCompression}, 100)

	// Flip one byte in the middle of the file.
	f, err := fs.Open("test.sst")
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	data := make([]byte, stat.Size())
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data[100] ^= 0xff
	require.NoError(t, fs.Remove("test.sst"))
	nf, err := fs.Create("test.sst")
	require.NoError(t, err)
	_, err = nf.Write(data)
	require.NoError(t, err)
	require.NoError(t, nf.Close())

	r := openTestTable(t, fs, "test.sst", ReaderOptions{VerifyChecksums: true})
	defer r.Close()
	it, err := r.NewIter()
	require.NoError(t, err)
	for it.First(); it.Valid(); it.Next() {
	}
	require.True(t, base.IsCorruptionError(it.Error()), "got %v", it.Error())
	it.Close()
}

func TestTableEstimatedOffset(t *testing.T) {
	fs := vfs.NewMem()
	buildTestTable(t, fs, "test.sst", WriterOptions{BlockSize: 256}, 1000)
	r := openTestTable(t, fs, "test.sst", ReaderOptions{})
	defer r.Close()

	first := r.EstimatedOffset(base.MakeSearchKey([]byte("key000000")))
	mid := r.EstimatedOffset(base.MakeSearchKey([]byte("key000500")))
	last := r.EstimatedOffset(base.MakeSearchKey([]byte("zzz")))
	require.LessOrEqual(t, first, mid)
	require.Less(t, mid, last)
}
