// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/vfs"
	"github.com/stretchr/testify/require"
)

// writeTestTable writes a small sstable with n keys of the form
// t<fileNum>-k<i> and returns its metadata.
func writeTestTable(t *testing.T, fs vfs.FS, opts *Options, fileNum base.FileNum, n int) *manifest.FileMetadata {
	t.Helper()
	f, err := fs.Create(base.MakeFilepath(fs, "db", base.FileTypeTable, fileNum))
	require.NoError(t, err)
	w := sstable.NewWriter(f, opts.makeWriterOptions())
	for i := 0; i < n; i++ {
		key := base.MakeInternalKey(
			[]byte(fmt.Sprintf("t%s-k%04d", fileNum, i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, w.Add(key, []byte("value")))
	}
	require.NoError(t, w.Close())
	wm := w.Metadata()
	m := &manifest.FileMetadata{
		FileNum:  fileNum,
		Size:     wm.Size,
		Smallest: wm.Smallest,
		Largest:  wm.Largest,
	}
	m.InitAllowedSeeks()
	return m
}

func TestTableCache(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs, TableCacheSize: tableCacheShards}).EnsureDefaults()
	require.NoError(t, fs.MkdirAll("db", 0755))

	var metas []*manifest.FileMetadata
	for i := 1; i <= 8; i++ {
		metas = append(metas, writeTestTable(t, fs, opts, base.FileNum(i), 10))
	}

	c := &tableCache{}
	c.init("db", fs, opts)
	defer c.Close()

	// Iterate every table through the cache, repeatedly: entries are
	// opened on demand and evicted LRU with a budget of one per shard.
	for round := 0; round < 3; round++ {
		for _, m := range metas {
			iter, err := c.newIter(m)
			require.NoError(t, err)
			count := 0
			for iter.First(); iter.Valid(); iter.Next() {
				count++
			}
			require.Equal(t, 10, count)
			require.NoError(t, iter.Close())
		}
	}
}

func TestTableCacheGet(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs}).EnsureDefaults()
	require.NoError(t, fs.MkdirAll("db", 0755))
	m := writeTestTable(t, fs, opts, 3, 10)

	c := &tableCache{}
	c.init("db", fs, opts)
	defer c.Close()

	// A hit invokes the callback with the entry at or after the sought
	// key.
	sought := base.MakeSearchKey([]byte(fmt.Sprintf("t%s-k%04d", base.FileNum(3), 7)))
	ok, err := c.get(m, sought, func(k base.InternalKey, v []byte) bool {
		require.Equal(t, "value", string(v))
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Seeking past the end of the table yields no entry.
	ok, err = c.get(m, base.MakeSearchKey([]byte("zzzz")), func(base.InternalKey, []byte) bool {
		return true
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTableCacheEvict(t *testing.T) {
	fs := vfs.NewMem()
	opts := (&Options{FS: fs}).EnsureDefaults()
	require.NoError(t, fs.MkdirAll("db", 0755))
	m := writeTestTable(t, fs, opts, 5, 10)

	c := &tableCache{}
	c.init("db", fs, opts)
	defer c.Close()

	// An iterator opened before the eviction keeps its table readable.
	iter, err := c.newIter(m)
	require.NoError(t, err)
	c.evict(m.FileNum)

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	require.Equal(t, 10, count)
	require.NoError(t, iter.Close())

	// A fresh iterator reopens the file.
	iter, err = c.newIter(m)
	require.NoError(t, err)
	require.NoError(t, iter.Close())
}
