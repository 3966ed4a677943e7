// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/dir/subdir", 0755))

	f, err := fs.Create("/dir/subdir/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = fs.Open("/dir/subdir/file")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	stat, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(5), stat.Size())
	require.NoError(t, f.Close())

	names, err := fs.List("/dir/subdir")
	require.NoError(t, err)
	require.Equal(t, []string{"file"}, names)

	_, err = fs.Open("/dir/subdir/missing")
	require.True(t, os.IsNotExist(err))
}

func TestMemFSRename(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("a")
	require.NoError(t, err)
	_, err = f.Write([]byte("contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("a", "b"))
	_, err = fs.Open("a")
	require.Error(t, err)
	f, err = fs.Open("b")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "contents", string(data))
	require.NoError(t, f.Close())

	// Rename overwrites the target, as os.Rename does.
	f, err = fs.Create("c")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Rename("b", "c"))
	f, err = fs.Open("c")
	require.NoError(t, err)
	data, err = io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "contents", string(data))
	require.NoError(t, f.Close())
}

func TestMemFSOpenForAppend(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("log")
	require.NoError(t, err)
	_, err = f.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.OpenForAppend("log")
	require.NoError(t, err)
	_, err = f.Write([]byte("|second"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.Open("log")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "first|second", string(data))
	require.NoError(t, f.Close())
}

func TestMemFSCreateTruncates(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("old contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.Open("f")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
	require.NoError(t, f.Close())
}
