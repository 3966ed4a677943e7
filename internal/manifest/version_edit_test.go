// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

func mkFile(fileNum base.FileNum, smallest, largest string) *FileMetadata {
	m := &FileMetadata{
		FileNum:  fileNum,
		Size:     1024,
		Smallest: base.ParseInternalKey(smallest),
		Largest:  base.ParseInternalKey(largest),
	}
	m.InitAllowedSeeks()
	return m
}

func TestVersionEditRoundTrip(t *testing.T) {
	testCases := []VersionEdit{
		// An empty edit.
		{},
		// An edit with every field set.
		{
			ComparerName: "leveldb.BytewiseComparator",
			LogNum:       5,
			PrevLogNum:   4,
			NextFileNum:  42,
			LastSeqNum:   5000,
			CompactPointers: []CompactPointerEntry{
				{Level: 1, Key: base.ParseInternalKey("bar#7,SET")},
				{Level: 2, Key: base.ParseInternalKey("foo#3,DEL")},
			},
			DeletedFiles: map[DeletedFileEntry]bool{
				{Level: 3, FileNum: 17}: true,
				{Level: 4, FileNum: 33}: true,
			},
			NewFiles: []NewFileEntry{
				{Level: 0, Meta: mkFile(19, "a#100,SET", "m#50,SET")},
				{Level: 5, Meta: mkFile(20, "n#30,DEL", "z#3,SET")},
			},
		},
	}
	for _, tc := range testCases {
		t.Run("", func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tc.Encode(&buf))

			var decoded VersionEdit
			require.NoError(t, decoded.Decode(&buf))

			require.Equal(t, tc.ComparerName, decoded.ComparerName)
			require.Equal(t, tc.LogNum, decoded.LogNum)
			require.Equal(t, tc.PrevLogNum, decoded.PrevLogNum)
			require.Equal(t, tc.NextFileNum, decoded.NextFileNum)
			require.Equal(t, tc.LastSeqNum, decoded.LastSeqNum)
			require.Equal(t, tc.DeletedFiles, decoded.DeletedFiles)
			if diff := pretty.Diff(summarize(tc), summarize(decoded)); diff != nil {
				t.Fatalf("roundtrip mismatch:\n%v", diff)
			}
		})
	}
}

type editSummary struct {
	CompactPointers []string
	NewFiles        []string
}

// summarize renders an edit's key-carrying entries as strings, eliding
// the derived FileMetadata state (refcounts, seek budgets) that is not
// part of the encoding.
func summarize(ve VersionEdit) editSummary {
	var s editSummary
	for _, cp := range ve.CompactPointers {
		s.CompactPointers = append(s.CompactPointers, fmt.Sprintf("%d:%s", cp.Level, cp.Key))
	}
	for _, nf := range ve.NewFiles {
		s.NewFiles = append(s.NewFiles,
			fmt.Sprintf("%d:%s:%d:%s:%s", nf.Level, nf.Meta.FileNum, nf.Meta.Size,
				nf.Meta.Smallest, nf.Meta.Largest))
	}
	return s
}

func TestVersionEditUnknownTagIsCorruption(t *testing.T) {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], 99)
	buf.Write(tmp[:n])

	var ve VersionEdit
	err := ve.Decode(&buf)
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestVersionEditDecodeBadLevel(t *testing.T) {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], tagDeletedFile)
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], NumLevels) // out of range level
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], 1)
	buf.Write(tmp[:n])

	var ve VersionEdit
	require.True(t, base.IsCorruptionError(ve.Decode(&buf)))
}

func TestBulkVersionEditApply(t *testing.T) {
	cmp := base.DefaultComparer

	// Build a base version with files at levels 0 and 1.
	var b0 BulkVersionEdit
	b0.Accumulate(&VersionEdit{
		NewFiles: []NewFileEntry{
			{Level: 0, Meta: mkFile(1, "c#3,SET", "f#1,SET")},
			{Level: 0, Meta: mkFile(2, "a#5,SET", "d#4,SET")},
			{Level: 1, Meta: mkFile(3, "a#2,SET", "k#1,SET")},
			{Level: 1, Meta: mkFile(4, "l#2,SET", "z#1,SET")},
		},
	})
	v1, err := b0.Apply(nil, cmp)
	require.NoError(t, err)
	require.Len(t, v1.Files[0], 2)
	// Level 0 is ordered by file number.
	require.Equal(t, base.FileNum(1), v1.Files[0][0].FileNum)
	require.Equal(t, base.FileNum(2), v1.Files[0][1].FileNum)
	// Level 1 is ordered by smallest key.
	require.Equal(t, base.FileNum(3), v1.Files[1][0].FileNum)

	// Apply an edit that deletes the L0 files and adds their compaction
	// output to L1.
	var b1 BulkVersionEdit
	edit := &VersionEdit{
		NewFiles: []NewFileEntry{
			// Replaces file 3's key space plus the L0 data.
			{Level: 1, Meta: mkFile(5, "a#5,SET", "k#1,SET")},
		},
	}
	edit.DeleteFile(0, 1)
	edit.DeleteFile(0, 2)
	edit.DeleteFile(1, 3)
	b1.Accumulate(edit)
	v2, err := b1.Apply(v1, cmp)
	require.NoError(t, err)
	require.Empty(t, v2.Files[0])
	require.Len(t, v2.Files[1], 2)
	require.Equal(t, base.FileNum(5), v2.Files[1][0].FileNum)
	require.Equal(t, base.FileNum(4), v2.Files[1][1].FileNum)

	// The base version is unchanged.
	require.Len(t, v1.Files[0], 2)
	require.Len(t, v1.Files[1], 2)
}

func TestBulkVersionEditApplyInverse(t *testing.T) {
	cmp := base.DefaultComparer

	var b0 BulkVersionEdit
	f1 := mkFile(1, "a#5,SET", "d#4,SET")
	f2 := mkFile(2, "e#3,SET", "h#1,SET")
	b0.Accumulate(&VersionEdit{
		NewFiles: []NewFileEntry{
			{Level: 2, Meta: f1},
			{Level: 2, Meta: f2},
		},
	})
	v1, err := b0.Apply(nil, cmp)
	require.NoError(t, err)

	// Apply an edit, then its inverse (swap added and deleted); the file
	// set per level must round-trip.
	f3 := mkFile(3, "i#2,SET", "m#1,SET")
	edit := &VersionEdit{NewFiles: []NewFileEntry{{Level: 2, Meta: f3}}}
	edit.DeleteFile(2, 1)

	var b1 BulkVersionEdit
	b1.Accumulate(edit)
	v2, err := b1.Apply(v1, cmp)
	require.NoError(t, err)
	require.Len(t, v2.Files[2], 2)

	inverse := &VersionEdit{NewFiles: []NewFileEntry{{Level: 2, Meta: f1}}}
	inverse.DeleteFile(2, 3)
	var b2 BulkVersionEdit
	b2.Accumulate(inverse)
	v3, err := b2.Apply(v2, cmp)
	require.NoError(t, err)

	require.Equal(t, len(v1.Files[2]), len(v3.Files[2]))
	for i := range v1.Files[2] {
		require.Equal(t, v1.Files[2][i].FileNum, v3.Files[2][i].FileNum)
	}
}

func TestBulkVersionEditOverlapIsError(t *testing.T) {
	cmp := base.DefaultComparer
	var b BulkVersionEdit
	b.Accumulate(&VersionEdit{
		NewFiles: []NewFileEntry{
			{Level: 1, Meta: mkFile(1, "a#5,SET", "m#4,SET")},
			{Level: 1, Meta: mkFile(2, "k#3,SET", "z#1,SET")},
		},
	})
	_, err := b.Apply(nil, cmp)
	require.Error(t, err)
}
