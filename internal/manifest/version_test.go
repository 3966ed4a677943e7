// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"sync"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/stretchr/testify/require"
)

func fileNums(files []*FileMetadata) []base.FileNum {
	var nums []base.FileNum
	for _, f := range files {
		nums = append(nums, f.FileNum)
	}
	return nums
}

func TestFindFile(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	files := []*FileMetadata{
		mkFile(1, "c#10,SET", "f#5,SET"),
		mkFile(2, "h#10,SET", "m#5,SET"),
		mkFile(3, "p#10,SET", "t#5,SET"),
	}
	testCases := []struct {
		key      string
		expected int
	}{
		{"a#inf,MAX", 0},
		{"c#inf,MAX", 0},
		{"f#1,SET", 1},
		{"g#inf,MAX", 1},
		{"m#5,SET", 1},
		{"n#inf,MAX", 2},
		{"t#5,SET", 2},
		// Past every file's largest key: returns len(files).
		{"t#4,SET", 3},
		{"z#inf,MAX", 3},
	}
	for _, c := range testCases {
		t.Run(c.key, func(t *testing.T) {
			require.Equal(t, c.expected, FindFile(cmp, files, base.ParseInternalKey(c.key)))
		})
	}
}

func newTestVersion(t *testing.T, files map[int][]*FileMetadata) *Version {
	var bve BulkVersionEdit
	ve := &VersionEdit{}
	for level, ff := range files {
		for _, f := range ff {
			ve.AddFile(level, f)
		}
	}
	bve.Accumulate(ve)
	v, err := bve.Apply(nil, base.DefaultComparer)
	require.NoError(t, err)
	return v
}

func TestOverlaps(t *testing.T) {
	v := newTestVersion(t, map[int][]*FileMetadata{
		0: {
			mkFile(1, "d#10,SET", "h#5,SET"),
			mkFile(2, "a#20,SET", "c#15,SET"),
			mkFile(3, "g#30,SET", "k#25,SET"),
		},
		2: {
			mkFile(10, "a#10,SET", "e#5,SET"),
			mkFile(11, "f#10,SET", "j#5,SET"),
			mkFile(12, "k#10,SET", "o#5,SET"),
		},
	})

	t.Run("level0-single", func(t *testing.T) {
		// A range covered by a single file returns exactly that file.
		got := v.Overlaps(0, []byte("a"), []byte("b"))
		require.Equal(t, []base.FileNum{2}, fileNums(got))
	})

	t.Run("level0-restart-widens", func(t *testing.T) {
		// Selecting file 1 (d-h) pulls in file 3 (g-k) via the restart:
		// the union of the returned ranges covers the input range.
		got := v.Overlaps(0, []byte("e"), []byte("f"))
		require.ElementsMatch(t, []base.FileNum{1, 3}, fileNums(got))
	})

	t.Run("level0-disjoint", func(t *testing.T) {
		got := v.Overlaps(0, []byte("a"), []byte("z"))
		require.ElementsMatch(t, []base.FileNum{1, 2, 3}, fileNums(got))
	})

	t.Run("level2-binary", func(t *testing.T) {
		got := v.Overlaps(2, []byte("g"), []byte("l"))
		require.Equal(t, []base.FileNum{11, 12}, fileNums(got))
	})

	t.Run("unbounded", func(t *testing.T) {
		got := v.Overlaps(2, nil, nil)
		require.Equal(t, []base.FileNum{10, 11, 12}, fileNums(got))
	})

	t.Run("no-overlap", func(t *testing.T) {
		got := v.Overlaps(2, []byte("p"), []byte("q"))
		require.Empty(t, got)
	})
}

func TestOverlapInLevel(t *testing.T) {
	v := newTestVersion(t, map[int][]*FileMetadata{
		0: {mkFile(1, "d#10,SET", "h#5,SET")},
		3: {
			mkFile(10, "a#10,SET", "e#5,SET"),
			mkFile(11, "m#10,SET", "p#5,SET"),
		},
	})
	require.True(t, v.OverlapInLevel(0, []byte("a"), []byte("d")))
	require.False(t, v.OverlapInLevel(0, []byte("a"), []byte("c")))
	require.True(t, v.OverlapInLevel(3, []byte("e"), []byte("f")))
	require.False(t, v.OverlapInLevel(3, []byte("f"), []byte("l")))
	require.True(t, v.OverlapInLevel(3, []byte("l"), []byte("z")))
}

func TestPickLevelForMemTableOutput(t *testing.T) {
	const maxMemCompactLevel = 2
	const maxGrandparentBytes = 10 * 1024

	t.Run("empty-version", func(t *testing.T) {
		v := newTestVersion(t, nil)
		// Nothing overlaps anywhere: push to the max memtable level.
		require.Equal(t, 2, v.PickLevelForMemTableOutput(
			[]byte("a"), []byte("b"), maxMemCompactLevel, maxGrandparentBytes))
	})

	t.Run("l0-overlap", func(t *testing.T) {
		v := newTestVersion(t, map[int][]*FileMetadata{
			0: {mkFile(1, "a#10,SET", "c#5,SET")},
		})
		require.Equal(t, 0, v.PickLevelForMemTableOutput(
			[]byte("b"), []byte("d"), maxMemCompactLevel, maxGrandparentBytes))
	})

	t.Run("next-level-overlap-stops", func(t *testing.T) {
		v := newTestVersion(t, map[int][]*FileMetadata{
			2: {mkFile(1, "a#10,SET", "c#5,SET")},
		})
		// Level 1 would put the next level (2) in overlap: stop at 1.
		require.Equal(t, 1, v.PickLevelForMemTableOutput(
			[]byte("b"), []byte("d"), maxMemCompactLevel, maxGrandparentBytes))
	})

	t.Run("grandparent-bytes-stop", func(t *testing.T) {
		big := mkFile(1, "a#10,SET", "z#5,SET")
		big.Size = maxGrandparentBytes + 1
		v := newTestVersion(t, map[int][]*FileMetadata{2: {big}})
		// Level 0 is clear and level 1 is clear, but pushing to level 1
		// would overlap too many grandparent bytes at level 2... so the
		// file stays at level 0.
		require.Equal(t, 0, v.PickLevelForMemTableOutput(
			[]byte("b"), []byte("d"), maxMemCompactLevel, maxGrandparentBytes))
	})

	t.Run("never-exceeds-max", func(t *testing.T) {
		v := newTestVersion(t, nil)
		for max := 0; max < NumLevels-1; max++ {
			level := v.PickLevelForMemTableOutput([]byte("a"), []byte("b"), max, maxGrandparentBytes)
			require.LessOrEqual(t, level, max)
		}
	})
}

func TestForEachOverlappingOrder(t *testing.T) {
	v := newTestVersion(t, map[int][]*FileMetadata{
		0: {
			mkFile(1, "a#10,SET", "z#5,SET"),
			mkFile(4, "a#40,SET", "z#25,SET"),
			mkFile(2, "p#20,SET", "q#15,SET"),
		},
		1: {mkFile(7, "a#50,SET", "z#45,SET")},
	})

	var visited []base.FileNum
	v.ForEachOverlapping([]byte("b"), base.MakeSearchKey([]byte("b")),
		func(level int, f *FileMetadata) bool {
			visited = append(visited, f.FileNum)
			return true
		})
	// Level-0 files that may contain "b", newest (largest file number)
	// first; file 2 does not span "b". Then the single level-1 candidate.
	require.Equal(t, []base.FileNum{4, 1, 7}, visited)
}

func TestVersionRefCounting(t *testing.T) {
	var mu sync.Mutex
	var obsolete []*FileMetadata
	var list VersionList
	list.Init(&mu, func(o []*FileMetadata) {
		obsolete = append(obsolete, o...)
	})

	f1 := mkFile(1, "a#10,SET", "c#5,SET")
	v1 := newTestVersion(t, map[int][]*FileMetadata{2: {f1}})
	list.PushBack(v1)
	v1.Ref()
	require.Equal(t, int32(1), f1.Refs())

	// A second version sharing the file bumps its refcount.
	f2 := mkFile(2, "d#10,SET", "f#5,SET")
	var bve BulkVersionEdit
	bve.Accumulate(&VersionEdit{NewFiles: []NewFileEntry{{Level: 2, Meta: f2}}})
	v2, err := bve.Apply(v1, base.DefaultComparer)
	require.NoError(t, err)
	list.PushBack(v2)
	v2.Ref()
	require.Equal(t, int32(2), f1.Refs())
	require.Equal(t, int32(1), f2.Refs())

	// Dropping the old version releases its file references, but f1 is
	// still held by v2 and must not be reported obsolete.
	v1.Unref()
	require.Equal(t, int32(1), f1.Refs())
	require.Empty(t, obsolete)

	// Dropping the last version reports both files obsolete.
	v2.Unref()
	require.Equal(t, int32(0), f1.Refs())
	require.ElementsMatch(t, []*FileMetadata{f1, f2}, obsolete)
	require.True(t, list.Empty())
}

func TestCheckOrdering(t *testing.T) {
	// Level 0 out of file number order.
	v := &Version{cmp: base.DefaultComparer}
	v.Files[0] = []*FileMetadata{
		mkFile(2, "a#10,SET", "c#5,SET"),
		mkFile(1, "d#10,SET", "f#5,SET"),
	}
	require.Error(t, v.CheckOrdering())

	// Non-zero level with overlapping files.
	v = &Version{cmp: base.DefaultComparer}
	v.Files[1] = []*FileMetadata{
		mkFile(1, "a#10,SET", "m#5,SET"),
		mkFile(2, "k#4,SET", "z#1,SET"),
	}
	require.Error(t, v.CheckOrdering())

	// A sorted, disjoint level is fine.
	v = &Version{cmp: base.DefaultComparer}
	v.Files[1] = []*FileMetadata{
		mkFile(1, "a#10,SET", "c#5,SET"),
		mkFile(2, "k#4,SET", "z#1,SET"),
	}
	require.NoError(t, v.CheckOrdering())
}
