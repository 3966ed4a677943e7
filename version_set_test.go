// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/vfs"
	"github.com/stretchr/testify/require"
)

func testFile(fileNum base.FileNum, size uint64, smallest, largest string) *manifest.FileMetadata {
	m := &manifest.FileMetadata{
		FileNum:  fileNum,
		Size:     size,
		Smallest: base.ParseInternalKey(smallest),
		Largest:  base.ParseInternalKey(largest),
	}
	m.InitAllowedSeeks()
	return m
}

// newTestVersionSet builds a version set over an in-memory FS with the
// given files installed, bypassing the descriptor.
func newTestVersionSet(t *testing.T, opts *Options, files map[int][]*manifest.FileMetadata) (*versionSet, *sync.Mutex) {
	opts = opts.EnsureDefaults()
	mu := &sync.Mutex{}
	vs := &versionSet{}
	vs.init("", opts, mu, nil)

	ve := &manifest.VersionEdit{}
	for level, ff := range files {
		for _, f := range ff {
			ve.AddFile(level, f)
		}
	}
	var bve manifest.BulkVersionEdit
	bve.Accumulate(ve)
	v, err := bve.Apply(nil, opts.Comparer)
	require.NoError(t, err)
	vs.finalize(v)
	vs.append(v)
	for _, ff := range files {
		for _, f := range ff {
			vs.markFileNumUsed(f.FileNum)
		}
	}
	return vs, mu
}

func TestFinalizeScores(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()

	t.Run("l0-file-count", func(t *testing.T) {
		// Level 0 is scored by file count against the trigger.
		vs, _ := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
			0: {
				testFile(1, 100, "a#4,SET", "b#3,SET"),
				testFile(2, 100, "a#8,SET", "b#7,SET"),
				testFile(3, 100, "a#12,SET", "b#11,SET"),
				testFile(4, 100, "a#16,SET", "b#15,SET"),
			},
		})
		v := vs.currentVersion()
		require.Equal(t, 0, v.CompactionLevel)
		require.GreaterOrEqual(t, v.CompactionScore, 1.0)
	})

	t.Run("deeper-byte-budget", func(t *testing.T) {
		// Level 1's budget is 10MiB; 20MiB of files gives score 2.
		vs, _ := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
			1: {
				testFile(1, 10<<20, "a#4,SET", "b#3,SET"),
				testFile(2, 10<<20, "c#8,SET", "d#7,SET"),
			},
		})
		v := vs.currentVersion()
		require.Equal(t, 1, v.CompactionLevel)
		require.InDelta(t, 2.0, v.CompactionScore, 0.01)
	})

	t.Run("below-threshold", func(t *testing.T) {
		vs, _ := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
			1: {testFile(1, 1024, "a#4,SET", "b#3,SET")},
		})
		require.Less(t, vs.currentVersion().CompactionScore, 1.0)
	})
}

func TestPickCompactionCompactPointer(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	files := map[int][]*manifest.FileMetadata{
		1: {
			testFile(1, 7<<20, "a#10,SET", "c#5,SET"),
			testFile(2, 7<<20, "d#10,SET", "f#5,SET"),
			testFile(3, 7<<20, "g#10,SET", "i#5,SET"),
		},
	}

	t.Run("no-pointer-picks-first", func(t *testing.T) {
		vs, mu := newTestVersionSet(t, opts, files)
		mu.Lock()
		defer mu.Unlock()
		c := vs.pickCompaction()
		require.NotNil(t, c)
		require.Equal(t, 1, c.level)
		require.Equal(t, base.FileNum(1), c.inputs[0][0].FileNum)
		// The compact pointer now records the end of this compaction.
		require.Equal(t, "c", string(vs.compactPointer[1].UserKey))
		c.release()
	})

	t.Run("pointer-picks-next", func(t *testing.T) {
		vs, mu := newTestVersionSet(t, opts, files)
		vs.compactPointer[1] = base.ParseInternalKey("c#5,SET")
		mu.Lock()
		defer mu.Unlock()
		c := vs.pickCompaction()
		require.NotNil(t, c)
		require.Equal(t, base.FileNum(2), c.inputs[0][0].FileNum)
		c.release()
	})

	t.Run("pointer-wraps", func(t *testing.T) {
		vs, mu := newTestVersionSet(t, opts, files)
		vs.compactPointer[1] = base.ParseInternalKey("z#1,SET")
		mu.Lock()
		defer mu.Unlock()
		c := vs.pickCompaction()
		require.NotNil(t, c)
		require.Equal(t, base.FileNum(1), c.inputs[0][0].FileNum)
		c.release()
	})
}

func TestPickCompactionSeekDriven(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	vs, mu := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
		1: {testFile(1, 1024, "a#10,SET", "c#5,SET")},
	})
	v := vs.currentVersion()
	require.Less(t, v.CompactionScore, 1.0)

	mu.Lock()
	defer mu.Unlock()

	// No compaction without a seek-driven candidate.
	require.Nil(t, vs.pickCompaction())

	v.FileToCompact = v.Files[1][0]
	v.FileToCompactLevel = 1
	c := vs.pickCompaction()
	require.NotNil(t, c)
	require.True(t, c.seekDriven)
	require.Equal(t, base.FileNum(1), c.inputs[0][0].FileNum)
	c.release()
}

func TestPickCompactionL0Expansion(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	// Five overlapping L0 files: a size-driven L0 compaction must pull in
	// every file overlapping the chosen range.
	vs, mu := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
		0: {
			testFile(1, 100, "a#2,SET", "d#1,SET"),
			testFile(2, 100, "c#4,SET", "f#3,SET"),
			testFile(3, 100, "e#6,SET", "h#5,SET"),
			testFile(4, 100, "x#8,SET", "z#7,SET"),
			testFile(5, 100, "g#10,SET", "i#9,SET"),
		},
	})
	mu.Lock()
	defer mu.Unlock()
	c := vs.pickCompaction()
	require.NotNil(t, c)
	require.Equal(t, 0, c.level)
	// Files 1,2,3,5 chain into one overlapping range. File 4 is disjoint.
	var nums []base.FileNum
	for _, f := range c.inputs[0] {
		nums = append(nums, f.FileNum)
	}
	require.ElementsMatch(t, []base.FileNum{1, 2, 3, 5}, nums)
	c.release()
}

func TestSetupOtherInputsExpansion(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	// f2 at level 1 overlaps the level-2 file f10, whose range also
	// covers f3. Growing inputs[0] to include f3 does not change the
	// level-2 inputs, so the expansion is accepted.
	vs, mu := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{
		1: {
			testFile(2, 11<<20, "a#10,SET", "c#5,SET"),
			testFile(3, 1024, "d#10,SET", "f#5,SET"),
		},
		2: {
			testFile(10, 1024, "a#4,SET", "f#1,SET"),
		},
	})
	mu.Lock()
	defer mu.Unlock()
	c := vs.pickCompaction()
	require.NotNil(t, c)
	require.Equal(t, 1, c.level)
	require.Len(t, c.inputs[0], 2)
	require.Len(t, c.inputs[1], 1)
	c.release()
}

func TestCompactRangeSizeCap(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	// Many large files at level 1: a manual range compaction caps the
	// inputs to bound the output size.
	var files []*manifest.FileMetadata
	for i := 0; i < 10; i++ {
		lo := fmt.Sprintf("k%02d#10,SET", 2*i)
		hi := fmt.Sprintf("k%02d#5,SET", 2*i+1)
		files = append(files, testFile(base.FileNum(i+1), opts.MaxFileSize, lo, hi))
	}
	vs, mu := newTestVersionSet(t, opts, map[int][]*manifest.FileMetadata{1: files})
	mu.Lock()
	defer mu.Unlock()
	c := vs.compactRange(1, nil, nil)
	require.NotNil(t, c)
	require.Less(t, len(c.inputs[0]), 10)
	c.release()
}

func TestSnapshotEditRoundTrip(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	files := map[int][]*manifest.FileMetadata{
		0: {testFile(9, 100, "x#20,SET", "y#19,SET")},
		1: {testFile(1, 1024, "a#10,SET", "c#5,SET")},
		3: {testFile(2, 2048, "d#10,SET", "f#5,SET")},
	}
	vs, _ := newTestVersionSet(t, opts, files)
	vs.compactPointer[1] = base.ParseInternalKey("c#5,SET")

	snapshot := vs.makeSnapshotEdit()
	require.Equal(t, opts.Comparer.Name, snapshot.ComparerName)

	var bve manifest.BulkVersionEdit
	bve.Accumulate(snapshot)
	v, err := bve.Apply(nil, opts.Comparer)
	require.NoError(t, err)

	cur := vs.currentVersion()
	for level := range cur.Files {
		require.Equal(t, len(cur.Files[level]), len(v.Files[level]), "level %d", level)
		for i := range cur.Files[level] {
			require.Equal(t, cur.Files[level][i].FileNum, v.Files[level][i].FileNum)
		}
	}
}

// TestManifestReplay checks that replaying the descriptor from scratch
// produces a version identical in per-level file sets to the last
// installed version.
func TestManifestReplay(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{
		FS:                          fs,
		CreateIfMissing:             true,
		MemTableSize:                1 << 20,
		DisableAutomaticCompactions: true,
	}
	d, err := Open("db", opts)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for j := 0; j < 100; j++ {
			key := fmt.Sprintf("key%03d", j)
			require.NoError(t, d.Set([]byte(key), []byte(fmt.Sprintf("v%d-%d", i, j)), nil))
		}
		require.NoError(t, d.Flush())
	}

	d.mu.Lock()
	before := d.versions.currentVersion().String()
	d.mu.Unlock()
	require.NoError(t, d.Close())

	d2, err := Open("db", opts)
	require.NoError(t, err)
	defer d2.Close()
	d2.mu.Lock()
	after := d2.versions.currentVersion().String()
	d2.mu.Unlock()
	require.Equal(t, before, after)
}

// checkVersionInvariants verifies the invariants that must hold after
// every completed logAndApply: ordering within levels, positive refcounts
// on current files, and the file number counter exceeding every live file
// number.
func checkVersionInvariants(t *testing.T, d *DB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.versions.currentVersion()
	require.NoError(t, v.CheckOrdering())
	for level := range v.Files {
		for _, f := range v.Files[level] {
			require.GreaterOrEqual(t, f.Refs(), int32(1))
			require.Greater(t, d.versions.nextFileNum, f.FileNum)
		}
	}
}

func TestLogAndApplyInvariants(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{
		FS:              fs,
		CreateIfMissing: true,
		MemTableSize:    32 << 10,
	}
	d, err := Open("db", opts)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key%05d", i%500)
		require.NoError(t, d.Set([]byte(key), make([]byte, 100), nil))
		if i%500 == 499 {
			require.NoError(t, d.Flush())
			checkVersionInvariants(t, d)
		}
	}
	require.NoError(t, d.Compact(nil, nil))
	checkVersionInvariants(t, d)
}
