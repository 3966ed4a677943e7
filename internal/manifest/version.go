// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package manifest provides the data structures describing the on-disk
// state of the LSM: per-file metadata, immutable versions of the level
// hierarchy, and the version edits that transform one version into the
// next.
package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/base"
)

// NumLevels is the number of levels a version contains.
const NumLevels = 7

// FileMetadata holds the metadata for an on-disk table. A FileMetadata is
// shared by every version that contains the file; the refcount tracks how
// many live versions reference it.
type FileMetadata struct {
	// FileNum is the file number. File numbers are never reused.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey

	// AllowedSeeks is the remaining seek budget. Each probe of the file
	// that fails to terminate a lookup decrements the budget; when it
	// reaches zero, the file becomes a candidate for seek-driven
	// compaction.
	AllowedSeeks atomic.Int64

	refs atomic.Int32
}

// InitAllowedSeeks initializes the seek budget from the file size. One seek
// costs approximately the same as the compaction of 40KiB of data; 16KiB
// per seek is a conservative estimate, floored so that tiny files are not
// immediately recompacted.
func (m *FileMetadata) InitAllowedSeeks() {
	allowed := int64(m.Size / 16384)
	if allowed < 100 {
		allowed = 100
	}
	m.AllowedSeeks.Store(allowed)
}

// Refs returns the current refcount.
func (m *FileMetadata) Refs() int32 {
	return m.refs.Load()
}

// Ref increments the refcount.
func (m *FileMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the refcount, returning the new value.
func (m *FileMetadata) Unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic("basalt: inconsistent file metadata reference count")
	}
	return v
}

func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internal key
// for all the FileMetadata in the given slices.
func KeyRange(cmp base.Compare, inputs ...[]*FileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range inputs {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(cmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(cmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// SortBySmallest sorts the specified files by increasing smallest key, with
// ties broken by increasing file number.
func SortBySmallest(files []*FileMetadata, cmp base.Compare) {
	sort.Slice(files, func(i, j int) bool {
		if c := base.InternalCompare(cmp, files[i].Smallest, files[j].Smallest); c != 0 {
			return c < 0
		}
		return files[i].FileNum < files[j].FileNum
	})
}

// SortByFileNum sorts the specified files by increasing file number.
func SortByFileNum(files []*FileMetadata) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].FileNum < files[j].FileNum
	})
}

// FindFile binary searches the (sorted, non-overlapping) files for the
// first file whose largest key is >= the given key, returning len(files)
// if there is no such file.
func FindFile(cmp base.Compare, files []*FileMetadata, key base.InternalKey) int {
	return sort.Search(len(files), func(i int) bool {
		return base.InternalCompare(cmp, files[i].Largest, key) >= 0
	})
}

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys
// (which are a user key, a kind, and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing file number. If two level
// 0 tables have file numbers i and j and i < j, then the sequence numbers
// of every internal key in table i are all less than those for table j.
// The range of internal keys [Smallest, Largest] in each level 0 table may
// overlap.
//
// The tables at any non-0 level are sorted by their internal key range and
// any two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no
// internal key in a higher level table that has both the same user key and
// a higher sequence number.
type Version struct {
	Files [NumLevels][]*FileMetadata

	// CompactionScore and CompactionLevel identify the level that should be
	// compacted next and its score. A score < 1 means that compaction is
	// not strictly needed. Both are populated by the version set when the
	// version is installed.
	CompactionScore float64
	CompactionLevel int

	// FileToCompact is set when a file's allowed seeks are exhausted,
	// making it a candidate for seek-driven compaction.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	cmp *base.Comparer

	refs atomic.Int32

	// Every version is part of a circular doubly-linked list of versions.
	// One of those versions is the list's sentinel.
	prev, next *Version

	list *VersionList
}

// NewVersion constructs a new, empty version with the provided comparer.
func NewVersion(cmp *base.Comparer) *Version {
	return &Version{cmp: cmp}
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. If the last reference was
// removed, the version is removed from its version list, the refcounts of
// its files are decremented, and any file whose refcount drops to zero is
// reported to the list's obsolete-file handler (invoked with the list
// mutex held).
//
// The caller must not hold the list mutex; see UnrefLocked.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.mu.Lock()
		l.remove(v)
		l.reportObsolete(v.unrefFiles())
		l.mu.Unlock()
	}
}

// UnrefLocked decrements the version refcount. It is identical to Unref
// except that the caller must already hold the list mutex.
func (v *Version) UnrefLocked() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.remove(v)
		l.reportObsolete(v.unrefFiles())
	}
}

func (v *Version) unrefFiles() []*FileMetadata {
	var obsolete []*FileMetadata
	for _, files := range v.Files {
		for _, f := range files {
			if f.Unref() == 0 {
				obsolete = append(obsolete, f)
			}
		}
	}
	return obsolete
}

func (v *Version) refFiles() {
	for _, files := range v.Files {
		for _, f := range files {
			f.Ref()
		}
	}
}

// String implements fmt.Stringer, printing the level contents.
func (v *Version) String() string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Files[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%d:", level)
		for _, f := range v.Files[level] {
			fmt.Fprintf(&buf, " %s", f)
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}

// Overlaps returns all files in the specified level whose user key range
// intersects the inclusive range [start, end]. A nil start stands for a
// range unbounded below; a nil end for one unbounded above. If level is
// non-zero then the user key ranges of the level's files do not overlap
// (although they may touch). If level is zero then that assumption cannot
// be made, and the [start, end] range is expanded to the union of those
// matching ranges so far and the computation is repeated until [start,
// end] stabilizes. The loop terminates because every restart strictly
// widens the range over a finite file set.
func (v *Version) Overlaps(level int, start, end []byte) (ret []*FileMetadata) {
	ucmp := v.cmp.Compare
loop:
	for {
		for _, meta := range v.Files[level] {
			m0 := meta.Smallest.UserKey
			m1 := meta.Largest.UserKey
			if start != nil && ucmp(m1, start) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if end != nil && ucmp(m0, end) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// If level == 0, check if the newly added file has expanded the
			// range. If so, restart the search.
			if level != 0 {
				continue
			}
			restart := false
			if start != nil && ucmp(m0, start) < 0 {
				start = m0
				restart = true
			}
			if end != nil && ucmp(m1, end) > 0 {
				end = m1
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// OverlapInLevel returns true iff any file in the specified level overlaps
// the specified user key range.
func (v *Version) OverlapInLevel(level int, smallestUserKey, largestUserKey []byte) bool {
	if level == 0 {
		// Level 0 files may overlap each other; check them all.
		for _, f := range v.Files[0] {
			if v.cmp.Compare(f.Largest.UserKey, smallestUserKey) >= 0 &&
				v.cmp.Compare(f.Smallest.UserKey, largestUserKey) <= 0 {
				return true
			}
		}
		return false
	}
	// Binary search over the disjoint files for the first file whose
	// largest key is >= the smallest sought user key.
	key := base.MakeSearchKey(smallestUserKey)
	i := FindFile(v.cmp.Compare, v.Files[level], key)
	if i >= len(v.Files[level]) {
		return false
	}
	return v.cmp.Compare(v.Files[level][i].Smallest.UserKey, largestUserKey) <= 0
}

// PickLevelForMemTableOutput picks a level for the output of a memtable
// flush spanning the specified user key range. New data is pushed to the
// deepest level (up to maxMemCompactLevel) at which it overlaps nothing,
// as long as the next level is also clear and the grandparent overlap does
// not exceed maxGrandparentOverlapBytes; beyond that a future compaction
// of the file would carry too many grandparent bytes.
func (v *Version) PickLevelForMemTableOutput(
	smallestUserKey, largestUserKey []byte, maxMemCompactLevel int, maxGrandparentOverlapBytes uint64,
) int {
	level := 0
	if v.OverlapInLevel(0, smallestUserKey, largestUserKey) {
		return level
	}
	for level < maxMemCompactLevel {
		if v.OverlapInLevel(level+1, smallestUserKey, largestUserKey) {
			break
		}
		if level+2 < NumLevels {
			grandparents := v.Overlaps(level+2, smallestUserKey, largestUserKey)
			if TotalSize(grandparents) > maxGrandparentOverlapBytes {
				break
			}
		}
		level++
	}
	return level
}

// ForEachOverlapping calls fn for every file that may contain the
// specified user key, in the order in which a lookup would probe the
// files: level-0 files from newest to oldest, then, per deeper level, the
// single candidate file. Iteration stops when fn returns false.
func (v *Version) ForEachOverlapping(userKey []byte, ikey base.InternalKey, fn func(level int, f *FileMetadata) bool) {
	ucmp := v.cmp.Compare
	icmp := v.cmp.Compare

	// Search level 0 in decreasing file number order, which is also
	// decreasing sequence number order.
	var l0 []*FileMetadata
	for _, f := range v.Files[0] {
		// Compare user keys on the low end: a table whose smallest internal
		// key has the same user key but a lower sequence number must not be
		// rejected. Compare internal keys on the high end: it gives a
		// tighter bound than comparing user keys.
		if ucmp(userKey, f.Smallest.UserKey) >= 0 &&
			base.InternalCompare(icmp, ikey, f.Largest) <= 0 {
			l0 = append(l0, f)
		}
	}
	for i := len(l0) - 1; i >= 0; i-- {
		if !fn(0, l0[i]) {
			return
		}
	}

	// Search the remaining levels.
	for level := 1; level < NumLevels; level++ {
		n := len(v.Files[level])
		if n == 0 {
			continue
		}
		// Find the earliest file at this level whose largest key is >= ikey.
		i := FindFile(icmp, v.Files[level], ikey)
		if i >= n {
			continue
		}
		f := v.Files[level][i]
		if ucmp(userKey, f.Smallest.UserKey) < 0 {
			continue
		}
		if !fn(level, f) {
			return
		}
	}
}

// CheckOrdering checks that the files are consistent with respect to
// increasing file numbers (for level 0 files) and increasing and
// non-overlapping internal key ranges (for non-zero level files).
func (v *Version) CheckOrdering() error {
	icmp := v.cmp.Compare
	for level, ff := range v.Files {
		if level == 0 {
			prevFileNum := base.FileNum(0)
			for i, f := range ff {
				if i != 0 && prevFileNum >= f.FileNum {
					return base.AssertionFailedf(
						"level 0 files are not in increasing file number order: %s, %s", prevFileNum, f.FileNum)
				}
				prevFileNum = f.FileNum
			}
		} else {
			var prevLargest base.InternalKey
			for i, f := range ff {
				if i != 0 && base.InternalCompare(icmp, prevLargest, f.Smallest) >= 0 {
					return base.AssertionFailedf(
						"level non-0 files are not in increasing key order: %s, %s", prevLargest, f.Smallest)
				}
				if base.InternalCompare(icmp, f.Smallest, f.Largest) > 0 {
					return base.AssertionFailedf(
						"level non-0 file has inconsistent bounds: %s, %s", f.Smallest, f.Largest)
				}
				prevLargest = f.Largest
			}
		}
	}
	return nil
}

// VersionList holds a list of versions. The versions are ordered from
// oldest to newest.
type VersionList struct {
	mu         sync.Locker
	root       Version
	obsoleteFn func(obsolete []*FileMetadata)
}

// Init initializes the version list. The provided mutex serializes all
// structural mutations of the list; it is the engine's central mutex. The
// obsolete-file handler is invoked with that mutex held and must not
// block.
func (l *VersionList) Init(mu sync.Locker, obsoleteFn func([]*FileMetadata)) {
	l.mu = mu
	l.obsoleteFn = obsoleteFn
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *VersionList) reportObsolete(obsolete []*FileMetadata) {
	if len(obsolete) > 0 && l.obsoleteFn != nil {
		l.obsoleteFn(obsolete)
	}
}

// Empty returns true if the list is empty.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list.
func (l *VersionList) Front() *Version {
	return l.root.next
}

// Back returns the newest version in the list.
func (l *VersionList) Back() *Version {
	return l.root.prev
}

// Iterate calls fn for every live version, oldest first. The list mutex
// must be held.
func (l *VersionList) Iterate(fn func(v *Version)) {
	for v := l.root.next; v != &l.root; v = v.next {
		fn(v)
	}
}

// PushBack adds a new version to the back of the list, reffing all of its
// files. This happens to be the sole constructor-side refcount bump: a
// version's files are reffed when the version is published and unreffed
// when the version dies.
func (l *VersionList) PushBack(v *Version) {
	if v.list != nil || v.prev != nil || v.next != nil {
		panic("basalt: version list is inconsistent")
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	v.next.prev = v
	v.list = l
	v.refFiles()
}

func (l *VersionList) remove(v *Version) {
	if v == &l.root {
		panic("basalt: cannot remove version list root node")
	}
	if v.list != l {
		panic("basalt: version list is inconsistent")
	}
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next = nil // avoid memory leaks
	v.prev = nil // avoid memory leaks
	v.list = nil // avoid memory leaks
}

// BulkVersionEdit accumulates the state of one or more VersionEdits, to be
// applied to a base version to produce a new version. The bulk version
// edit is the sole place where the level invariants are enforced.
type BulkVersionEdit struct {
	Added   [NumLevels][]*FileMetadata
	Deleted [NumLevels]map[base.FileNum]bool

	// AddedByFileNum maps file number to file metadata for all files added
	// across accumulated edits. Used to reconstruct files deleted by later
	// edits during replay of a manifest.
	AddedByFileNum map[base.FileNum]*FileMetadata
}

// Accumulate adds the file addition and deletions in the specified version
// edit to the bulk edit's internal state.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) {
	for df := range ve.DeletedFiles {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewFiles {
		// A new file can be freshly flushed/compacted output, or a file
		// moved between levels by a trivial move: remove any pending
		// deletion so a move within one accumulated batch round-trips.
		if dmap := b.Deleted[nf.Level]; dmap != nil {
			delete(dmap, nf.Meta.FileNum)
		}
		b.Added[nf.Level] = append(b.Added[nf.Level], nf.Meta)
		if b.AddedByFileNum == nil {
			b.AddedByFileNum = make(map[base.FileNum]*FileMetadata)
		}
		b.AddedByFileNum[nf.Meta.FileNum] = nf.Meta
	}
}

// Apply applies the accumulated edits to the base version, producing a new
// version. The new version is consistent with respect to the level
// invariants: level 0 is ordered by increasing file number, deeper levels
// are ordered by smallest key and must be non-overlapping.
//
// The new version shares FileMetadata with the base version; no refcounts
// are changed until the version is published to a VersionList.
func (b *BulkVersionEdit) Apply(curr *Version, cmp *base.Comparer) (*Version, error) {
	v := NewVersion(cmp)
	for level := 0; level < NumLevels; level++ {
		combined := make([]*FileMetadata, 0,
			lenOf(curr, level)+len(b.Added[level]))
		if curr != nil {
			combined = append(combined, curr.Files[level]...)
		}
		combined = append(combined, b.Added[level]...)

		files := combined[:0]
		for _, f := range combined {
			if b.Deleted[level] != nil && b.Deleted[level][f.FileNum] {
				continue
			}
			files = append(files, f)
		}

		if level == 0 {
			SortByFileNum(files)
		} else {
			SortBySmallest(files, cmp.Compare)
		}
		v.Files[level] = files
	}
	if err := v.CheckOrdering(); err != nil {
		return nil, err
	}
	return v, nil
}

func lenOf(v *Version, level int) int {
	if v == nil {
		return 0
	}
	return len(v.Files[level])
}
