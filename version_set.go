// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"io"
	"sync"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
)

const numLevels = manifest.NumLevels

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is
// just a list of deletions and additions to the version's file set, plus
// updates to the counters.
//
// The version set owns:
//   - the list of live versions, the newest of which is "current";
//   - the monotonic file number and sequence number counters;
//   - the per-level compact pointer: the largest key written by the most
//     recent compaction at that level, where the next compaction at the
//     level starts;
//   - the open descriptor (MANIFEST) log.
//
// All fields are protected by the engine mutex except where noted.
type versionSet struct {
	opts    *Options
	dirname string
	fs      vfs.FS
	cmp     *base.Comparer
	mu      *sync.Mutex

	versions manifest.VersionList

	// obsoleteTables holds file metadata for sstables that are no longer
	// referenced by any live version and may be deleted from disk after
	// cross-checking against the live file set.
	obsoleteTables []*manifest.FileMetadata

	// nextFileNum is the next unused file number; every file number in any
	// live version, and the log and manifest numbers, are below it.
	nextFileNum base.FileNum

	// logNum is the WAL that must be replayed on recovery. prevLogNum is
	// the WAL of the memtable being flushed when logNum was installed.
	logNum     base.FileNum
	prevLogNum base.FileNum

	// lastSeqNum is the sequence number of the most recently completed
	// write. It is atomic so that reads can observe it without holding the
	// engine mutex.
	lastSeqNum base.AtomicSeqNum

	// compactPointer records, per level, the largest internal key written
	// by the most recent compaction at that level. The next compaction at
	// the level starts at the first file whose largest key is beyond the
	// pointer, wrapping to the first file when none is.
	compactPointer [numLevels]base.InternalKey

	// manifestFileNum is the file number of the open descriptor.
	manifestFileNum base.FileNum
	manifestFile    vfs.File
	manifestWriter  *record.Writer

	// writingManifest is true while a logAndApply is writing to the
	// descriptor with the engine mutex released. Descriptor writes are
	// serialized: a second logAndApply waits on writingManifestCond.
	writingManifest     bool
	writingManifestCond sync.Cond
}

func (vs *versionSet) init(
	dirname string, opts *Options, mu *sync.Mutex, obsoleteFn func([]*manifest.FileMetadata),
) {
	vs.opts = opts
	vs.dirname = dirname
	vs.fs = opts.FS
	vs.cmp = opts.Comparer
	vs.mu = mu
	vs.writingManifestCond.L = mu
	vs.versions.Init(mu, obsoleteFn)
	vs.nextFileNum = 1
}

// create initializes a version set for a fresh DB: an empty version is
// installed and a new descriptor and CURRENT file are written.
func (vs *versionSet) create(
	dirname string, opts *Options, mu *sync.Mutex, obsoleteFn func([]*manifest.FileMetadata),
) error {
	vs.init(dirname, opts, mu, obsoleteFn)
	vs.append(manifest.NewVersion(vs.cmp))

	// Write an initial descriptor naming the comparer and counters, and
	// install CURRENT.
	mu.Lock()
	defer mu.Unlock()
	return vs.logAndApply(&manifest.VersionEdit{})
}

// recover loads the version set from the descriptor named by the CURRENT
// file.
func (vs *versionSet) recover(
	dirname string, opts *Options, mu *sync.Mutex, obsoleteFn func([]*manifest.FileMetadata),
) error {
	vs.init(dirname, opts, mu, obsoleteFn)

	manifestName, err := readCurrentFile(vs.fs, dirname)
	if err != nil {
		return err
	}
	fileType, manifestNum, ok := base.ParseFilename(manifestName)
	if !ok || fileType != base.FileTypeManifest {
		return base.CorruptionErrorf("basalt: CURRENT file for DB %q names %q, not a MANIFEST",
			dirname, manifestName)
	}

	manifestPath := vs.fs.PathJoin(dirname, manifestName)
	manifestFile, err := vs.fs.Open(manifestPath)
	if err != nil {
		return errors.Wrapf(err, "basalt: could not open manifest file %q for DB %q",
			manifestName, dirname)
	}
	defer manifestFile.Close()

	var bve manifest.BulkVersionEdit
	var haveLogNum, haveNextFileNum, haveLastSeqNum bool
	var logNum, prevLogNum, nextFileNum base.FileNum
	var lastSeqNum base.SeqNum

	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(err)
		}
		var ve manifest.VersionEdit
		if err := ve.Decode(r); err != nil {
			return err
		}
		if ve.ComparerName != "" && ve.ComparerName != vs.cmp.Name {
			return base.CorruptionErrorf(
				"basalt: manifest file %q for DB %q: comparer name from file %q != comparer name from Options %q",
				manifestName, dirname, ve.ComparerName, vs.cmp.Name)
		}
		bve.Accumulate(&ve)
		if ve.HasLogNum {
			logNum = ve.LogNum
			haveLogNum = true
		}
		if ve.PrevLogNum != 0 {
			prevLogNum = ve.PrevLogNum
		}
		if ve.HasNextFileNum {
			nextFileNum = ve.NextFileNum
			haveNextFileNum = true
		}
		if ve.HasLastSeqNum {
			lastSeqNum = ve.LastSeqNum
			haveLastSeqNum = true
		}
		for _, cp := range ve.CompactPointers {
			vs.compactPointer[cp.Level] = cp.Key
		}
	}
	if !haveNextFileNum {
		return base.CorruptionErrorf("basalt: manifest file %q for DB %q: no meta-nextfile entry",
			manifestName, dirname)
	}
	if !haveLogNum {
		return base.CorruptionErrorf("basalt: manifest file %q for DB %q: no meta-lognumber entry",
			manifestName, dirname)
	}
	if !haveLastSeqNum {
		return base.CorruptionErrorf("basalt: manifest file %q for DB %q: no last-sequence-number entry",
			manifestName, dirname)
	}

	newVersion, err := bve.Apply(nil, vs.cmp)
	if err != nil {
		return err
	}
	vs.finalize(newVersion)
	vs.append(newVersion)

	vs.manifestFileNum = manifestNum
	vs.nextFileNum = nextFileNum
	vs.logNum = logNum
	vs.prevLogNum = prevLogNum
	vs.lastSeqNum.Store(lastSeqNum)
	vs.markFileNumUsed(logNum)
	vs.markFileNumUsed(prevLogNum)
	vs.markFileNumUsed(manifestNum)

	// Decide whether to reuse the existing descriptor: allowed only when
	// requested, and only while the descriptor is still small.
	if opts.ReuseLogs {
		stat, err := vs.fs.Stat(manifestPath)
		if err != nil {
			return err
		}
		if stat.Size() < opts.MaxManifestFileSize {
			appendFile, err := vs.fs.OpenForAppend(manifestPath)
			if err != nil {
				return err
			}
			vs.manifestFile = appendFile
			vs.manifestWriter = record.NewWriterAtOffset(appendFile, stat.Size())
		}
	}
	return nil
}

// currentVersion returns the newest version. The engine mutex must be held
// or the caller must otherwise hold a reference preventing the version
// from being uninstalled.
func (vs *versionSet) currentVersion() *manifest.Version {
	return vs.versions.Back()
}

// append installs v as the current version, transferring to the list the
// reference the version set itself holds on the current version.
func (vs *versionSet) append(v *manifest.Version) {
	if v.Refs() != 0 {
		panic("basalt: version should be unreferenced")
	}
	if !vs.versions.Empty() {
		vs.currentVersion().UnrefLocked()
	}
	vs.versions.PushBack(v)
	v.Ref()
}

// getNextFileNum allocates and returns a new file number.
func (vs *versionSet) getNextFileNum() base.FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

// markFileNumUsed advances the file number counter past fileNum.
func (vs *versionSet) markFileNumUsed(fileNum base.FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

// logAndApply logs the version edit to the descriptor, applies it to the
// current version, and installs the new version. The engine mutex must be
// held; it is released while the descriptor write and sync are in flight
// and reacquired afterwards. Reads proceed during the I/O; descriptor
// writes themselves are serialized.
//
// On failure no new version is installed, and a freshly created
// descriptor, if any, is removed; a file number allocated for it is not
// returned.
func (vs *versionSet) logAndApply(ve *manifest.VersionEdit) error {
	// Wait for any in-flight descriptor write.
	for vs.writingManifest {
		vs.writingManifestCond.Wait()
	}

	if ve.LogNum == 0 {
		ve.LogNum = vs.logNum
	} else if ve.LogNum < vs.logNum || ve.LogNum >= vs.nextFileNum {
		return base.AssertionFailedf("basalt: inconsistent version edit log number %s", ve.LogNum)
	}
	ve.HasLogNum = true
	if ve.PrevLogNum == 0 {
		ve.PrevLogNum = vs.prevLogNum
	}
	ve.NextFileNum = vs.nextFileNum
	ve.HasNextFileNum = true
	ve.LastSeqNum = vs.lastSeqNum.Load()
	ve.HasLastSeqNum = true

	var bve manifest.BulkVersionEdit
	bve.Accumulate(ve)
	newVersion, err := bve.Apply(vs.currentVersion(), vs.cmp)
	if err != nil {
		return err
	}
	vs.finalize(newVersion)

	// If there is no descriptor log, create a new one and plan to write a
	// snapshot of the current version as its first record.
	newManifest := vs.manifestWriter == nil
	var newManifestNum base.FileNum
	var snapshot *manifest.VersionEdit
	if newManifest {
		newManifestNum = vs.getNextFileNum()
		snapshot = vs.makeSnapshotEdit()
	}

	// Release the mutex around the descriptor write and sync. This is the
	// engine's central suspension point: reads and non-mutating work
	// proceed while the descriptor is flushed.
	vs.writingManifest = true
	vs.mu.Unlock()
	ioErr := func() error {
		if newManifest {
			filename := base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestNum)
			manifestFile, err := vs.fs.Create(filename)
			if err != nil {
				return err
			}
			manifestWriter := record.NewWriter(manifestFile)
			w, err := manifestWriter.Next()
			if err != nil {
				manifestFile.Close()
				return err
			}
			if err := snapshot.Encode(w); err != nil {
				manifestFile.Close()
				return err
			}
			vs.manifestFile = manifestFile
			vs.manifestWriter = manifestWriter
			vs.opts.EventListener.invokeManifestCreated(ManifestCreateInfo{
				Path:    filename,
				FileNum: newManifestNum,
			})
		}
		w, err := vs.manifestWriter.Next()
		if err != nil {
			return err
		}
		if err := ve.Encode(w); err != nil {
			return err
		}
		if err := vs.manifestWriter.Flush(); err != nil {
			return err
		}
		if err := vs.manifestFile.Sync(); err != nil {
			return err
		}
		if newManifest {
			if err := setCurrentFile(vs.fs, vs.dirname, newManifestNum); err != nil {
				return err
			}
		}
		return nil
	}()
	vs.mu.Lock()
	vs.writingManifest = false
	vs.writingManifestCond.Broadcast()

	if ioErr != nil {
		// Discard the candidate version. If we were creating a fresh
		// descriptor, remove it; CURRENT still names the old one.
		if newManifest {
			if vs.manifestFile != nil {
				vs.manifestFile.Close()
			}
			vs.manifestFile = nil
			vs.manifestWriter = nil
			_ = vs.fs.Remove(base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestNum))
		}
		return ioErr
	}

	// Install the new version.
	if newManifest {
		vs.manifestFileNum = newManifestNum
	}
	for _, cp := range ve.CompactPointers {
		vs.compactPointer[cp.Level] = cp.Key
	}
	vs.append(newVersion)
	vs.logNum = ve.LogNum
	vs.prevLogNum = ve.PrevLogNum
	return nil
}

// makeSnapshotEdit builds a version edit that reconstructs the current
// version: the comparer name, the compact pointers, and every live file.
func (vs *versionSet) makeSnapshotEdit() *manifest.VersionEdit {
	snapshot := &manifest.VersionEdit{
		ComparerName: vs.cmp.Name,
	}
	for level, key := range vs.compactPointer {
		if key.UserKey != nil {
			snapshot.CompactPointers = append(snapshot.CompactPointers,
				manifest.CompactPointerEntry{Level: level, Key: key})
		}
	}
	current := vs.currentVersion()
	for level := range current.Files {
		for _, meta := range current.Files[level] {
			snapshot.AddFile(level, meta)
		}
	}
	return snapshot
}

// writeSnapshot emits the current version as a single edit to the provided
// descriptor writer. logAndApply embeds the same edit (built by
// makeSnapshotEdit) when rotating descriptors.
func (vs *versionSet) writeSnapshot(w *record.Writer) error {
	rec, err := w.Next()
	if err != nil {
		return err
	}
	return vs.makeSnapshotEdit().Encode(rec)
}

// finalize precomputes the next compaction target for the version:
// level 0 is scored by file count against the compaction trigger, deeper
// levels by total bytes against their byte budget.
func (vs *versionSet) finalize(v *manifest.Version) {
	bestLevel := 0
	// We treat level-0 specially by bounding the number of files instead
	// of number of bytes for two reasons:
	//
	// (1) With larger write-buffer sizes, it is nice not to do too many
	// level-0 compactions.
	//
	// (2) The files in level-0 are merged on every read and therefore we
	// wish to avoid too many files when the individual file size is small
	// (perhaps because of a small write-buffer setting, or very high
	// compression ratios, or lots of overwrites/deletions).
	bestScore := float64(len(v.Files[0])) / float64(vs.opts.L0CompactionThreshold)
	for level := 1; level < numLevels-1; level++ {
		score := float64(manifest.TotalSize(v.Files[level])) / vs.opts.maxBytesForLevel(level)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.CompactionLevel = bestLevel
	v.CompactionScore = bestScore
}

// pickCompaction picks the best compaction, if any, for the current
// version. Size-driven compactions take precedence over seek-driven ones.
func (vs *versionSet) pickCompaction() *compaction {
	cur := vs.currentVersion()

	var c *compaction
	switch {
	case cur.CompactionScore >= 1:
		level := cur.CompactionLevel
		c = newCompaction(vs.opts, cur, level)
		// Pick the first file that comes after the compact pointer for the
		// level, wrapping to the first file if the pointer is past every
		// file.
		for _, f := range cur.Files[level] {
			if vs.compactPointer[level].UserKey == nil ||
				base.InternalCompare(vs.cmp.Compare, f.Largest, vs.compactPointer[level]) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = append(c.inputs[0], cur.Files[level][0])
		}

	case cur.FileToCompact != nil:
		c = newCompaction(vs.opts, cur, cur.FileToCompactLevel)
		c.inputs[0] = append(c.inputs[0], cur.FileToCompact)
		c.seekDriven = true

	default:
		return nil
	}

	// Files in level 0 may overlap each other, so pick up all overlapping
	// ones.
	if c.level == 0 {
		smallest, largest := manifest.KeyRange(vs.cmp.Compare, c.inputs[0])
		c.inputs[0] = cur.Overlaps(0, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("basalt: empty compaction")
		}
	}

	vs.setupOtherInputs(c)
	c.version.Ref()
	return c
}

// compactRange returns a compaction covering the specified user key range
// at the specified level, or nil if no file at the level overlaps the
// range. A nil start or end stands for an unbounded range on that side.
func (vs *versionSet) compactRange(level int, start, end []byte) *compaction {
	cur := vs.currentVersion()
	inputs := cur.Overlaps(level, start, end)
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much in one shot in case the range is large.
	// This is not done for level-0 since level-0 files can overlap and we
	// must not pick one file and drop another older file if the two files
	// overlap.
	if level > 0 {
		limit := vs.opts.maxFileSizeForLevel(level)
		var total uint64
		for i, f := range inputs {
			total += f.Size
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(vs.opts, cur, level)
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	c.version.Ref()
	return c
}

// setupOtherInputs fills in the rest of the compaction inputs: the
// overlapping files at level+1, a possible expansion of the level inputs
// that does not change the level+1 inputs, and the grandparent overlap
// set. It also advances the level's compact pointer.
func (vs *versionSet) setupOtherInputs(c *compaction) {
	cmp := vs.cmp.Compare
	cur := c.version
	smallest, largest := manifest.KeyRange(cmp, c.inputs[0])
	c.inputs[1] = cur.Overlaps(c.level+1, smallest.UserKey, largest.UserKey)
	allStart, allLimit := manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])

	// Grow the level inputs if it won't change the number of level+1
	// inputs and the expanded compaction stays under the byte limit.
	if len(c.inputs[1]) > 0 {
		expanded0 := cur.Overlaps(c.level, allStart.UserKey, allLimit.UserKey)
		if len(expanded0) > len(c.inputs[0]) &&
			manifest.TotalSize(c.inputs[1])+manifest.TotalSize(expanded0) <
				vs.opts.expandedCompactionByteSizeLimit() {
			newStart, newLimit := manifest.KeyRange(cmp, expanded0)
			expanded1 := cur.Overlaps(c.level+1, newStart.UserKey, newLimit.UserKey)
			if len(expanded1) == len(c.inputs[1]) {
				vs.opts.Logger.Infof(
					"basalt: expanding@%d %d+%d (%d+%d bytes) to %d+%d (%d+%d bytes)",
					c.level, len(c.inputs[0]), len(c.inputs[1]),
					manifest.TotalSize(c.inputs[0]), manifest.TotalSize(c.inputs[1]),
					len(expanded0), len(expanded1),
					manifest.TotalSize(expanded0), manifest.TotalSize(expanded1))
				smallest, largest = newStart, newLimit
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				allStart, allLimit = manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])
			}
		}
	}

	// Compute the set of grandparent files that overlap this compaction
	// (parent == level+1, grandparent == level+2).
	if c.level+2 < numLevels {
		c.grandparents = cur.Overlaps(c.level+2, allStart.UserKey, allLimit.UserKey)
	}

	// Update the place where we will do the next compaction for this
	// level. We update this immediately instead of waiting for the version
	// edit to be applied so that if the compaction fails, we will try a
	// different key range next time.
	vs.compactPointer[c.level] = largest.Clone()
	c.edit.CompactPointers = append(c.edit.CompactPointers,
		manifest.CompactPointerEntry{Level: c.level, Key: vs.compactPointer[c.level]})
}

// addLiveFiles adds the file numbers of every file in any live version to
// the provided map.
func (vs *versionSet) addLiveFiles(m map[base.FileNum]struct{}) {
	vs.versions.Iterate(func(v *manifest.Version) {
		for level := range v.Files {
			for _, f := range v.Files[level] {
				m[f.FileNum] = struct{}{}
			}
		}
	})
}

// levelBytes returns the total file bytes at the given level of the
// current version.
func (vs *versionSet) levelBytes(level int) uint64 {
	return manifest.TotalSize(vs.currentVersion().Files[level])
}

func (vs *versionSet) close() error {
	var err error
	if vs.manifestFile != nil {
		err = vs.manifestFile.Close()
		vs.manifestFile = nil
		vs.manifestWriter = nil
	}
	return err
}
