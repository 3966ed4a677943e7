// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/sstable"
)

// compaction is a table compaction from one level to the next, starting
// from a given version.
type compaction struct {
	opts *Options

	// level is the level that is being compacted. Inputs from level and
	// level+1 will be merged to produce a set of level+1 files.
	level int

	// version is the version the compaction reads its inputs from. The
	// compaction holds a reference for its lifetime.
	version *manifest.Version

	// inputs[0] are the files from level, inputs[1] the overlapping files
	// from level+1.
	inputs [2][]*manifest.FileMetadata

	// grandparents are the files from level+2 that overlap the key range
	// of the compaction. They bound the size of output files so that a
	// future compaction of an output does not fan out too widely.
	grandparents      []*manifest.FileMetadata
	grandparentIndex  int
	seenKey           bool
	overlappedBytes   uint64
	maxOutputFileSize uint64

	// levelPtrs holds per-level advancing cursors for isBaseLevelForKey,
	// exploiting the monotone key progression of compaction output.
	levelPtrs [numLevels]int

	// seekDriven records whether the compaction was triggered by an
	// exhausted seek budget rather than by a level score.
	seekDriven bool

	// edit accumulates the file deletions and additions of the compaction.
	edit manifest.VersionEdit
}

func newCompaction(opts *Options, v *manifest.Version, level int) *compaction {
	return &compaction{
		opts:              opts,
		level:             level,
		version:           v,
		maxOutputFileSize: opts.maxFileSizeForLevel(level + 1),
	}
}

// release releases the compaction's reference on its input version. The
// engine mutex must be held.
func (c *compaction) release() {
	if c.version != nil {
		c.version.UnrefLocked()
		c.version = nil
	}
}

// isTrivialMove returns true if the compaction can be implemented by
// reassigning a single input file to the next level, with no merging. A
// move is rejected when the grandparent overlap is large, since moving the
// file would create a parent file whose later compaction is expensive.
func (c *compaction) isTrivialMove() bool {
	// Avoid a move if there is lots of overlapping grandparent data.
	// Otherwise, the move could create a parent file that will require a
	// very expensive merge later on.
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.grandparents) <= c.opts.maxGrandparentOverlapBytes()
}

// isBaseLevelForKey returns true if it is guaranteed that there are no
// key/value pairs at c.level+2 or higher that have the specified user key.
// Successive calls must pass non-decreasing user keys: the per-level
// cursors only ever advance.
func (c *compaction) isBaseLevelForKey(ukey []byte) bool {
	ucmp := c.opts.Comparer.Compare
	for level := c.level + 2; level < numLevels; level++ {
		files := c.version.Files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if ucmp(ukey, f.Largest.UserKey) <= 0 {
				// We've advanced far enough.
				if ucmp(ukey, f.Smallest.UserKey) >= 0 {
					// Key falls in this file's range, so definitely not base
					// level.
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// shouldStopBefore returns true if the output to the current table should
// stop before processing the specified internal key, bounding how much
// data at level+2 a single output file overlaps.
func (c *compaction) shouldStopBefore(ikey base.InternalKey) bool {
	icmp := c.opts.Comparer.Compare
	// Scan to find the earliest grandparent file that contains the key.
	for c.grandparentIndex < len(c.grandparents) &&
		base.InternalCompare(icmp, ikey, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.opts.maxGrandparentOverlapBytes() {
		// Too much overlap for the current output; start a new one.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// addInputDeletions adds the compaction's input files to the edit as
// deletions.
func (c *compaction) addInputDeletions(edit *manifest.VersionEdit) {
	for which := 0; which < 2; which++ {
		for _, f := range c.inputs[which] {
			edit.DeleteFile(c.level+which, f.FileNum)
		}
	}
}

// String implements fmt.Stringer.
func (c *compaction) String() string {
	var buf bytes.Buffer
	for which := 0; which < 2; which++ {
		fmt.Fprintf(&buf, "%d:", c.level+which)
		for _, f := range c.inputs[which] {
			fmt.Fprintf(&buf, " %s", f.FileNum)
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}

// makeInputIterator returns an iterator over all the input tables of the
// compaction, yielding a single globally ordered stream of internal keys.
// At level 0, every input file gets its own iterator since the files may
// overlap; at deeper levels a level iterator concatenates the disjoint
// files of each input level.
func (c *compaction) makeInputIterator(cache *tableCache) (base.InternalIterator, error) {
	cmp := c.opts.Comparer.Compare
	var iters []base.InternalIterator
	if c.level == 0 {
		for _, f := range c.inputs[0] {
			iter, err := cache.newIter(f)
			if err != nil {
				for _, it := range iters {
					it.Close()
				}
				return nil, err
			}
			iters = append(iters, iter)
		}
	} else {
		iters = append(iters, newLevelIter(cmp, cache, c.inputs[0]))
	}
	iters = append(iters, newLevelIter(cmp, cache, c.inputs[1]))
	return newMergingIter(cmp, iters...), nil
}

// maybeScheduleCompaction schedules a background compaction if one is
// needed and none is running. The engine mutex must be held.
func (d *DB) maybeScheduleCompaction() {
	if d.mu.compacting || d.mu.closed || d.mu.bgErr != nil {
		return
	}
	if d.mu.imm == nil && d.mu.manualCompaction == nil {
		v := d.versions.currentVersion()
		if d.opts.DisableAutomaticCompactions ||
			(v.CompactionScore < 1 && v.FileToCompact == nil) {
			return
		}
	}
	d.mu.compacting = true
	go d.backgroundCompaction()
}

func (d *DB) backgroundCompaction() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.compact1(); err != nil && !d.mu.closed {
		d.mu.bgErr = err
		d.opts.EventListener.invokeBackgroundError(err)
	}
	d.mu.compacting = false
	// The previous compaction may have produced too many files in a
	// level, or a manual compaction may still have work to do, so
	// reschedule another compaction if needed.
	d.mu.compactionCond.Broadcast()
	d.maybeScheduleCompaction()
}

// compact1 runs one compaction: a memtable flush if an immutable memtable
// exists, else a manual compaction step, else a picked compaction. The
// engine mutex must be held and is released during I/O.
func (d *DB) compact1() error {
	if d.mu.imm != nil {
		return d.compactMemTable()
	}

	var c *compaction
	if m := d.mu.manualCompaction; m != nil {
		c = d.versions.compactRange(m.level, m.start, m.end)
		if c == nil {
			m.doneCh <- nil
			d.mu.manualCompaction = nil
			return nil
		}
	} else {
		c = d.versions.pickCompaction()
		if c == nil {
			return nil
		}
	}
	defer c.release()

	if d.mu.manualCompaction == nil && c.isTrivialMove() {
		// Move the single input file to the next level by edit alone; the
		// file's contents are untouched.
		meta := c.inputs[0][0]
		c.edit.DeleteFile(c.level, meta.FileNum)
		c.edit.AddFile(c.level+1, meta)
		err := d.versions.logAndApply(&c.edit)
		if err == nil {
			d.mu.metrics.compactions++
			d.opts.EventListener.invokeCompactionEnd(CompactionInfo{
				FromLevel: c.level,
				ToLevel:   c.level + 1,
				Moved:     true,
				Input:     1,
			})
		}
		return err
	}

	info := CompactionInfo{
		FromLevel:  c.level,
		ToLevel:    c.level + 1,
		Input:      len(c.inputs[0]) + len(c.inputs[1]),
		SeekDriven: c.seekDriven,
	}
	d.opts.EventListener.invokeCompactionBegin(info)

	err := d.compactDiskTables(c)
	if err != nil {
		if m := d.mu.manualCompaction; m != nil {
			m.doneCh <- err
			d.mu.manualCompaction = nil
		}
		return err
	}
	d.mu.metrics.compactions++
	info.Output = len(c.edit.NewFiles)
	d.opts.EventListener.invokeCompactionEnd(info)

	if m := d.mu.manualCompaction; m != nil {
		// Narrow the remaining manual range by what this step compacted;
		// the step ran over a possibly size-capped prefix of the range.
		// The manual compaction completes on a later round, when no file
		// at the level overlaps the remaining range.
		_, largest := manifest.KeyRange(d.cmp.Compare, c.inputs[0])
		m.start = append([]byte(nil), largest.UserKey...)
	}
	d.deleteObsoleteFiles()
	return nil
}

// compactMemTable flushes the immutable memtable to an sstable and
// installs the result. The engine mutex must be held.
func (d *DB) compactMemTable() error {
	imm := d.mu.imm
	var ve manifest.VersionEdit
	if !imm.empty() {
		if err := d.writeLevel0Table(imm, &ve, true /* pickLevel */); err != nil {
			return err
		}
	}
	// The flushed memtable's WAL (and any before it) is no longer needed.
	ve.LogNum = d.mu.logNum
	if err := d.versions.logAndApply(&ve); err != nil {
		return err
	}
	d.mu.imm = nil
	d.mu.metrics.flushes++
	d.mu.immFlushedCond.Broadcast()
	d.deleteObsoleteFiles()
	return nil
}

// writeLevel0Table writes the contents of the specified memtable to an
// sstable, adding it to ve. If pickLevel is true, the file is placed at
// the deepest level that creates no overlap (bounded by
// MaxMemCompactLevel); otherwise it goes to level 0. The engine mutex must
// be held; it is released for the duration of the I/O.
func (d *DB) writeLevel0Table(mem *memTable, ve *manifest.VersionEdit, pickLevel bool) error {
	fileNum := d.versions.getNextFileNum()
	d.mu.pendingOutputs[fileNum] = struct{}{}
	defer func() {
		delete(d.mu.pendingOutputs, fileNum)
	}()

	// Release the engine mutex for the duration of the write: the
	// memtable is immutable, and the version cannot drop files out from
	// under us because the flush itself is the only version mutator
	// running.
	cur := d.versions.currentVersion()
	cur.Ref()
	d.mu.Unlock()
	meta, err := func() (sstable.WriterMetadata, error) {
		filename := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum)
		f, err := d.opts.FS.Create(filename)
		if err != nil {
			return sstable.WriterMetadata{}, err
		}
		tw := sstable.NewWriter(f, d.opts.makeWriterOptions())
		iter := mem.newIter()
		for iter.First(); iter.Valid(); iter.Next() {
			if err := tw.Add(iter.Key(), iter.Value()); err != nil {
				tw.Close()
				return sstable.WriterMetadata{}, err
			}
		}
		if err := iter.Close(); err != nil {
			tw.Close()
			return sstable.WriterMetadata{}, err
		}
		if err := tw.Close(); err != nil {
			return sstable.WriterMetadata{}, err
		}
		return tw.Metadata(), nil
	}()
	d.mu.Lock()

	if err != nil {
		cur.UnrefLocked()
		_ = d.opts.FS.Remove(base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum))
		return err
	}

	fm := &manifest.FileMetadata{
		FileNum:  fileNum,
		Size:     meta.Size,
		Smallest: meta.Smallest,
		Largest:  meta.Largest,
	}
	fm.InitAllowedSeeks()

	level := 0
	if pickLevel {
		level = cur.PickLevelForMemTableOutput(
			fm.Smallest.UserKey, fm.Largest.UserKey,
			d.opts.MaxMemCompactLevel, d.opts.maxGrandparentOverlapBytes())
	}
	cur.UnrefLocked()
	ve.AddFile(level, fm)
	d.opts.EventListener.invokeFlushEnd(FlushInfo{
		FileNum: fileNum,
		Size:    meta.Size,
		Level:   level,
	})
	return nil
}

// compactDiskTables runs the merging compaction described by c, writing
// new tables for level+1 and applying the version edit. The engine mutex
// must be held; it is released for the duration of the I/O.
func (d *DB) compactDiskTables(c *compaction) (retErr error) {
	// Compute the smallest sequence number that must remain visible: no
	// record whose newest shadowing entry is at or below this floor may be
	// needed by any snapshot or future read.
	smallestSnapshot := d.versions.lastSeqNum.Load()
	if !d.snapshots.empty() {
		if e := d.snapshots.earliest(); e < smallestSnapshot {
			smallestSnapshot = e
		}
	}

	var pendingOutputs []base.FileNum
	defer func() {
		for _, fileNum := range pendingOutputs {
			delete(d.mu.pendingOutputs, fileNum)
			if retErr != nil {
				_ = d.opts.FS.Remove(base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum))
			}
		}
	}()

	newFileNum := func() base.FileNum {
		fileNum := d.versions.getNextFileNum()
		d.mu.pendingOutputs[fileNum] = struct{}{}
		pendingOutputs = append(pendingOutputs, fileNum)
		return fileNum
	}

	// Release the engine mutex for the duration of the compaction I/O.
	// The input version is referenced by c, so its files cannot be
	// deleted. New file numbers are allocated under the mutex via
	// newFileNum.
	d.mu.Unlock()
	ioErr := func() (err error) {
		iter, err := c.makeInputIterator(d.tableCache)
		if err != nil {
			return err
		}
		defer func() {
			if iter != nil {
				if cerr := iter.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}()

		var (
			tw             *sstable.Writer
			twfn           base.FileNum
			prevUkey       []byte
			havePrev       bool
			lastSeqForUkey base.SeqNum
		)
		defer func() {
			if tw != nil {
				tw.Close()
			}
		}()
		finishOutput := func() error {
			if tw == nil {
				return nil
			}
			if cerr := tw.Close(); cerr != nil {
				tw = nil
				return cerr
			}
			meta := tw.Metadata()
			tw = nil
			fm := &manifest.FileMetadata{
				FileNum:  twfn,
				Size:     meta.Size,
				Smallest: meta.Smallest,
				Largest:  meta.Largest,
			}
			fm.InitAllowedSeeks()
			c.edit.AddFile(c.level+1, fm)
			if d.limiter != nil {
				d.limiter.Wait(float64(meta.Size))
			}
			return nil
		}

		for iter.First(); iter.Valid(); iter.Next() {
			ikey := iter.Key()
			if !ikey.Valid() {
				return base.CorruptionErrorf("basalt: corrupt table: invalid internal key during compaction")
			}

			// Decide whether to drop the entry:
			//   - a record shadowed by a newer record for the same user
			//     key is dropped once the newer record is at or below the
			//     snapshot floor;
			//   - a deletion tombstone is additionally dropped when it is
			//     the base level for its key, so nothing underneath can
			//     resurface.
			drop := false
			if !havePrev || d.cmp.Compare(ikey.UserKey, prevUkey) != 0 {
				prevUkey = append(prevUkey[:0], ikey.UserKey...)
				havePrev = true
				lastSeqForUkey = base.SeqNumMax
			}
			if lastSeqForUkey <= smallestSnapshot {
				// A newer entry for this user key is itself visible at the
				// oldest snapshot; this entry can never be read.
				drop = true
			} else if ikey.Kind() == base.InternalKeyKindDelete &&
				ikey.SeqNum() <= smallestSnapshot &&
				c.isBaseLevelForKey(ikey.UserKey) {
				// For this user key:
				//   (1) there is no data in higher levels
				//   (2) data in lower levels will have larger sequence
				//       numbers
				//   (3) data in layers that are being compacted here and
				//       have smaller sequence numbers will be dropped in
				//       the next few iterations of this loop.
				// Therefore this deletion marker is obsolete and can be
				// dropped.
				drop = true
			}
			lastSeqForUkey = ikey.SeqNum()

			if drop {
				continue
			}

			if tw != nil && c.shouldStopBefore(ikey) {
				if err := finishOutput(); err != nil {
					return err
				}
			}
			if tw == nil {
				d.mu.Lock()
				twfn = newFileNum()
				d.mu.Unlock()
				filename := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, twfn)
				f, err := d.opts.FS.Create(filename)
				if err != nil {
					return err
				}
				tw = sstable.NewWriter(f, d.opts.makeWriterOptions())
			}
			if err := tw.Add(ikey, iter.Value()); err != nil {
				return err
			}
			if tw.EstimatedSize() >= c.maxOutputFileSize {
				if err := finishOutput(); err != nil {
					return err
				}
			}
		}
		if err := iter.Error(); err != nil {
			return err
		}
		if cerr := iter.Close(); cerr != nil {
			iter = nil
			return cerr
		}
		iter = nil
		return finishOutput()
	}()
	d.mu.Lock()

	if ioErr != nil {
		return ioErr
	}
	c.addInputDeletions(&c.edit)
	return d.versions.logAndApply(&c.edit)
}
