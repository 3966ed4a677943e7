// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
)

// readStats records which file a lookup would like compacted: when a
// lookup probes more than one file before finding a result, the first
// probed file is charged a seek.
type readStats struct {
	seekFile      *manifest.FileMetadata
	seekFileLevel int
}

// getFromVersion looks up the newest entry for the user key visible at
// seqNum among the version's tables, probing them through the table
// cache. It returns the value, or ErrNotFound if the newest visible entry
// is a tombstone or no entry exists. The returned stats identify a file to
// charge a seek to, if any.
//
// The caller must hold a reference on v; the engine mutex must not be
// held.
func (d *DB) getFromVersion(
	v *manifest.Version, ukey []byte, seqNum base.SeqNum,
) (value []byte, stats readStats, err error) {
	ikey := base.MakeInternalKey(ukey, seqNum, base.InternalKeyKindMax)

	var lastFileRead *manifest.FileMetadata
	var lastFileReadLevel int
	filesProbed := 0

	found := false
	v.ForEachOverlapping(ukey, ikey, func(level int, f *manifest.FileMetadata) bool {
		if filesProbed >= 1 && stats.seekFile == nil {
			// A lookup that probes two or more files charges a seek to the
			// first file probed: compacting it would have let the lookup
			// terminate earlier.
			stats.seekFile = lastFileRead
			stats.seekFileLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level
		filesProbed++

		conclusive, gerr := d.tableCache.get(f, ikey, func(k base.InternalKey, val []byte) bool {
			if !k.Valid() {
				err = base.CorruptionErrorf("basalt: corrupt table %s: invalid internal key", f.FileNum)
				return true
			}
			if !d.cmp.Equal(k.UserKey, ukey) {
				// The table contains no entry for the user key; the search
				// was inconclusive for this file.
				return false
			}
			switch k.Kind() {
			case base.InternalKeyKindSet:
				value = val
				found = true
			case base.InternalKeyKindDelete:
				err = base.ErrNotFound
			}
			return true
		})
		if gerr != nil {
			err = gerr
			return false
		}
		// Stop on the first conclusive result.
		return !conclusive && err == nil
	})

	if err != nil {
		return nil, stats, err
	}
	if !found {
		return nil, stats, base.ErrNotFound
	}
	return value, stats, nil
}

// updateReadStats applies the seek charge from a lookup. If the charged
// file's seek budget is exhausted and no seek-driven compaction is already
// scheduled, the file is scheduled and true is returned. The engine mutex
// must be held.
func (d *DB) updateReadStats(v *manifest.Version, stats readStats) bool {
	f := stats.seekFile
	if f == nil {
		return false
	}
	if f.AllowedSeeks.Add(-1) <= 0 && v.FileToCompact == nil {
		v.FileToCompact = f
		v.FileToCompactLevel = stats.seekFileLevel
		return true
	}
	return false
}

// recordReadSample is called periodically by iterators (approximately once
// per readBytesPeriod bytes read). If two or more files could contain the
// sampled user key, the first such file is charged a seek. The engine
// mutex must be held.
func (d *DB) recordReadSample(v *manifest.Version, ukey []byte) {
	ikey := base.MakeInternalKey(ukey, d.versions.lastSeqNum.Load(), base.InternalKeyKindMax)
	var stats readStats
	matches := 0
	v.ForEachOverlapping(ukey, ikey, func(level int, f *manifest.FileMetadata) bool {
		matches++
		if matches == 1 {
			// Remember first match.
			stats.seekFile = f
			stats.seekFileLevel = level
		}
		return matches < 2
	})
	// Must have at least two matches since we want to merge across files.
	if matches >= 2 {
		if d.updateReadStats(v, stats) {
			d.maybeScheduleCompaction()
		}
	}
}

// getInternal performs a point lookup visible at seqNum: the memtables are
// probed first, then the current version's tables.
func (d *DB) getInternal(key []byte, seqNum base.SeqNum) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if err := d.mu.bgErr; err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if seqNum == 0 {
		seqNum = d.versions.lastSeqNum.Load()
	}
	memtables := [2]*memTable{d.mu.mem, d.mu.imm}
	for _, mem := range memtables {
		if mem != nil {
			mem.ref()
		}
	}
	v := d.versions.currentVersion()
	v.Ref()
	d.mu.Unlock()

	defer func() {
		for _, mem := range memtables {
			if mem != nil {
				mem.unref()
			}
		}
	}()

	for _, mem := range memtables {
		if mem == nil {
			continue
		}
		if value, conclusive, err := mem.get(key, seqNum); conclusive {
			v.Unref()
			return value, err
		}
	}

	value, stats, err := d.getFromVersion(v, key, seqNum)

	d.mu.Lock()
	if d.updateReadStats(v, stats) {
		d.maybeScheduleCompaction()
	}
	v.UnrefLocked()
	d.mu.Unlock()
	return value, err
}
