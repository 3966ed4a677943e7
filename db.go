// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package basalt provides an ordered key/value store built on a
// log-structured merge tree, in the manner of LevelDB.
//
// The public API is the DB type: Open a database directory, then Get,
// Set, Delete, Apply (atomic batches), NewIter, and NewSnapshot. Writes
// go to a write-ahead log and an in-memory table; background work flushes
// memtables to sorted tables and compacts the resulting level hierarchy.
package basalt

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/internal/rate"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = base.ErrNotFound

// ErrClosed is panicked when an operation is performed on a closed
// Snapshot or returned from an operation on a closed DB.
var ErrClosed = errors.New("basalt: closed")

// ErrDBAlreadyExists is generated when ErrorIfExists is set and the
// database already exists.
var ErrDBAlreadyExists = errors.New("basalt: database already exists")

// ErrDBDoesNotExist is generated when CreateIfMissing is unset and the
// database does not exist.
var ErrDBDoesNotExist = errors.New("basalt: database does not exist")

type manualCompaction struct {
	level int
	start []byte
	end   []byte
	// doneCh receives the terminal status of the manual compaction.
	doneCh chan error
}

// DB provides a concurrent, persistent ordered key/value store.
type DB struct {
	dirname string
	opts    *Options
	cmp     *base.Comparer

	tableCache *tableCache
	versions   *versionSet
	limiter    *rate.Limiter
	fileLock   io.Closer

	// snapshots is the list of open snapshots, guarded by mu.
	snapshots snapshotList

	mu struct {
		sync.Mutex

		closed bool

		// bgErr is set when a background flush or compaction fails; it
		// poisons subsequent background work and writes.
		bgErr error

		// mem is the mutable memtable, imm the immutable one being
		// flushed (nil if none).
		mem *memTable
		imm *memTable

		// log is the open WAL; every write is appended to it before being
		// applied to mem.
		log     *record.Writer
		logFile vfs.File
		logNum  base.FileNum

		// compacting is true while the background goroutine is running.
		compacting       bool
		compactionCond   sync.Cond
		immFlushedCond   sync.Cond
		manualCompaction *manualCompaction

		// pendingOutputs are file numbers of tables being written by an
		// in-flight flush or compaction. They are protected from garbage
		// collection.
		pendingOutputs map[base.FileNum]struct{}

		metrics struct {
			flushes        int64
			compactions    int64
			obsoleteTables int64
		}
	}
}

// Open opens a DB whose files live in the given directory.
func Open(dirname string, opts *Options) (db *DB, retErr error) {
	opts = opts.EnsureDefaults()
	d := &DB{
		dirname: dirname,
		opts:    opts,
		cmp:     opts.Comparer,
	}
	d.mu.compactionCond.L = &d.mu.Mutex
	d.mu.immFlushedCond.L = &d.mu.Mutex
	d.mu.pendingOutputs = make(map[base.FileNum]struct{})
	d.snapshots.init()
	if opts.CompactionRateBytesPerSec > 0 {
		d.limiter = rate.NewLimiter(opts.CompactionRateBytesPerSec, opts.CompactionRateBytesPerSec)
	}

	fs := opts.FS
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}

	// Lock the database directory.
	fileLock, err := fs.Lock(base.MakeFilepath(fs, dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			fileLock.Close()
		}
	}()
	d.fileLock = fileLock

	d.tableCache = &tableCache{}
	d.tableCache.init(dirname, fs, opts)

	d.versions = &versionSet{}
	obsoleteFn := func(obsolete []*manifest.FileMetadata) {
		d.versions.obsoleteTables = append(d.versions.obsoleteTables, obsolete...)
	}

	// Establish the on-disk state: create a fresh descriptor for a new
	// database, or recover the version set from CURRENT.
	_, err = fs.Stat(base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0))
	switch {
	case err != nil && oserror.IsNotExist(err):
		if !opts.CreateIfMissing {
			return nil, errors.Wrapf(ErrDBDoesNotExist, "dirname=%q", dirname)
		}
		if err := d.versions.create(dirname, opts, &d.mu.Mutex, obsoleteFn); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if opts.ErrorIfExists {
			return nil, errors.Wrapf(ErrDBAlreadyExists, "dirname=%q", dirname)
		}
		if err := d.versions.recover(dirname, opts, &d.mu.Mutex, obsoleteFn); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Replay any WAL at or after the descriptor's log number (and the
	// previous log, if still present), flushing the recovered entries to
	// level-0 tables.
	var ve manifest.VersionEdit
	if err := d.replayWALs(&ve); err != nil {
		return nil, err
	}

	// Install a fresh WAL and record it (plus any recovered tables) in
	// the descriptor.
	newLogNum := d.versions.getNextFileNum()
	logFile, err := fs.Create(base.MakeFilepath(fs, dirname, base.FileTypeLog, newLogNum))
	if err != nil {
		return nil, err
	}
	d.mu.log = record.NewWriter(logFile)
	d.mu.logFile = logFile
	d.mu.logNum = newLogNum
	d.mu.mem = newMemTable(opts)
	d.mu.mem.logNum = newLogNum
	opts.EventListener.invokeWALCreated(WALCreateInfo{FileNum: newLogNum})

	ve.LogNum = newLogNum
	if err := d.versions.logAndApply(&ve); err != nil {
		return nil, err
	}

	d.deleteObsoleteFiles()
	d.maybeScheduleCompaction()
	return d, nil
}

// replayWALs replays every WAL at or after the descriptor's log number,
// in file number order, adding any tables written during replay to ve.
// The engine mutex must be held.
func (d *DB) replayWALs(ve *manifest.VersionEdit) error {
	fs := d.opts.FS
	ls, err := fs.List(d.dirname)
	if err != nil {
		return err
	}
	var logNums []base.FileNum
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(filename)
		if !ok || ft != base.FileTypeLog {
			continue
		}
		if fn >= d.versions.logNum || fn == d.versions.prevLogNum {
			logNums = append(logNums, fn)
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	for _, logNum := range logNums {
		if err := d.replayWAL(ve, logNum); err != nil {
			return err
		}
		d.versions.markFileNumUsed(logNum)
	}
	return nil
}

// replayWAL replays the edits in the specified WAL into a temporary
// memtable, flushing to a table whenever the memtable fills. The engine
// mutex must be held.
func (d *DB) replayWAL(ve *manifest.VersionEdit, logNum base.FileNum) error {
	fs := d.opts.FS
	f, err := fs.Open(base.MakeFilepath(fs, d.dirname, base.FileTypeLog, logNum))
	if err != nil {
		return err
	}
	defer f.Close()

	var mem *memTable
	rr := record.NewReader(f)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A truncated tail is the normal shape of a crash mid-write:
			// every record before it is intact, so replay simply stops.
			// Under paranoid checks it is reported instead.
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				break
			}
			return base.MarkCorruptionError(err)
		}
		repr, err := io.ReadAll(r)
		if err != nil {
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				break
			}
			return base.MarkCorruptionError(err)
		}
		var b Batch
		if err := b.SetRepr(repr); err != nil {
			return err
		}
		seqNum := b.seqNum()

		// Flush the memtable ahead of the batch when the batch would not
		// fit; a batch is never split across memtables.
		if mem != nil && mem.approximateMemoryUsage()+b.memTableSize > uint64(d.opts.MemTableSize) {
			if err := d.writeLevel0Table(mem, ve, false /* pickLevel */); err != nil {
				return err
			}
			mem = nil
		}
		if mem == nil {
			mem = newMemTable(d.opts)
		}
		if err := mem.apply(&b, seqNum); err != nil {
			return err
		}
		if last := seqNum + base.SeqNum(b.Count()) - 1; last > d.versions.lastSeqNum.Load() {
			d.versions.lastSeqNum.Store(last)
		}
	}

	if mem != nil && !mem.empty() {
		if err := d.writeLevel0Table(mem, ve, false /* pickLevel */); err != nil {
			return err
		}
	}
	return nil
}

// Get gets the value for the given key. It returns ErrNotFound if the DB
// does not contain the key.
//
// The caller should not modify the contents of the returned slice, but it
// is safe to modify the contents of the argument after Get returns.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, 0)
}

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := &Batch{}
	b.Set(key, value)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deletes are blind all the
// way down to the bottom of the LSM: a delete of a key that does not
// exist is not an error.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := &Batch{}
	b.Delete(key)
	return d.Apply(b, opts)
}

// Apply the operations contained in the batch to the DB. The batch's
// operations become visible atomically, with consecutive sequence
// numbers.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if batch.Empty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return ErrClosed
	}
	if err := d.mu.bgErr; err != nil {
		return err
	}

	if batch.memTableSize+uint64(d.mu.mem.emptySize) > uint64(d.opts.MemTableSize) {
		return errors.Errorf("basalt: batch too large: %d bytes cannot fit a %d byte memtable",
			batch.memTableSize, d.opts.MemTableSize)
	}
	if err := d.makeRoomForWrite(batch.memTableSize); err != nil {
		return err
	}

	seqNum := d.versions.lastSeqNum.Load() + 1
	batch.setSeqNum(seqNum)

	w, err := d.mu.log.Next()
	if err != nil {
		return err
	}
	if _, err := w.Write(batch.Repr()); err != nil {
		return err
	}
	if err := d.mu.log.Flush(); err != nil {
		return err
	}
	if opts.GetSync() {
		if err := d.mu.logFile.Sync(); err != nil {
			return err
		}
	}

	if err := d.mu.mem.apply(batch, seqNum); err != nil {
		return err
	}
	// Publish the sequence number only after the memtable insertions are
	// complete, so a concurrent read at lastSeqNum never observes a half
	// applied batch.
	d.versions.lastSeqNum.Store(seqNum + base.SeqNum(batch.Count()) - 1)
	return nil
}

// makeRoomForWrite ensures the mutable memtable has space for an
// incoming batch of the given size, rotating the memtable and WAL when
// full and applying the level-0 write throttles. The engine mutex must be
// held. A zero size forces a rotation.
func (d *DB) makeRoomForWrite(size uint64) error {
	force := size == 0
	allowDelay := !force
	for {
		switch {
		case d.mu.bgErr != nil:
			return d.mu.bgErr

		case allowDelay && len(d.versions.currentVersion().Files[0]) >= d.opts.L0SlowdownWritesThreshold:
			// We are getting close to hitting a hard limit on the number
			// of L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance.
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			allowDelay = false

		case !force && d.mu.mem.approximateMemoryUsage()+size <= uint64(d.opts.MemTableSize):
			// There is room in the current memtable.
			return nil

		case d.mu.imm != nil:
			// The current memtable is full but the previous one is still
			// being flushed; wait.
			d.mu.immFlushedCond.Wait()

		case len(d.versions.currentVersion().Files[0]) >= d.opts.L0StopWritesThreshold:
			// There are too many level-0 files; wait for the backlog to
			// clear.
			d.mu.compactionCond.Wait()

		default:
			// Attempt to switch to a new memtable and trigger a flush of
			// the old one.
			newLogNum := d.versions.getNextFileNum()
			logFile, err := d.opts.FS.Create(
				base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeLog, newLogNum))
			if err != nil {
				return err
			}
			if err := d.mu.log.Close(); err != nil {
				logFile.Close()
				return err
			}
			if err := d.mu.logFile.Close(); err != nil {
				logFile.Close()
				return err
			}
			d.mu.log = record.NewWriter(logFile)
			d.mu.logFile = logFile
			d.mu.logNum = newLogNum
			d.opts.EventListener.invokeWALCreated(WALCreateInfo{FileNum: newLogNum})

			d.mu.imm = d.mu.mem
			d.mu.mem = newMemTable(d.opts)
			d.mu.mem.logNum = newLogNum
			force = false
			d.maybeScheduleCompaction()
		}
	}
}

// NewIter returns an iterator over the DB's current state, positioned
// before the first key.
func (d *DB) NewIter() (*Iterator, error) {
	return d.newIter(0)
}

func (d *DB) newIter(seqNum base.SeqNum) (*Iterator, error) {
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
	var memtables []*memTable
	for _, mem := range []*memTable{d.mu.mem, d.mu.imm} {
		if mem != nil {
			mem.ref()
			memtables = append(memtables, mem)
		}
	}
	v := d.versions.currentVersion()
	v.Ref()
	d.mu.Unlock()

	var iters []base.InternalIterator
	for _, mem := range memtables {
		iters = append(iters, mem.newIter())
	}
	// Level-0 files may overlap, so each gets its own iterator; deeper
	// levels are disjoint and sorted, so a level iterator concatenates
	// them.
	for _, f := range v.Files[0] {
		iter, err := d.tableCache.newIter(f)
		if err != nil {
			for _, it := range iters {
				it.Close()
			}
			d.mu.Lock()
			v.UnrefLocked()
			d.mu.Unlock()
			for _, mem := range memtables {
				mem.unref()
			}
			return nil, err
		}
		iters = append(iters, iter)
	}
	for level := 1; level < numLevels; level++ {
		if len(v.Files[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.cmp.Compare, d.tableCache, v.Files[level]))
	}

	return &Iterator{
		d:         d,
		version:   v,
		memtables: memtables,
		iter:      newMergingIter(d.cmp.Compare, iters...),
		seqNum:    seqNum,
	}, nil
}

// NewSnapshot returns a point-in-time view of the current DB state:
// iterators and gets created from the snapshot observe all writes
// sequenced before it and none after. The snapshot pins the history it
// needs: compaction will not drop record versions the snapshot can still
// read. Callers must call Close on the snapshot when done.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		panic(ErrClosed)
	}
	s := &Snapshot{
		db:     d,
		seqNum: d.versions.lastSeqNum.Load(),
	}
	d.snapshots.pushBack(s)
	return s
}

// Flush forces any unwritten memtable data to an sstable and waits for
// the flush to complete.
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return ErrClosed
	}
	if d.mu.mem.empty() && d.mu.imm == nil {
		return nil
	}
	if !d.mu.mem.empty() {
		if err := d.makeRoomForWrite(0); err != nil {
			return err
		}
	}
	for d.mu.imm != nil && d.mu.bgErr == nil {
		d.mu.immFlushedCond.Wait()
	}
	return d.mu.bgErr
}

// Compact compacts the key range [start, end] all the way down the LSM. A
// nil start or end stands for an unbounded range on that side. After
// Compact returns, level 0 is empty for the range, and every record in
// the range lives at the deepest level that held data for it.
func (d *DB) Compact(start, end []byte) error {
	if err := d.Flush(); err != nil {
		return err
	}

	// Level 0 is always compacted; deeper levels only down to the deepest
	// level holding data for the range.
	d.mu.Lock()
	maxLevelWithFiles := 1
	cur := d.versions.currentVersion()
	for level := 1; level < numLevels; level++ {
		if len(cur.Overlaps(level, start, end)) > 0 {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	for level := 0; level < maxLevelWithFiles; level++ {
		if err := d.compactRangeLevel(level, start, end); err != nil {
			return err
		}
	}
	return nil
}

// compactRangeLevel compacts the overlap of [start, end] at the given
// level into level+1, synchronously.
func (d *DB) compactRangeLevel(level int, start, end []byte) error {
	d.mu.Lock()
	for d.mu.manualCompaction != nil && d.mu.bgErr == nil {
		d.mu.compactionCond.Wait()
	}
	if err := d.mu.bgErr; err != nil {
		d.mu.Unlock()
		return err
	}
	m := &manualCompaction{
		level:  level,
		start:  append([]byte(nil), start...),
		end:    append([]byte(nil), end...),
		doneCh: make(chan error, 1),
	}
	if start == nil {
		m.start = nil
	}
	if end == nil {
		m.end = nil
	}
	d.mu.manualCompaction = m
	d.maybeScheduleCompaction()
	d.mu.Unlock()
	return <-m.doneCh
}

// deleteObsoleteFiles deletes those files that are no longer needed: WALs
// older than the descriptor's log number, superseded descriptors, and
// tables that are not referenced by any live version nor pending as the
// output of in-flight work. The engine mutex must be held; it is released
// while files are removed from disk.
func (d *DB) deleteObsoleteFiles() {
	live := make(map[base.FileNum]struct{})
	for fileNum := range d.mu.pendingOutputs {
		live[fileNum] = struct{}{}
	}
	d.versions.addLiveFiles(live)
	d.versions.obsoleteTables = nil

	fs := d.opts.FS
	ls, err := fs.List(d.dirname)
	if err != nil {
		return
	}

	var toDelete []string
	var deletedTables []base.FileNum
	for _, filename := range ls {
		ft, fileNum, ok := base.ParseFilename(filename)
		if !ok {
			continue
		}
		keep := true
		switch ft {
		case base.FileTypeLog:
			keep = fileNum >= d.versions.logNum || fileNum == d.versions.prevLogNum
		case base.FileTypeManifest:
			keep = fileNum >= d.versions.manifestFileNum
		case base.FileTypeTable:
			_, keep = live[fileNum]
		case base.FileTypeTemp:
			keep = false
		}
		if keep {
			continue
		}
		if ft == base.FileTypeTable {
			d.tableCache.evict(fileNum)
			deletedTables = append(deletedTables, fileNum)
			d.mu.metrics.obsoleteTables++
		}
		toDelete = append(toDelete, fs.PathJoin(d.dirname, filename))
	}

	if len(toDelete) == 0 {
		return
	}
	// While deleting all files from the dir, release the mutex: the
	// deletions do not touch any in-memory state.
	d.mu.Unlock()
	for _, path := range toDelete {
		_ = fs.Remove(path)
	}
	for _, fileNum := range deletedTables {
		d.opts.EventListener.invokeTableDeleted(TableDeleteInfo{FileNum: fileNum})
	}
	d.mu.Lock()
}

// Close closes the DB, waiting for background work to finish and
// releasing the directory lock.
//
// It is not safe to close a DB until all outstanding iterators and
// snapshots are closed. It is valid to call Close multiple times. Other
// methods should not be called after the DB has been closed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return nil
	}
	for d.mu.compacting {
		d.mu.compactionCond.Wait()
	}
	d.mu.closed = true

	var err error
	if d.mu.log != nil {
		err = errors.CombineErrors(err, d.mu.log.Close())
		err = errors.CombineErrors(err, d.mu.logFile.Close())
		d.mu.log = nil
		d.mu.logFile = nil
	}
	err = errors.CombineErrors(err, d.versions.close())
	err = errors.CombineErrors(err, d.tableCache.Close())
	if d.fileLock != nil {
		err = errors.CombineErrors(err, d.fileLock.Close())
		d.fileLock = nil
	}
	return err
}
