// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
)

// levelIter provides a merged view of the sstables in a level: an outer
// position over the ordered, non-overlapping file list, and an inner
// iterator over the current table produced by the table cache. Because the
// file ranges are disjoint and sorted, the concatenation of the tables'
// entries is globally ordered.
type levelIter struct {
	cmp   base.Compare
	cache *tableCache
	files []*manifest.FileMetadata
	// index is the position in files of the table the inner iterator is
	// open over; len(files) when exhausted.
	index int
	iter  base.InternalIterator
	err   error
}

var _ base.InternalIterator = (*levelIter)(nil)

// newLevelIter returns an iterator over the given ordered,
// non-overlapping file list. The caller must keep the version holding the
// files referenced for the iterator's lifetime.
func newLevelIter(cmp base.Compare, cache *tableCache, files []*manifest.FileMetadata) *levelIter {
	return &levelIter{
		cmp:   cmp,
		cache: cache,
		files: files,
		index: len(files),
	}
}

// loadFile opens the table at index, closing any previously open table.
func (l *levelIter) loadFile(index int) bool {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	l.index = index
	if l.err != nil || index < 0 || index >= len(l.files) {
		l.index = len(l.files)
		return false
	}
	iter, err := l.cache.newIter(l.files[index])
	if err != nil {
		l.err = err
		return false
	}
	l.iter = iter
	return true
}

// SeekGE implements base.InternalIterator.
func (l *levelIter) SeekGE(key base.InternalKey) {
	if l.err != nil {
		return
	}
	// Find the first file whose largest key is >= key.
	index := manifest.FindFile(l.cmp, l.files, key)
	if !l.loadFile(index) {
		return
	}
	l.iter.SeekGE(key)
	l.skipEmptyFileForward()
}

// First implements base.InternalIterator.
func (l *levelIter) First() {
	if l.err != nil {
		return
	}
	if !l.loadFile(0) {
		return
	}
	l.iter.First()
	l.skipEmptyFileForward()
}

// Next implements base.InternalIterator.
func (l *levelIter) Next() {
	if l.err != nil || l.iter == nil {
		return
	}
	l.iter.Next()
	l.skipEmptyFileForward()
}

func (l *levelIter) skipEmptyFileForward() {
	for l.err == nil && l.iter != nil && !l.iter.Valid() {
		if err := l.iter.Error(); err != nil {
			l.err = err
			return
		}
		if !l.loadFile(l.index + 1) {
			return
		}
		l.iter.First()
	}
}

// Valid implements base.InternalIterator.
func (l *levelIter) Valid() bool {
	return l.err == nil && l.iter != nil && l.iter.Valid()
}

// Key implements base.InternalIterator.
func (l *levelIter) Key() base.InternalKey {
	return l.iter.Key()
}

// Value implements base.InternalIterator.
func (l *levelIter) Value() []byte {
	return l.iter.Value()
}

// Error implements base.InternalIterator.
func (l *levelIter) Error() error {
	if l.err != nil {
		return l.err
	}
	if l.iter != nil {
		return l.iter.Error()
	}
	return nil
}

// Close implements base.InternalIterator.
func (l *levelIter) Close() error {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	return l.err
}
