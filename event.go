// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/redact"
)

// FlushInfo contains the info for a flush event.
type FlushInfo struct {
	// FileNum is the file number of the sstable the memtable was written
	// to.
	FileNum base.FileNum
	// Size is the size of the written sstable, in bytes.
	Size uint64
	// Level is the level the sstable was placed at.
	Level int
}

// SafeFormat implements redact.SafeFormatter.
func (i FlushInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB] flushed memtable to L%d table %s (%d bytes)",
		redact.Safe(i.Level), i.FileNum, redact.Safe(i.Size))
}

func (i FlushInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// CompactionInfo contains the info for a compaction event.
type CompactionInfo struct {
	FromLevel int
	ToLevel   int
	// Input is the number of input tables.
	Input int
	// Output is the number of output tables. Zero until the compaction
	// completes.
	Output int
	// Moved is true if the compaction was a trivial move: a single input
	// table reassigned to the next level without rewriting.
	Moved bool
	// SeekDriven is true if the compaction was triggered by a file
	// exhausting its seek budget rather than by a level score.
	SeekDriven bool
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Moved {
		w.Printf("[JOB] moved 1 table from L%d to L%d",
			redact.Safe(i.FromLevel), redact.Safe(i.ToLevel))
		return
	}
	w.Printf("[JOB] compacted L%d -> L%d (%d input tables, %d output tables)",
		redact.Safe(i.FromLevel), redact.Safe(i.ToLevel),
		redact.Safe(i.Input), redact.Safe(i.Output))
}

func (i CompactionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// ManifestCreateInfo contains the info for a manifest creation event.
type ManifestCreateInfo struct {
	// Path is the path to the new manifest.
	Path string
	// FileNum is the file number of the new manifest.
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i ManifestCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB] created manifest %s", i.FileNum)
}

func (i ManifestCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// WALCreateInfo contains the info for a WAL creation event.
type WALCreateInfo struct {
	// FileNum is the file number of the new WAL.
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i WALCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB] created WAL %s", i.FileNum)
}

func (i WALCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// TableDeleteInfo contains the info for a table deletion event.
type TableDeleteInfo struct {
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i TableDeleteInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB] deleted table %s", i.FileNum)
}

func (i TableDeleteInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// EventListener contains a set of functions that will be invoked when
// various significant DB events occur. Note that the functions should not
// run for an excessive amount of time as they are invoked synchronously by
// the DB and may block continued DB work.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs during a
	// background operation such as flush or compaction. The error
	// poisons the DB: subsequent background work is suspended.
	BackgroundError func(error)

	// CompactionBegin is invoked after the inputs to a compaction have
	// been determined.
	CompactionBegin func(CompactionInfo)

	// CompactionEnd is invoked after a compaction has completed.
	CompactionEnd func(CompactionInfo)

	// FlushEnd is invoked after a memtable has been flushed to an sstable.
	FlushEnd func(FlushInfo)

	// ManifestCreated is invoked after a manifest has been created.
	ManifestCreated func(ManifestCreateInfo)

	// WALCreated is invoked after a WAL has been created.
	WALCreated func(WALCreateInfo)

	// TableDeleted is invoked after an obsolete sstable has been deleted.
	TableDeleted func(TableDeleteInfo)
}

// MakeLoggingEventListener creates an EventListener that logs all events
// to the specified logger.
func MakeLoggingEventListener(logger base.Logger) EventListener {
	if logger == nil {
		logger = base.DefaultLogger{}
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		CompactionBegin: func(info CompactionInfo) {
			logger.Infof("%s (begin)", info)
		},
		CompactionEnd: func(info CompactionInfo) {
			logger.Infof("%s", info)
		},
		FlushEnd: func(info FlushInfo) {
			logger.Infof("%s", info)
		},
		ManifestCreated: func(info ManifestCreateInfo) {
			logger.Infof("%s", info)
		},
		WALCreated: func(info WALCreateInfo) {
			logger.Infof("%s", info)
		},
		TableDeleted: func(info TableDeleteInfo) {
			logger.Infof("%s", info)
		},
	}
}

func (l *EventListener) invokeBackgroundError(err error) {
	if l.BackgroundError != nil {
		l.BackgroundError(err)
	}
}

func (l *EventListener) invokeCompactionBegin(info CompactionInfo) {
	if l.CompactionBegin != nil {
		l.CompactionBegin(info)
	}
}

func (l *EventListener) invokeCompactionEnd(info CompactionInfo) {
	if l.CompactionEnd != nil {
		l.CompactionEnd(info)
	}
}

func (l *EventListener) invokeFlushEnd(info FlushInfo) {
	if l.FlushEnd != nil {
		l.FlushEnd(info)
	}
}

func (l *EventListener) invokeManifestCreated(info ManifestCreateInfo) {
	if l.ManifestCreated != nil {
		l.ManifestCreated(info)
	}
}

func (l *EventListener) invokeWALCreated(info WALCreateInfo) {
	if l.WALCreated != nil {
		l.WALCreated(info)
	}
}

func (l *EventListener) invokeTableDeleted(info TableDeleteInfo) {
	if l.TableDeleted != nil {
		l.TableDeleted(info)
	}
}
