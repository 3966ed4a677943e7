// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

var errCorruptManifest = base.CorruptionErrorf("basalt: corrupt manifest")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the versionEdit disk format. These values are part of the file
// format and should not be changed. Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNum         = 2
	tagNextFileNum    = 3
	tagLastSeqNum     = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNum     = 9
)

// DeletedFileEntry holds the state for a file deletion from a level. The
// file itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// CompactPointerEntry holds the state for a compact pointer: the largest
// internal key written by the most recent compaction at a level.
type CompactPointerEntry struct {
	Level int
	Key   base.InternalKey
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence
// number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set
	// in the first VersionEdit in a manifest (either when the DB is created,
	// or when a new manifest is created) and is used to verify that the
	// comparer specified at Open matches the comparer that was previously
	// used.
	ComparerName string

	// LogNum is the WAL that must be replayed on recovery, along with all
	// later WALs. WALs with smaller file numbers are fully reflected in the
	// file set of this edit's version and may be deleted.
	//
	// HasLogNum records whether the field is present: a zero log number is
	// meaningful in the first edit of a fresh descriptor.
	LogNum    base.FileNum
	HasLogNum bool

	// PrevLogNum is the WAL of the memtable that was being compacted when
	// the current WAL was installed. Zero if no such memtable exists.
	PrevLogNum base.FileNum

	// NextFileNum is the next file number: all file numbers in the version,
	// including log and manifest numbers, are below NextFileNum.
	NextFileNum    base.FileNum
	HasNextFileNum bool

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned in flushed WALs.
	LastSeqNum    base.SeqNum
	HasLastSeqNum bool

	// CompactPointers records, per level, where the next compaction at that
	// level should start.
	CompactPointers []CompactPointerEntry

	// DeletedFiles are the files deleted by the edit.
	DeletedFiles map[DeletedFileEntry]bool

	// NewFiles are the files added by the edit.
	NewFiles []NewFileEntry
}

// DeleteFile records the deletion of the specified file from the specified
// level.
func (v *VersionEdit) DeleteFile(level int, fileNum base.FileNum) {
	if v.DeletedFiles == nil {
		v.DeletedFiles = make(map[DeletedFileEntry]bool)
	}
	v.DeletedFiles[DeletedFileEntry{level, fileNum}] = true
}

// AddFile records the addition of the specified file to the specified
// level.
func (v *VersionEdit) AddFile(level int, meta *FileMetadata) {
	v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNum:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.LogNum = n
			v.HasLogNum = true

		case tagNextFileNum:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.NextFileNum = n
			v.HasNextFileNum = true

		case tagLastSeqNum:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)
			v.HasLastSeqNum = true

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readBytes()
			if err != nil {
				return err
			}
			ikey := base.DecodeInternalKey(key)
			if !ikey.Valid() {
				return errCorruptManifest
			}
			v.CompactPointers = append(v.CompactPointers,
				CompactPointerEntry{Level: level, Key: ikey})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.DeleteFile(level, fileNum)

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readBytes()
			if err != nil {
				return err
			}
			largest, err := d.readBytes()
			if err != nil {
				return err
			}
			smallestKey := base.DecodeInternalKey(smallest)
			largestKey := base.DecodeInternalKey(largest)
			if !smallestKey.Valid() || !largestKey.Valid() {
				return errCorruptManifest
			}
			m := &FileMetadata{
				FileNum:  fileNum,
				Size:     size,
				Smallest: smallestKey,
				Largest:  largestKey,
			}
			m.InitAllowedSeeks()
			v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: m})

		case tagPrevLogNum:
			n, err := d.readFileNum()
			if err != nil {
				return err
			}
			v.PrevLogNum = n

		default:
			return errCorruptManifest
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.HasLogNum || v.LogNum != 0 {
		e.writeUvarint(tagLogNum)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.PrevLogNum != 0 {
		e.writeUvarint(tagPrevLogNum)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.HasNextFileNum || v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNum)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.HasLastSeqNum || v.LastSeqNum != 0 {
		e.writeUvarint(tagLastSeqNum)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for x := range v.DeletedFiles {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return err
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum() (base.FileNum, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	return base.FileNum(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.Trailer
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(buf))
	e.Write(tmp[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}
