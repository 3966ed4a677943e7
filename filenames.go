// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"io"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
)

// setCurrentFile atomically points the CURRENT file at the manifest with
// the provided file number: the new contents are written to a temp file
// which is then renamed over CURRENT.
func setCurrentFile(fs vfs.FS, dirname string, fileNum base.FileNum) error {
	newFilename := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, fileNum)
	oldFilename := base.MakeFilepath(fs, dirname, base.FileTypeTemp, fileNum)
	_ = fs.Remove(oldFilename)
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", base.MakeFilename(base.FileTypeManifest, fileNum)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(oldFilename, newFilename)
}

// readCurrentFile reads the CURRENT file and returns the base name of the
// manifest it points at.
func readCurrentFile(fs vfs.FS, dirname string) (string, error) {
	current, err := fs.Open(base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return "", errors.Wrapf(err, "basalt: could not open CURRENT file for DB %q", dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return "", err
	}
	n := stat.Size()
	if n == 0 {
		return "", base.CorruptionErrorf("basalt: CURRENT file for DB %q is empty", dirname)
	}
	if n > 4096 {
		return "", base.CorruptionErrorf("basalt: CURRENT file for DB %q is too large", dirname)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(current, b); err != nil {
		return "", err
	}
	if b[n-1] != '\n' {
		return "", base.CorruptionErrorf("basalt: CURRENT file for DB %q is malformed", dirname)
	}
	return string(b[:n-1]), nil
}
