// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation. It is useful for
// tests, and also for databases that should never touch persistent storage.
//
// The memory FS uses "/" as the path separator regardless of the host
// operating system.
func NewMem() *MemFS {
	return &MemFS{
		root: &memNode{
			name:     sep,
			children: make(map[string]*memNode),
			isDir:    true,
		},
	}
}

// MemFS implements FS.
type MemFS struct {
	mu   sync.Mutex
	root *memNode
}

var _ FS = (*MemFS)(nil)

// walk walks the directory tree for the fullname, calling f at each step.
// If f returns an error, the walk will be aborted and return that same
// error.
//
// Each walk is atomic: the FS mutex is held for the entire operation,
// including all calls to f.
//
// dir is the directory at that step, frag is the name fragment, and final
// is whether it is the final step. For example, walking "/foo/bar/x" will
// result in 3 calls to f:
//   - "/", "foo", false
//   - "/foo/", "bar", false
//   - "/foo/bar/", "x", true
func (y *MemFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.walkLocked(fullname, f)
}

func (y *MemFS) walkLocked(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	// For the in-memory FS the current working directory is the same as the
	// root directory, so strip off any leading "/"s to make fullname a
	// relative path, and start the walk at y.root.
	fullname = path.Clean(fullname)
	for len(fullname) > 0 && fullname[0] == '/' {
		fullname = fullname[1:]
	}
	dir := y.root

	for {
		frag, remaining := fullname, ""
		i := strings.IndexRune(fullname, '/')
		final := i < 0
		if !final {
			frag, remaining = fullname[:i], fullname[i+1:]
			for len(remaining) > 0 && remaining[0] == '/' {
				remaining = remaining[1:]
			}
		}
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if final {
			break
		}
		child := dir.children[frag]
		if child == nil {
			return &os.PathError{Op: "walk", Path: fullname, Err: os.ErrNotExist}
		}
		if !child.isDir {
			return errors.Errorf("basalt/vfs: not a directory: %s", frag)
		}
		dir, fullname = child, remaining
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(fullname string) (File, error) {
	var ret *memHandle
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			n := &memNode{name: frag}
			dir.children[frag] = n
			ret = &memHandle{n: n, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	var ret *memHandle
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			if n := dir.children[frag]; n != nil {
				ret = &memHandle{n: n}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
	}
	return ret, nil
}

// OpenForAppend implements FS.OpenForAppend.
func (y *MemFS) OpenForAppend(fullname string) (File, error) {
	var ret *memHandle
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			if n := dir.children[frag]; n != nil {
				ret = &memHandle{n: n, write: true}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
	}
	return ret, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	return y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			if _, ok := dir.children[frag]; !ok {
				return &os.PathError{Op: "remove", Path: fullname, Err: os.ErrNotExist}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	var n *memNode
	err := y.walkLocked(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	return y.walkLocked(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			n.name = frag
			dir.children[frag] = n
		}
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	return y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			if final {
				return nil
			}
			return errors.New("basalt/vfs: empty file name")
		}
		child := dir.children[frag]
		if child == nil {
			dir.children[frag] = &memNode{
				name:     frag,
				children: make(map[string]*memNode),
				isDir:    true,
			}
			return nil
		}
		if !child.isDir {
			return errors.Errorf("basalt/vfs: not a directory: %s", frag)
		}
		return nil
	})
}

// Lock implements FS.Lock.
func (y *MemFS) Lock(fullname string) (io.Closer, error) {
	// FS.Lock excludes other processes, but other processes cannot see this
	// process' memory, so Lock is a no-op.
	return nopCloser{}, nil
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	if !strings.HasSuffix(dirname, sep) {
		dirname += sep
	}
	var ret []string
	err := y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag != "" {
				child := dir.children[frag]
				if child == nil {
					return &os.PathError{Op: "list", Path: dirname, Err: os.ErrNotExist}
				}
				if !child.isDir {
					return errors.Errorf("basalt/vfs: not a directory: %s", frag)
				}
				dir = child
			}
			ret = make([]string, 0, len(dir.children))
			for s := range dir.children {
				ret = append(ret, s)
			}
		}
		return nil
	})
	return ret, err
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	f, err := y.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string {
	return path.Base(p)
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}

// memNode holds a file's data or a directory's children. It also implements
// os.FileInfo.
type memNode struct {
	name    string
	data    []byte
	modTime time.Time

	children map[string]*memNode
	isDir    bool
}

func (f *memNode) IsDir() bool        { return f.isDir }
func (f *memNode) ModTime() time.Time { return f.modTime }
func (f *memNode) Mode() os.FileMode  { return os.FileMode(0755) }
func (f *memNode) Name() string       { return f.name }
func (f *memNode) Size() int64        { return int64(len(f.data)) }
func (f *memNode) Sys() interface{}   { return nil }

// memHandle is an open instance of a memNode, holding the read offset of
// this particular handle.
type memHandle struct {
	n     *memNode
	pos   int
	write bool
}

var _ File = (*memHandle)(nil)

func (f *memHandle) Close() error {
	return nil
}

func (f *memHandle) Read(p []byte) (int, error) {
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot read a directory")
	}
	if f.pos >= len(f.n.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *memHandle) ReadAt(p []byte, off int64) (int, error) {
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot read a directory")
	}
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memHandle) Write(p []byte) (int, error) {
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot write a directory")
	}
	if !f.write {
		return 0, errors.New("basalt/vfs: file was not created for writing")
	}
	f.n.modTime = time.Now()
	f.n.data = append(f.n.data, p...)
	return len(p), nil
}

func (f *memHandle) Stat() (os.FileInfo, error) {
	return f.n, nil
}

func (f *memHandle) Sync() error {
	return nil
}
