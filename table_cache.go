// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"sync"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/swiss"
)

// tableCacheShards is the number of shards the table cache is split into.
// Sharding reduces lock contention: table cache lookups happen on every
// read that misses the memtables.
const tableCacheShards = 16

// tableCache is a bounded-capacity, sharded LRU cache mapping file number
// to an open sstable reader. Entries are refcounted so that an in-flight
// iterator keeps its file open across eviction.
type tableCache struct {
	shards [tableCacheShards]tableCacheShard
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts *Options) {
	size := opts.TableCacheSize / tableCacheShards
	if size < 1 {
		size = 1
	}
	for i := range c.shards {
		c.shards[i].init(dirname, fs, opts, size)
	}
}

func (c *tableCache) shard(fileNum base.FileNum) *tableCacheShard {
	return &c.shards[uint64(fileNum)%tableCacheShards]
}

// newIter returns an iterator over the sstable with the given metadata.
// Closing the iterator releases the cache entry.
func (c *tableCache) newIter(meta *manifest.FileMetadata) (base.InternalIterator, error) {
	return c.shard(meta.FileNum).newIter(meta)
}

// get performs a point lookup in the sstable with the given metadata: it
// positions an iterator at the first entry >= ikey and, if one exists,
// invokes fn with that entry. fn's return value is returned as ok.
func (c *tableCache) get(
	meta *manifest.FileMetadata, ikey base.InternalKey, fn func(key base.InternalKey, value []byte) bool,
) (ok bool, err error) {
	iter, err := c.newIter(meta)
	if err != nil {
		return false, err
	}
	iter.SeekGE(ikey)
	if iter.Valid() {
		ok = fn(iter.Key(), iter.Value())
	}
	if cerr := iter.Close(); cerr != nil {
		return false, cerr
	}
	return ok, nil
}

// evict removes the entry for the given file number, closing the
// underlying file once no iterators reference it.
func (c *tableCache) evict(fileNum base.FileNum) {
	c.shard(fileNum).evict(fileNum)
}

func (c *tableCache) Close() error {
	var err error
	for i := range c.shards {
		err = errors.CombineErrors(err, c.shards[i].close())
	}
	return err
}

type tableCacheShard struct {
	dirname string
	fs      vfs.FS
	opts    *Options
	size    int

	mu    sync.Mutex
	nodes swiss.Map[base.FileNum, *tableCacheNode]
	dummy tableCacheNode
}

func (c *tableCacheShard) init(dirname string, fs vfs.FS, opts *Options, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts
	c.size = size
	c.nodes.Init(size)
	c.dummy.next = &c.dummy
	c.dummy.prev = &c.dummy
}

func (c *tableCacheShard) newIter(meta *manifest.FileMetadata) (base.InternalIterator, error) {
	// Calling findNode gives us the responsibility of decrementing n's
	// refCount. If opening the underlying table resulted in error, then we
	// decrement this straight away. Otherwise, we pass that responsibility
	// to the tableCacheIter, which decrements when it is closed.
	n := c.findNode(meta)
	x := <-n.result
	if x.err != nil {
		c.unrefNode(n)
		// Try loading the table again; the error may be transient.
		go n.load(c)
		return nil, x.err
	}
	n.result <- x
	iter, err := x.reader.NewIter()
	if err != nil {
		c.unrefNode(n)
		return nil, err
	}
	return &tableCacheIter{
		InternalIterator: iter,
		cache:            c,
		node:             n,
	}, nil
}

func (c *tableCacheShard) unrefNode(n *tableCacheNode) {
	c.mu.Lock()
	n.refCount--
	if n.refCount == 0 {
		go n.release()
	}
	c.mu.Unlock()
}

// releaseNode releases a node from the tableCacheShard.
//
// c.mu must be held when calling this.
func (c *tableCacheShard) releaseNode(n *tableCacheNode) {
	c.nodes.Delete(n.fileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.refCount--
	if n.refCount == 0 {
		go n.release()
	}
}

// findNode returns the node for the table with the given file number,
// creating that node if it didn't already exist. The caller is responsible
// for decrementing the returned node's refCount.
func (c *tableCacheShard) findNode(meta *manifest.FileMetadata) *tableCacheNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes.Get(meta.FileNum)
	if !ok {
		n = &tableCacheNode{
			fileNum:  meta.FileNum,
			size:     meta.Size,
			refCount: 1,
			result:   make(chan tableReaderOrError, 1),
		}
		c.nodes.Put(meta.FileNum, n)
		if c.nodes.Len() > c.size {
			// Release the least recently used node.
			c.releaseNode(c.dummy.prev)
		}
		go n.load(c)
	} else {
		// Remove n from the doubly-linked list.
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	// Insert n at the front of the doubly-linked list.
	n.next = c.dummy.next
	n.prev = &c.dummy
	n.next.prev = n
	n.prev.next = n
	// The caller is responsible for decrementing the refCount.
	n.refCount++
	return n
}

func (c *tableCacheShard) evict(fileNum base.FileNum) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.nodes.Get(fileNum); ok {
		c.releaseNode(n)
	}
}

func (c *tableCacheShard) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.dummy.next; n != &c.dummy; n = n.next {
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
	}
	c.nodes.Close()
	c.dummy.next = &c.dummy
	c.dummy.prev = &c.dummy
	return nil
}

type tableReaderOrError struct {
	reader *sstable.Reader
	err    error
}

type tableCacheNode struct {
	fileNum base.FileNum
	size    uint64
	result  chan tableReaderOrError

	// The remaining fields are protected by the tableCacheShard mutex.

	next, prev *tableCacheNode
	refCount   int
}

func (n *tableCacheNode) load(c *tableCacheShard) {
	// Try opening the .sst file first. If that file doesn't exist, fall
	// back onto the old .ldb extension.
	f, err := c.fs.Open(base.MakeFilepath(c.fs, c.dirname, base.FileTypeTable, n.fileNum))
	if err != nil && oserror.IsNotExist(err) {
		f, err = c.fs.Open(c.fs.PathJoin(c.dirname, fmt.Sprintf("%s.ldb", n.fileNum)))
	}
	if err != nil {
		n.result <- tableReaderOrError{err: err}
		return
	}
	r, err := sstable.NewReader(f, int64(n.size), c.opts.makeReaderOptions())
	if err != nil {
		n.result <- tableReaderOrError{err: err}
		return
	}
	n.result <- tableReaderOrError{reader: r}
}

func (n *tableCacheNode) release() {
	x := <-n.result
	if x.err != nil {
		return
	}
	x.reader.Close()
}

type tableCacheIter struct {
	base.InternalIterator
	cache    *tableCacheShard
	node     *tableCacheNode
	closeErr error
	closed   bool
}

func (i *tableCacheIter) Close() error {
	if i.closed {
		return i.closeErr
	}
	i.closed = true

	i.cache.unrefNode(i.node)
	i.closeErr = i.InternalIterator.Close()
	return i.closeErr
}
