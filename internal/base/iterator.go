// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// InternalIterator iterates over a DB's key/value pairs in key order.
// Iteration is over internal keys: a user key may appear multiple times,
// newest entry first.
//
// An iterator is not goroutine-safe, but it is safe to use multiple
// iterators concurrently, each in its own goroutine.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
type InternalIterator interface {
	// SeekGE moves the iterator to the first key/value pair whose key is
	// greater than or equal to the given key in internal key order.
	SeekGE(key InternalKey)

	// First moves the iterator to the first key/value pair.
	First()

	// Next moves the iterator to the next key/value pair.
	Next()

	// Valid returns true if the iterator is positioned at a valid key/value
	// pair and false otherwise.
	Valid() bool

	// Key returns the key of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned key, and
	// its contents may change on the next call to Next.
	Key() InternalKey

	// Value returns the value of the current key/value pair, or nil if
	// done. The caller should not modify the contents of the returned
	// slice, and its contents may change on the next call to Next.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error.
	Close() error
}
