// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/stretchr/testify/require"
)

func TestMemTableBasic(t *testing.T) {
	m := newMemTable((&Options{}).EnsureDefaults())
	require.True(t, m.empty())

	require.NoError(t, m.add(1, base.InternalKeyKindSet, []byte("a"), []byte("1")))
	require.NoError(t, m.add(2, base.InternalKeyKindSet, []byte("b"), []byte("2")))
	require.NoError(t, m.add(3, base.InternalKeyKindDelete, []byte("a"), nil))
	require.False(t, m.empty())

	// At sequence 2, "a" still has its value.
	value, conclusive, err := m.get([]byte("a"), 2)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "1", string(value))

	// At sequence 3, the tombstone wins.
	_, conclusive, err = m.get([]byte("a"), 3)
	require.True(t, conclusive)
	require.ErrorIs(t, err, base.ErrNotFound)

	// A key the memtable has never seen is inconclusive.
	_, conclusive, err = m.get([]byte("zzz"), 3)
	require.False(t, conclusive)
	require.NoError(t, err)
}

func TestMemTableApplyBatch(t *testing.T) {
	m := newMemTable((&Options{}).EnsureDefaults())

	b := &Batch{}
	b.Set([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Set([]byte("c"), []byte("3"))
	require.NoError(t, m.apply(b, 10))

	// The batch entries receive consecutive sequence numbers.
	it := m.newIter()
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, it.Key().String())
	}
	require.Equal(t, []string{"a#10,SET", "b#11,DEL", "c#12,SET"}, got)
}

func TestMemTableIterForwardBackward(t *testing.T) {
	m := newMemTable((&Options{}).EnsureDefaults())
	for i := 0; i < 10; i++ {
		require.NoError(t, m.add(base.SeqNum(i+1), base.InternalKeyKindSet,
			[]byte(fmt.Sprintf("k%02d", i)), nil))
	}

	it := m.skl.NewIter()
	var fwd []string
	for it.First(); it.Valid(); it.Next() {
		fwd = append(fwd, string(it.Key().UserKey))
	}
	require.Len(t, fwd, 10)

	var rev []string
	for it.Last(); it.Valid(); it.Prev() {
		rev = append(rev, string(it.Key().UserKey))
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	require.Equal(t, fwd, rev)
}

func TestMemTableApproximateMemoryUsage(t *testing.T) {
	m := newMemTable((&Options{}).EnsureDefaults())
	before := m.approximateMemoryUsage()
	for i := 0; i < 100; i++ {
		require.NoError(t, m.add(base.SeqNum(i+1), base.InternalKeyKindSet,
			[]byte(fmt.Sprintf("key%04d", i)), make([]byte, 100)))
	}
	after := m.approximateMemoryUsage()
	require.Greater(t, after, before)
	require.GreaterOrEqual(t, after, uint64(100*100))
}

func TestBatchRoundTrip(t *testing.T) {
	b := &Batch{}
	b.Set([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Set([]byte("c"), []byte("33"))
	require.Equal(t, uint32(3), b.Count())

	b.setSeqNum(42)
	require.Equal(t, base.SeqNum(42), b.seqNum())

	// The representation survives a WAL-style round trip.
	var b2 Batch
	require.NoError(t, b2.SetRepr(append([]byte(nil), b.Repr()...)))
	require.Equal(t, uint32(3), b2.Count())
	require.Equal(t, base.SeqNum(42), b2.seqNum())

	type op struct {
		kind  base.InternalKeyKind
		key   string
		value string
	}
	var got []op
	for iter := b2.iter(); ; {
		kind, key, value, ok := iter.next()
		if !ok {
			break
		}
		got = append(got, op{kind, string(key), string(value)})
	}
	require.Equal(t, []op{
		{base.InternalKeyKindSet, "a", "1"},
		{base.InternalKeyKindDelete, "b", ""},
		{base.InternalKeyKindSet, "c", "33"},
	}, got)
}

func TestMergingIter(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	m1 := newMemTable(opts)
	m2 := newMemTable(opts)
	require.NoError(t, m1.add(1, base.InternalKeyKindSet, []byte("a"), []byte("m1")))
	require.NoError(t, m1.add(3, base.InternalKeyKindSet, []byte("c"), []byte("m1")))
	require.NoError(t, m2.add(2, base.InternalKeyKindSet, []byte("b"), []byte("m2")))
	require.NoError(t, m2.add(4, base.InternalKeyKindSet, []byte("a"), []byte("m2")))

	it := newMergingIter(opts.Comparer.Compare, m1.newIter(), m2.newIter())
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, it.Key().String())
	}
	// Identical user keys surface newest (highest sequence number) first.
	require.Equal(t, []string{"a#4,SET", "a#1,SET", "b#2,SET", "c#3,SET"}, got)
	require.NoError(t, it.Close())
}
