// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arenaskl

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/stretchr/testify/require"
)

const arenaSize = 1 << 20

func newTestSkiplist() *Skiplist {
	return NewSkiplist(NewArena(make([]byte, arenaSize)), bytes.Compare)
}

func makeKey(s string, seq base.SeqNum) base.InternalKey {
	return base.MakeInternalKey([]byte(s), seq, base.InternalKeyKindSet)
}

func TestSkiplistEmpty(t *testing.T) {
	l := newTestSkiplist()
	it := l.NewIter()
	require.False(t, it.Valid())

	it.First()
	require.False(t, it.Valid())

	it.Last()
	require.False(t, it.Valid())

	it.SeekGE(makeKey("aaa", 1))
	require.False(t, it.Valid())
}

func TestSkiplistAddAndIterate(t *testing.T) {
	l := newTestSkiplist()
	keys := []string{"banana", "apple", "cherry", "grape", "fig"}
	for i, k := range keys {
		require.NoError(t, l.Add(makeKey(k, base.SeqNum(i+1)), []byte("v-"+k)))
	}

	it := l.NewIter()
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey))
		require.Equal(t, "v-"+string(it.Key().UserKey), string(it.Value()))
	}
	require.Equal(t, []string{"apple", "banana", "cherry", "fig", "grape"}, got)

	// Backward iteration yields the reverse.
	var rev []string
	for it.Last(); it.Valid(); it.Prev() {
		rev = append(rev, string(it.Key().UserKey))
	}
	require.Equal(t, []string{"grape", "fig", "cherry", "banana", "apple"}, rev)
}

func TestSkiplistDuplicateKey(t *testing.T) {
	l := newTestSkiplist()
	k := makeKey("dup", 7)
	require.NoError(t, l.Add(k, []byte("a")))
	require.ErrorIs(t, l.Add(k, []byte("b")), ErrRecordExists)
}

func TestSkiplistSameUserKeyOrdering(t *testing.T) {
	// Entries with the same user key appear in descending sequence number
	// order: the newest write is found first by a forward scan.
	l := newTestSkiplist()
	for _, seq := range []base.SeqNum{3, 1, 7, 5} {
		require.NoError(t, l.Add(makeKey("k", seq), []byte(fmt.Sprint(seq))))
	}
	it := l.NewIter()
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Value()))
	}
	require.Equal(t, []string{"7", "5", "3", "1"}, got)

	// A search key positions at the newest entry.
	it.SeekGE(base.MakeSearchKey([]byte("k")))
	require.True(t, it.Valid())
	require.Equal(t, base.SeqNum(7), it.Key().SeqNum())
}

func TestSkiplistSeekGE(t *testing.T) {
	l := newTestSkiplist()
	for i := 0; i < 100; i += 2 {
		key := fmt.Sprintf("k%05d", i)
		require.NoError(t, l.Add(makeKey(key, 1), nil))
	}

	it := l.NewIter()
	// Present key.
	it.SeekGE(base.MakeSearchKey([]byte("k00042")))
	require.True(t, it.Valid())
	require.Equal(t, "k00042", string(it.Key().UserKey))

	// Absent key seeks to the next present key.
	it.SeekGE(base.MakeSearchKey([]byte("k00043")))
	require.True(t, it.Valid())
	require.Equal(t, "k00044", string(it.Key().UserKey))

	// Past the end.
	it.SeekGE(base.MakeSearchKey([]byte("z")))
	require.False(t, it.Valid())

	// SeekLT positions before the key.
	it.SeekLT(base.MakeSearchKey([]byte("k00042")))
	require.True(t, it.Valid())
	require.Equal(t, "k00040", string(it.Key().UserKey))
}

func TestSkiplistArenaFull(t *testing.T) {
	l := NewSkiplist(NewArena(make([]byte, 1024)), bytes.Compare)
	var err error
	for i := 0; err == nil && i < 1000; i++ {
		err = l.Add(makeKey(fmt.Sprintf("key-%04d", i), base.SeqNum(i+1)), make([]byte, 64))
	}
	require.ErrorIs(t, err, ErrArenaFull)
}

func TestSkiplistConcurrentReads(t *testing.T) {
	// A single writer inserts while readers iterate. Readers must always
	// observe a sorted prefix of the writer's inserts.
	const n = 1000
	l := newTestSkiplist()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				it := l.NewIter()
				prev := base.InternalKey{}
				count := 0
				for it.First(); it.Valid(); it.Next() {
					if count > 0 && base.InternalCompare(bytes.Compare, prev, it.Key()) >= 0 {
						t.Errorf("out of order: %s before %s", prev, it.Key())
						return
					}
					prev = it.Key().Clone()
					count++
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, l.Add(makeKey(fmt.Sprintf("k%08d", i*37%n), base.SeqNum(i+1)), nil))
	}
	close(stop)
	wg.Wait()

	it := l.NewIter()
	count := 0
	for it.First(); it.Valid(); it.Next() {
		count++
	}
	require.Equal(t, n, count)
}
