// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package record

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func short(s string) string {
	if len(s) < 64 {
		return s
	}
	return fmt.Sprintf("%s...(skipping %d bytes)...%s", s[:20], len(s)-40, s[len(s)-20:])
}

// big returns a string of length n, composed of repetitions of partial.
func big(partial string, n int) string {
	return strings.Repeat(partial, n/len(partial)+1)[:n]
}

func TestEmpty(t *testing.T) {
	buf := new(bytes.Buffer)
	r := NewReader(buf)
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func testGenerator(t *testing.T, reset func(), gen func() (string, bool)) {
	buf := new(bytes.Buffer)

	reset()
	w := NewWriter(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		ww, err := w.Next()
		require.NoError(t, err)
		_, err = ww.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reset()
	r := NewReader(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		if string(x) != s {
			t.Fatalf("got %q, want %q", short(string(x)), short(s))
		}
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func testLiterals(t *testing.T, s []string) {
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == len(s) {
			return "", false
		}
		i++
		return s[i-1], true
	}
	testGenerator(t, reset, gen)
}

func TestMany(t *testing.T) {
	const n = 1e5
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return fmt.Sprintf("%d.", i-1), true
	}
	testGenerator(t, reset, gen)
}

func TestRandom(t *testing.T) {
	const n = 1e2
	var (
		i int
		r *rand.Rand
	)
	reset := func() {
		i, r = 0, rand.New(rand.NewSource(0))
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return strings.Repeat(string(rune('a'+i%26)), r.Intn(2*blockSize+16)), true
	}
	testGenerator(t, reset, gen)
}

func TestBasic(t *testing.T) {
	testLiterals(t, []string{
		strings.Repeat("a", 1000),
		strings.Repeat("b", 97270),
		strings.Repeat("c", 8000),
	})
}

func TestBoundary(t *testing.T) {
	for i := blockSize - 16; i < blockSize+16; i += 4 {
		s0 := big("abcd", i)
		for j := blockSize - 16; j < blockSize+16; j += 4 {
			s1 := big("ABCDE", j)
			testLiterals(t, []string{s0, s1})
			testLiterals(t, []string{s0, "", s1})
			testLiterals(t, []string{s0, "x", s1})
		}
	}
}

func TestFlush(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	// Write a couple of records. Everything should still be held in the
	// record.Writer buffer, so that buf.Len should be 0.
	w0, _ := w.Next()
	w0.Write([]byte("0"))
	w1, _ := w.Next()
	w1.Write([]byte("11"))
	require.Equal(t, 0, buf.Len())
	// Flush the record.Writer buffer, which should yield 17 bytes: 2
	// records of 7-byte headers plus 1 and 2 payload bytes.
	require.NoError(t, w.Flush())
	require.Equal(t, 17, buf.Len())
	// Do another write, one byte longer than the previous one.
	w2, _ := w.Next()
	w2.Write([]byte("222"))
	require.Equal(t, 17, buf.Len())
	require.NoError(t, w.Flush())
	require.Equal(t, 27, buf.Len())
}

func TestTruncatedTail(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for _, s := range []string{"first", "second"} {
		ww, err := w.Next()
		require.NoError(t, err)
		_, err = ww.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Drop the last 3 bytes, truncating the second record's chunk.
	trunc := buf.Bytes()[:buf.Len()-3]
	r := NewReader(bytes.NewReader(trunc))
	rr, err := r.Next()
	require.NoError(t, err)
	x, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "first", string(x))

	_, err = r.Next()
	require.True(t, IsInvalidRecord(err), "got %v", err)
}

func TestCorruptChunkChecksum(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	ww, err := w.Next()
	require.NoError(t, err)
	_, err = ww.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte: the chunk checksum no longer matches.
	b := buf.Bytes()
	b[headerSize] ^= 0xff
	r := NewReader(bytes.NewReader(b))
	_, err = r.Next()
	require.ErrorIs(t, err, ErrInvalidChunk)
}

func TestWriterAtOffset(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	ww, err := w.Next()
	require.NoError(t, err)
	_, err = ww.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Append a second record as if reopening the log.
	w2 := NewWriterAtOffset(buf, int64(buf.Len()))
	ww, err = w2.Next()
	require.NoError(t, err)
	_, err = ww.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for _, want := range []string{"first", "second"} {
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, want, string(x))
	}
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
