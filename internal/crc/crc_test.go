// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package crc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC(t *testing.T) {
	// The masked checksum of distinct inputs must differ, and the same
	// input must be stable.
	a := New([]byte("hello world")).Value()
	b := New([]byte("hello worle")).Value()
	require.NotEqual(t, a, b)
	require.Equal(t, a, New([]byte("hello world")).Value())

	// Incremental updates match one-shot computation.
	c := New([]byte("hello ")).Update([]byte("world")).Value()
	require.Equal(t, a, c)
}

func TestCRCMaskIsNotIdentity(t *testing.T) {
	// The mask must move the checksum away from the raw CRC so that
	// framed data containing embedded checksums does not collide.
	payload := []byte("payload")
	raw := uint32(New(payload))
	require.NotEqual(t, raw, New(payload).Value())
}
