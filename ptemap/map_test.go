// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptemap

import (
	"testing"

	"github.com/fjballest/nixvm/pgalloc"
	"github.com/stretchr/testify/require"
)

func TestWalkAllocOnDemand(t *testing.T) {
	m := NewMap(12) // 4 KiB pages
	require.Equal(t, -1, m.First())

	s := m.Walk(0x1000, 0x1000, false)
	require.False(t, s.Valid(), "Walk must not allocate when alloc=false")

	s = m.Walk(0x1000, 0x1000, true)
	require.True(t, s.Valid())
	require.Equal(t, pgalloc.PageID(0), s.Get())

	s.Set(pgalloc.PageID(7))
	s2 := m.Walk(0x1000, 0x1000, false)
	require.True(t, s2.Valid())
	require.Equal(t, pgalloc.PageID(7), s2.Get())
}

func TestWalkCrossesOuterBoundary(t *testing.T) {
	m := NewMap(12)
	base := uintptr(0)
	lastInFirstTab := uintptr(PtePerTab-1) << 12
	firstInSecondTab := uintptr(PtePerTab) << 12

	s1 := m.Walk(base, lastInFirstTab, true)
	s2 := m.Walk(base, firstInSecondTab, true)
	require.True(t, s1.Valid())
	require.True(t, s2.Valid())

	s1.Set(1)
	s2.Set(2)
	require.Equal(t, pgalloc.PageID(1), m.Walk(base, lastInFirstTab, false).Get())
	require.Equal(t, pgalloc.PageID(2), m.Walk(base, firstInSecondTab, false).Get())
	require.Equal(t, 0, m.First())
	require.Equal(t, 1, m.Last())
}

func TestEachVisitsInAddressOrder(t *testing.T) {
	m := NewMap(12)
	base := uintptr(0x4000)
	addrs := []uintptr{base, base + 0x1000, base + 0x2000}
	for i, a := range addrs {
		m.Walk(base, a, true).Set(pgalloc.PageID(i + 1))
	}

	var got []uintptr
	m.Each(base, func(va uintptr, id pgalloc.PageID) {
		got = append(got, va)
	})
	require.Equal(t, addrs, got)
}

func TestWalkRoundsDownToPageSize(t *testing.T) {
	m := NewMap(12)
	s1 := m.Walk(0, 0x1000, true)
	s2 := m.Walk(0, 0x1fff, true)
	s1.Set(9)
	require.Equal(t, pgalloc.PageID(9), s2.Get())
}
