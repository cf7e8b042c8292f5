// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptemap

import "github.com/fjballest/nixvm/pgalloc"

// growIncrement is how many outer slots Map.Walk adds at a time when it
// must grow the sparse array, rather than growing by exactly one.
const growIncrement = 16

// Map is a Segment's sparse virtual-address-to-page table: an array of
// Ptemap leaves, grown by a fixed increment, each leaf covering
// PtePerTab page-sized slots.
type Map struct {
	pageLog2  uint8
	ptemapmem uintptr // PtePerTab << pageLog2

	outer       []*Ptemap
	first, last int // outer-index bounds, -1 when empty
}

// NewMap creates an empty map for a segment whose pages are
// 1<<pageLog2 bytes.
func NewMap(pageLog2 uint8) *Map {
	return &Map{
		pageLog2:  pageLog2,
		ptemapmem: uintptr(PtePerTab) << pageLog2,
		first:     -1,
		last:      -1,
	}
}

// PageSize returns the configured page size for this map.
func (m *Map) PageSize() uintptr { return 1 << m.pageLog2 }

// Slot names one entry of the sparse map: a leaf and an index into it.
// The zero Slot is invalid (Valid reports false).
type Slot struct {
	leaf *Ptemap
	idx  int
}

// Valid reports whether the slot names a real map entry.
func (s Slot) Valid() bool { return s.leaf != nil }

// Get returns the page handle held in the slot, or 0 if unset.
func (s Slot) Get() pgalloc.PageID {
	if !s.Valid() {
		return 0
	}
	return s.leaf.Get(s.idx)
}

// Set installs id in the slot.
func (s Slot) Set(id pgalloc.PageID) { s.leaf.Set(s.idx, id) }

// Clear removes whatever page handle is installed in the slot.
func (s Slot) Clear() { s.leaf.Clear(s.idx) }

// Walk resolves the page-table slot for addr, a virtual address inside
// a segment based at base. addr is rounded down to the page size first.
// If no leaf covers that range yet and alloc is false, Walk returns the
// zero Slot; if alloc is true, it creates the leaf (and grows the outer
// array, if needed) first. Spec.md §4.B segwalk.
//
// The caller must hold the segment's lock; Walk never blocks.
func (m *Map) Walk(base, addr uintptr, alloc bool) Slot {
	pageSize := m.PageSize()
	addr &^= pageSize - 1
	offset := addr - base

	outer := int(offset / m.ptemapmem)
	if outer >= len(m.outer) {
		if !alloc {
			return Slot{}
		}
		grown := make([]*Ptemap, outer+growIncrement)
		copy(grown, m.outer)
		m.outer = grown
	}

	leaf := m.outer[outer]
	if leaf == nil {
		if !alloc {
			return Slot{}
		}
		leaf = newPtemap()
		m.outer[outer] = leaf
	}
	if m.first == -1 || outer < m.first {
		m.first = outer
	}
	if m.last == -1 || outer > m.last {
		m.last = outer
	}

	inner := int((offset % m.ptemapmem) / pageSize)
	return Slot{leaf: leaf, idx: inner}
}

// First and Last report the bracketing range of outer indices that may
// hold a populated leaf, or (-1, -1) if Walk has never allocated one.
func (m *Map) First() int { return m.first }
func (m *Map) Last() int  { return m.last }

// Each calls fn for every (virtual address, page) pair currently
// installed in the map, in ascending address order. base is the
// segment's base address, used to recover absolute addresses from the
// map's (outer, inner) coordinates.
func (m *Map) Each(base uintptr, fn func(va uintptr, id pgalloc.PageID)) {
	if m.first == -1 {
		return
	}
	pageSize := m.PageSize()
	for outer := m.first; outer <= m.last; outer++ {
		leaf := m.outer[outer]
		if leaf == nil {
			continue
		}
		leaf.Each(func(inner int, id pgalloc.PageID) {
			va := base + uintptr(outer)*m.ptemapmem + uintptr(inner)*pageSize
			fn(va, id)
		})
	}
}
