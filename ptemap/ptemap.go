// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ptemap implements the sparse, two-level page-table map a
// Segment uses to remember which physical page backs each of its
// virtual pages. It never allocates memory itself: callers supply the
// page handle to install, and ptemap only tracks where it lives.
package ptemap

import "github.com/fjballest/nixvm/pgalloc"

// PtePerTab is the number of slots in one Ptemap leaf.
const PtePerTab = 256

// Ptemap is one leaf of the sparse map: a dense array of page handles
// covering PtePerTab consecutive page-sized slots, plus first/last
// markers bounding the populated range so iteration can skip holes.
type Ptemap struct {
	pages      [PtePerTab]pgalloc.PageID
	first, last int // -1 when empty
}

func newPtemap() *Ptemap {
	return &Ptemap{first: -1, last: -1}
}

// Get returns the page handle at inner index i, or 0 if unset.
func (t *Ptemap) Get(i int) pgalloc.PageID {
	if t == nil {
		return 0
	}
	return t.pages[i]
}

// Set installs id at inner index i and widens first/last to cover it.
func (t *Ptemap) Set(i int, id pgalloc.PageID) {
	t.pages[i] = id
	if t.first == -1 || i < t.first {
		t.first = i
	}
	if t.last == -1 || i > t.last {
		t.last = i
	}
}

// Clear removes the entry at inner index i. It does not shrink
// first/last: callers needing a tight range should rescan; the bounds
// accelerate a scan, they do not prove an entry is present.
func (t *Ptemap) Clear(i int) {
	t.pages[i] = 0
}

// First and Last report the bracketing range of possibly-populated
// slots, or (-1, -1) if no slot has ever been set.
func (t *Ptemap) First() int { return t.first }
func (t *Ptemap) Last() int  { return t.last }

// Each calls fn for every slot in [first, last] holding a nonzero page
// handle.
func (t *Ptemap) Each(fn func(i int, id pgalloc.PageID)) {
	if t == nil || t.first == -1 {
		return
	}
	for i := t.first; i <= t.last; i++ {
		if t.pages[i] != 0 {
			fn(i, t.pages[i])
		}
	}
}
