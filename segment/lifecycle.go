// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"sync/atomic"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/ptemap"
	"github.com/fjballest/nixvm/vmerr"
)

// Sharer names one process that must acknowledge a TLB flush before a
// mass-unmapped page can be freed: the barrier it flushes through and
// its ProcID within that barrier.
type Sharer struct {
	Barrier *mmu.FlushBarrier
	Proc    mmu.ProcID
}

// NewSeg creates a segment spanning [base, top) with pages of size
// 1<<pageLog2. For a TEXT segment with a backing channel, this instead
// resolves through the shared text cache: a hit bumps the cache and
// returns an additional reference; a miss races construction against
// concurrent openers via singleflight. Spec.md §4.C "newseg".
func (st *Store) NewSeg(typ Type, base, top uintptr, ch external.Channel, pageLog2 uint8) (*Segment, error) {
	if pageLog2 == 0 {
		return nil, vmerr.Ebadarg
	}
	pgsize := uintptr(1) << pageLog2
	if base%pgsize != 0 || top%pgsize != 0 || top <= base {
		return nil, vmerr.Ebadarg
	}
	if top-base > SegMaxSize {
		return nil, vmerr.Enovmem
	}

	if typ == Text && ch != nil {
		return st.text.lookupOrCreate(st, base, top, ch, pageLog2)
	}

	seg := st.alloc(typ)
	seg.typ = typ
	seg.base, seg.top = base, top
	seg.pageLog2 = pageLog2
	seg.ch = ch
	seg.ref = 1
	seg.color = pgalloc.AnyColor
	if seg.pmap == nil {
		seg.pmap = ptemap.NewMap(pageLog2)
	}
	return seg, nil
}

// PutSeg drops a reference; at zero, the segment's pages (unless it is
// a STACK segment, which keeps them for the next stack allocation) are
// freed and the Segment struct is recycled. Spec.md §4.C "putseg".
func (st *Store) PutSeg(seg *Segment) {
	if atomic.AddInt32(&seg.ref, -1) > 0 {
		return
	}

	seg.Lock()
	if seg.typ != Stack {
		st.freePages(seg)
	}
	onFree := seg.onFree
	seg.Unlock()

	if onFree != nil {
		onFree(seg)
	}
	st.recycle(seg)
}

// ClearSeg unmaps every page currently in the segment without
// recycling the Segment struct itself: useful for a PHYSICAL or
// FREE-bound segment being prepared for a new role.
func (st *Store) ClearSeg(seg *Segment) {
	seg.Lock()
	defer seg.Unlock()
	st.freePages(seg)
	seg.pmap = ptemap.NewMap(seg.pageLog2)
	seg.clength, seg.cbytes = 0, 0
}

// RelocateSeg moves seg from [oldBase, oldBase+(top-base)) to a new
// base, in place: every mapped page's VA is rewritten by the same
// delta and the map itself is untouched, since its slots are already
// stored relative to the segment's base. No data is copied. Spec.md
// §4.C "Segment lifecycle" (stack pool reuse).
func (st *Store) RelocateSeg(seg *Segment, newBase uintptr) {
	oldBase := seg.base
	delta := newBase - oldBase
	seg.pmap.Each(oldBase, func(va uintptr, id pgalloc.PageID) {
		p := st.arena.PageAt(id)
		p.VA = va + delta
	})
	seg.top = newBase + (seg.top - oldBase)
	seg.base = newBase
}

// MfreeSeg mass-unmaps [from, to) from seg: it clears every slot in the
// range under the segment lock, waits for a cross-CPU TLB flush on
// every process sharing the segment, and only then drops the
// references. This order (clear, then flush, then drop) is the
// invariant that prevents a stale TLB entry from outliving its frame
// (spec.md §4.C "Mass unmap", boundary scenario 6).
func (st *Store) MfreeSeg(seg *Segment, from, to uintptr, sharers []Sharer) {
	var collected []pgalloc.PageID

	seg.Lock()
	pageSize := seg.PageSize()
	for va := from; va < to; va += pageSize {
		slot := seg.Walk(va, false)
		if !slot.Valid() {
			continue
		}
		if id := slot.Get(); id != 0 {
			collected = append(collected, id)
			slot.Clear()
		}
	}
	seg.Unlock()

	for _, s := range sharers {
		s.Barrier.Request([]mmu.ProcID{s.Proc})
	}

	for _, id := range collected {
		p := st.arena.PageAt(id)
		if p.DecRef() > 0 {
			continue
		}
		if seg.freer != nil {
			seg.freer.FreePage(id)
			continue
		}
		st.arena.Free(id)
	}
}

// PrefaultSeg calls touch for every unmapped page-aligned address in
// seg, eagerly resolving the segment instead of waiting for faults.
// touch is normally fault.Fault bound to the owning process; it is
// responsible for its own locking, so PrefaultSeg itself never holds
// the segment lock across the call.
func (st *Store) PrefaultSeg(seg *Segment, touch func(va uintptr) error) error {
	pageSize := seg.PageSize()
	for va := seg.base; va < seg.top; va += pageSize {
		seg.Lock()
		mapped := seg.Walk(va, false).Get() != 0
		seg.Unlock()
		if mapped {
			continue
		}
		if err := touch(va); err != nil {
			return err
		}
	}
	return nil
}
