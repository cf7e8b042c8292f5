// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/ptemap"
)

// CopyTarget names one other process currently mapping a segment being
// forked, so ForkSeg can write-protect its existing translations and
// wait for the TLB flush that makes copy-on-reference safe.
type CopyTarget struct {
	MMU     mmu.MMU
	Proc    mmu.ProcID
	Barrier *mmu.FlushBarrier
}

// ForkSeg attaches seg to childProc according to its type, per spec.md
// §4.C "Fork":
//
//   - TEXT, SHARED, PHYSICAL: shared outright, one extra reference.
//   - DATA with share: shared outright, same as above.
//   - DATA without share: copy-on-reference. The child gets a new
//     segment whose src chains back to seg's own ultimate source (so
//     chains never grow past one hop); existing pages are copied into
//     the child's map by reference (ref bumped, not duplicated) and
//     every other process currently mapping seg has its translations
//     write-protected and flushed, so the next write anywhere takes a
//     fault and actually duplicates the page (see fault package).
//   - STACK: copied immediately, since stacks are mutated so heavily
//     that deferring the copy buys nothing. Fresh pages are allocated,
//     content is copied byte-for-byte, and the child's MMU is
//     populated right away.
func (st *Store) ForkSeg(seg *Segment, childProc mmu.ProcID, childMMU mmu.MMU, share bool, others []CopyTarget) (*Segment, error) {
	seg.Lock()
	typ := seg.typ
	seg.Unlock()

	switch typ {
	case Text, Shared, Physical:
		seg.IncRef()
		return seg, nil
	case Data:
		if share {
			seg.IncRef()
			return seg, nil
		}
		if st.noPageShare {
			return st.deepCopyPages(seg, Data, childProc, childMMU)
		}
		return st.copyOnReference(seg, others)
	case Stack:
		return st.deepCopyStack(seg, childProc, childMMU)
	default:
		seg.IncRef()
		return seg, nil
	}
}

// copyOnReference builds the child's segment sharing seg's pages and
// write-protects every existing mapping of seg so the first write
// after the fork, on either side, triggers a real duplication.
func (st *Store) copyOnReference(seg *Segment, others []CopyTarget) (*Segment, error) {
	seg.Lock()
	defer seg.Unlock()

	src := seg.src
	if src == nil {
		src = seg
	}

	child := st.alloc(Data)
	child.typ = Data
	child.base, child.top = seg.base, seg.top
	child.pageLog2 = seg.pageLog2
	child.flags = seg.flags
	child.ref = 1
	child.color = seg.color
	child.src = src
	child.pmap = ptemap.NewMap(seg.pageLog2)

	seg.pmap.Each(seg.base, func(va uintptr, id pgalloc.PageID) {
		p := st.arena.PageAt(id)
		p.IncRef()
		child.Walk(va, true).Set(id)
	})

	for _, o := range others {
		seg.pmap.Each(seg.base, func(va uintptr, id pgalloc.PageID) {
			o.MMU.Put(o.Proc, va, id, mmu.RO)
		})
	}
	for _, o := range others {
		o.Barrier.Request([]mmu.ProcID{o.Proc})
	}

	return child, nil
}

// deepCopyStack allocates a fresh page for every page seg currently
// maps, copies its bytes, and installs the copy directly in childMMU:
// stacks never defer their copy to a later fault.
func (st *Store) deepCopyStack(seg *Segment, childProc mmu.ProcID, childMMU mmu.MMU) (*Segment, error) {
	return st.deepCopyPages(seg, Stack, childProc, childMMU)
}

// deepCopyPages is deepCopyStack generalized to any type: stacks always
// take this path, and a DATA fork takes it too when the store has
// *nopageshare set, trading copy-on-reference's deferred duplication
// for an immediate, unconditional one.
func (st *Store) deepCopyPages(seg *Segment, typ Type, childProc mmu.ProcID, childMMU mmu.MMU) (*Segment, error) {
	seg.Lock()
	defer seg.Unlock()

	child := st.alloc(typ)
	child.typ = typ
	child.base, child.top = seg.base, seg.top
	child.pageLog2 = seg.pageLog2
	child.flags = seg.flags
	child.ref = 1
	child.color = seg.color
	if child.pmap == nil {
		child.pmap = ptemap.NewMap(seg.pageLog2)
	}

	size := int(seg.PageSize())
	seg.pmap.Each(seg.base, func(va uintptr, id pgalloc.PageID) {
		newID := st.arena.Alloc(size, pgalloc.AnyColor, false, va)
		st.arena.PageAt(newID).IncRef()
		copy(st.arena.Bytes(newID), st.arena.Bytes(id))
		child.Walk(va, true).Set(newID)
		childMMU.Put(childProc, va, newID, mmu.RW)
	})
	return child, nil
}

// PromoteToText re-types a DATA segment into a TEXT segment and makes
// it visible through the shared text cache, matching the "promote a
// private data segment to a cached text segment" path a loader takes
// after relocation finishes writing it (spec.md §4.C "data2txt").
func (st *Store) PromoteToText(seg *Segment, ch external.Channel) {
	seg.Lock()
	seg.typ = Text
	seg.ch = ch
	seg.flags = RONLY | CEXEC
	seg.cached = true
	seg.cacheKey = keyOf(ch)
	seg.Unlock()

	st.text.mu.Lock()
	st.text.cache.Add(seg.cacheKey, seg)
	st.text.mu.Unlock()
}
