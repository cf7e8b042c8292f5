// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"sort"
	"sync"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/vmerr"
)

// Proc is one process's address space: its segment array, the lock
// serializing changes to that array, and the MMU/flush-barrier pair
// its translations live under. Spec.md §6 lists SegAttach, SegDetach,
// SegFree, SegFlush and Brk as the operations a process performs
// against its own space; all of them hang off this type.
//
// Lock ordering (spec.md §5): mu, then any individual Segment's own
// lock, then the arena's internal spinlock. A caller never needs to
// take mu to read a *Segment it already holds a reference to; mu only
// guards the array of segments itself.
type Proc struct {
	ID  mmu.ProcID
	MMU mmu.MMU

	mu   sync.Mutex
	segs []*Segment // index 0 is conventionally the initial stack segment

	Barrier *mmu.FlushBarrier
	selfish map[int]*pgalloc.Selfish // keyed by page-size class
}

// NewProc creates an empty process address space.
func NewProc(id mmu.ProcID, m mmu.MMU) *Proc {
	return &Proc{
		ID:      id,
		MMU:     m,
		Barrier: mmu.NewFlushBarrier(),
		selfish: map[int]*pgalloc.Selfish{},
	}
}

// Segments returns a snapshot of the process's current segment list.
func (p *Proc) Segments() []*Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Segment, len(p.segs))
	copy(out, p.segs)
	return out
}

// SegAttach creates or attaches a segment of length bytes and records
// it in p's segment array. If hintVA is 0, the store searches downward
// from the lowest currently-mapped address (conventionally just below
// the stack segment) for a gap large enough to hold it, matching the
// "grow the address space downward from the stack" placement a loader
// expects when it has no fixed address to honor.
func (p *Proc) SegAttach(st *Store, typ Type, length uintptr, hintVA uintptr, ch external.Channel, pageLog2 uint8) (*Segment, error) {
	pageSize := uintptr(1) << pageLog2
	if length == 0 || length%pageSize != 0 {
		return nil, vmerr.Ebadarg
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base := hintVA
	if base == 0 {
		base = p.findGapLocked(length, pageSize)
	}
	if p.overlapsLocked(base, base+length) {
		return nil, vmerr.Esoverlap
	}

	seg, err := st.NewSeg(typ, base, base+length, ch, pageLog2)
	if err != nil {
		return nil, err
	}
	p.segs = append(p.segs, seg)
	return seg, nil
}

// findGapLocked picks an address below every segment currently
// attached, leaving one unmapped guard page below the lowest existing
// segment (so a wild stack overrun faults instead of silently
// colliding with the new segment).
func (p *Proc) findGapLocked(length, pageSize uintptr) uintptr {
	lowest := uintptr(0)
	for _, s := range p.segs {
		if lowest == 0 || s.Base() < lowest {
			lowest = s.Base()
		}
	}
	if lowest == 0 || lowest < length+pageSize {
		return pageSize
	}
	base := lowest - pageSize - length
	return base &^ (pageSize - 1)
}

func (p *Proc) overlapsLocked(base, top uintptr) bool {
	for _, s := range p.segs {
		if base < s.Top() && s.Base() < top {
			return true
		}
	}
	return false
}

// SegDetach removes seg from p's address space and drops its
// reference. The process's initial stack segment (index 0) can never
// be detached: a process without a stack cannot run.
func (p *Proc) SegDetach(st *Store, seg *Segment) error {
	p.mu.Lock()
	idx := -1
	for i, s := range p.segs {
		if s == seg {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return vmerr.Ebadarg
	}
	if idx == 0 && seg.Type() == Stack {
		p.mu.Unlock()
		return vmerr.Ebadarg
	}
	p.segs = append(p.segs[:idx], p.segs[idx+1:]...)
	p.mu.Unlock()

	seg.Lock()
	seg.pmap.Each(seg.Base(), func(va uintptr, id pgalloc.PageID) {
		p.MMU.FlushPage(id)
	})
	seg.Unlock()

	st.PutSeg(seg)
	return nil
}

// SegFree mass-unmaps [from, to) of seg without detaching it from the
// process, flushing every other process that shares it first.
func (p *Proc) SegFree(st *Store, seg *Segment, from, to uintptr, sharers []Sharer) {
	st.MfreeSeg(seg, from, to, sharers)
}

// SegFlush sets seg's used bit, the same bit a text-cache hit sets, so
// the next reclaim pass gives it a second chance. Segment has no
// instruction-cache flag, and SegFlush schedules no instruction-cache
// synchronization.
func (p *Proc) SegFlush(seg *Segment) {
	seg.markUsed()
}

// Brk grows or shrinks seg (expected to be the process's heap/data
// segment) to a new top, page-aligned. Growing only adjusts the
// bound; pages are faulted in on demand. Shrinking mass-unmaps the
// pages that fall outside the new bound before moving it down.
func (p *Proc) Brk(st *Store, seg *Segment, newTop uintptr, sharers []Sharer) error {
	pageSize := seg.PageSize()
	if newTop%pageSize != 0 {
		return vmerr.Ebadarg
	}
	if newTop < seg.Base() {
		return vmerr.Ebadarg
	}

	seg.Lock()
	oldTop := seg.top
	seg.Unlock()

	if newTop == oldTop {
		return nil
	}
	if newTop > oldTop {
		p.mu.Lock()
		overlap := p.overlapsLocked(oldTop, newTop)
		p.mu.Unlock()
		if overlap {
			return vmerr.Esoverlap
		}
		seg.Lock()
		seg.top = newTop
		seg.Unlock()
		return nil
	}

	st.MfreeSeg(seg, newTop, oldTop, sharers)
	seg.Lock()
	seg.top = newTop
	seg.Unlock()
	return nil
}

// sortedBases returns the process's segment bases in ascending order.
func (p *Proc) sortedBases() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uintptr, len(p.segs))
	for i, s := range p.segs {
		out[i] = s.Base()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
