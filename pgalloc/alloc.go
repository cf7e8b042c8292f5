// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import "fmt"

func (a *Arena) allocKind(al *Pgalloc) ClassKind { return a.classes[al.classIdx].Kind }

// targetClass returns the smallest configured class that can satisfy size.
func (a *Arena) targetClass(size int) int {
	// classes are ordered largest-first, so scanning from the end finds
	// the smallest one that fits first.
	for i := len(a.classes) - 1; i >= 0; i-- {
		if a.classes[i].Size >= size {
			return i
		}
	}
	panic(fmt.Sprintf("pgalloc: no configured class can satisfy size %d", size))
}

// Alloc returns a page of at least size bytes. color selects a NUMA
// locality bucket (AnyColor for "don't care"). If clear is set, the page's
// content is zeroed before return. vaHint, if nonzero, is recorded as the
// page's virtual-address hint. Alloc never returns a zero PageID: it
// panics (a fatal kernel error) if memory cannot be found even after
// reclamation, matching spec.md §7's allocator error taxonomy.
func (a *Arena) Alloc(size int, color Color, clear bool, vaHint uintptr) PageID {
	if a.noColors {
		color = AnyColor
	}
	target := a.targetClass(size)

	a.mu.Lock()
	id := a.allocLocked(target, color)
	a.mu.Unlock()

	if id == 0 && color != AnyColor {
		a.mu.Lock()
		id = a.allocLocked(target, AnyColor)
		a.mu.Unlock()
	}

	if id == 0 && a.reclaim != nil {
		if a.reclaim() {
			a.mu.Lock()
			id = a.allocLocked(target, AnyColor)
			a.mu.Unlock()
		}
	}

	if id == 0 {
		a.log.WithField("size", size).Error("pgalloc: out of memory")
		panic("pgalloc: out of memory")
	}

	return a.finishAlloc(id, clear, vaHint)
}

// AllocLoading behaves like Alloc(size, color, false, vaHint) but
// leaves the page's load state at "loading" instead of marking it
// resident, for a caller (the fault handler demand-loading a page from
// its backing channel) that must fill the page's content before any
// concurrent fault on the same address can see it. The caller must
// call MarkResident once the content is in place.
func (a *Arena) AllocLoading(size int, color Color, vaHint uintptr) PageID {
	id := a.Alloc(size, color, false, vaHint)
	a.page(id).MarkLoading()
	return id
}

// finishAlloc stamps a page handed out fresh from the global allocator or
// from a process's selfish cache with its new owner's virtual-address
// hint and residency, optionally zeroing its content.
func (a *Arena) finishAlloc(id PageID, clear bool, vaHint uintptr) PageID {
	p := a.page(id)
	p.VA = vaHint
	storeRef(&p.ref, 0)
	p.setResident()
	if clear {
		b := a.Bytes(id)
		for i := range b {
			b[i] = 0
		}
	}
	return id
}

// allocLocked runs the scan-then-split algorithm of spec.md §4.A step 1-2.
// Caller holds a.mu.
func (a *Arena) allocLocked(target int, color Color) PageID {
	for i := target; i >= 0; i-- {
		aid, pid := a.findFreeInClass(i, color)
		if aid == 0 {
			continue
		}
		for lvl := i; lvl < target; lvl++ {
			pid = a.splitDown(lvl, pid)
		}
		return pid
	}
	return 0
}

func (a *Arena) findFreeInClass(classIdx int, color Color) (AllocID, PageID) {
	c := a.class(classIdx)
	for cur := c.head; cur != 0; {
		al := a.alloc(cur)
		next := al.classNext
		if (color == AnyColor || al.color == color) && al.nfree > 0 {
			pid := a.popFree(al)
			al.used++
			a.classMoveToHead(classIdx, cur)
			return cur, pid
		}
		cur = next
	}
	return 0, 0
}

// splitDown takes a page at class[lvl] and returns a page at class[lvl+1],
// charging the split to the page's current owner (spec.md §4.A step 2).
func (a *Arena) splitDown(lvl int, id PageID) PageID {
	if a.allocKind(a.alloc(a.page(id).Owner)) == Bundle {
		return a.decomposeBundle(lvl, id)
	}
	return a.materializeChild(lvl, id)
}

// materializeChild carves a fresh Pgalloc of class[lvl+1] out of the page
// at class[lvl], keeping one resulting page and freeing the rest to the
// new child. This covers both EMBED and BUNDLE class creation: which one
// depends only on class[lvl+1].Kind, consulted by later splits/frees.
func (a *Arena) materializeChild(lvl int, id PageID) PageID {
	p := a.page(id)
	parent := a.alloc(p.Owner)
	parent.nsplit++

	childIdx := lvl + 1
	childClass := a.class(childIdx)
	ratio := a.class(lvl).Size / childClass.Size
	if ratio <= 0 {
		panic("pgalloc: misconfigured classes: child size does not divide parent size")
	}

	child := &Pgalloc{
		start:    p.PA,
		npg:      ratio,
		color:    parent.color,
		classIdx: childIdx,
		parent:   id,
	}
	cid := a.newAlloc(child)
	a.classPushMRU(childIdx, cid)

	var keep PageID
	for k := 0; k < ratio; k++ {
		pid := a.newPage(Page{
			PA:          p.PA + uintptr(k*childClass.Size),
			Log2Size:    childClass.Log2,
			Owner:       cid,
			BundleIndex: NotBundled,
		})
		if k == 0 {
			keep = pid
		} else {
			a.pushFree(child, pid)
		}
	}
	child.used++
	return keep
}

// decomposeBundle splits one frame of a BUNDLE allocator into its
// constituent class[lvl+1] pages, reserving them in the bundle's paired
// inner allocator (creating it on first use). Spec.md §4.A step 2.
func (a *Arena) decomposeBundle(lvl int, id PageID) PageID {
	p := a.page(id)
	bundle := a.alloc(p.Owner)
	bundle.nsplit++

	childIdx := lvl + 1
	childClass := a.class(childIdx)
	ratio := a.class(lvl).Size / childClass.Size
	if ratio <= 0 {
		panic("pgalloc: misconfigured classes: bundle size does not divide by inner size")
	}

	if bundle.bundleInner == 0 {
		inner := &Pgalloc{
			start:    bundle.start,
			color:    bundle.color,
			classIdx: childIdx,
			bundleOf: bundle.id,
		}
		iid := a.newAlloc(inner)
		a.classPushMRU(childIdx, iid)
		bundle.bundleInner = iid
	}
	inner := a.alloc(bundle.bundleInner)
	inner.npg += ratio
	inner.nbundle += ratio

	ids := make([]PageID, ratio)
	for k := 0; k < ratio; k++ {
		ids[k] = a.newPage(Page{
			PA:          p.PA + uintptr(k*childClass.Size),
			Log2Size:    childClass.Log2,
			Owner:       inner.id,
			BundleIndex: int32(k),
			BundleAlloc: bundle.id,
		})
	}
	first := ids[0]
	for k, pid := range ids {
		a.page(pid).BundleFirst = first
		if k == 0 {
			inner.used++
		} else {
			a.pushFree(inner, pid)
		}
	}
	return first
}
