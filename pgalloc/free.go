// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

// Free returns a page to its owning allocator. If the page is a bundle
// constituent and join_pages is enabled, Free first checks whether all
// siblings are now free and, if so, reassembles the outer frame and
// recurses on it. If join_pages is enabled and the owning allocator
// becomes entirely free and was itself created by a split, Free
// dismantles it and recurses on its parent page, cascading join all the
// way back up. Spec.md §4.A "Free
// algorithm".
func (a *Arena) Free(id PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(id)
}

func (a *Arena) freeLocked(id PageID) {
	p := a.page(id)
	al := a.alloc(p.Owner)

	a.pushFree(al, id)
	al.used--
	p.VA = 0
	storeRef(&p.ref, 0)

	if p.BundleIndex != NotBundled && a.joinPages {
		if a.tryReassembleBundle(al, p) {
			return
		}
	}
	if a.joinPages {
		a.maybeDismantle(al)
	}
}

// tryReassembleBundle checks whether every constituent of the bundle
// frame that owns p is now free; if so it unlinks them from the inner
// allocator, reassembles the outer frame, and frees it back to the
// bundle allocator (which may itself cascade via maybeDismantle).
func (a *Arena) tryReassembleBundle(inner *Pgalloc, p *Page) bool {
	bundle := a.alloc(p.BundleAlloc)
	ratio := a.class(bundle.classIdx).Size / a.class(inner.classIdx).Size
	first := p.BundleFirst

	for k := 0; k < ratio; k++ {
		sib := a.page(first + PageID(k))
		if sib == nil || !sib.inFree {
			return false
		}
	}

	for k := 0; k < ratio; k++ {
		a.unlinkFree(inner, first+PageID(k))
	}
	inner.npg -= ratio
	inner.nbundle -= ratio

	bundle.used--
	outer := a.newPage(Page{
		PA:          a.page(first).PA,
		Log2Size:    a.classes[bundle.classIdx].Log2,
		Owner:       bundle.id,
		BundleIndex: NotBundled,
	})
	a.pushFree(bundle, outer)
	a.maybeDismantle(bundle)
	return true
}

// maybeDismantle retires al when it was created by a split (al.parent !=
// 0) and every one of its pages is now free. The parent page is freed
// back to its own owner, which may itself become fully free and cascade
// further up. Spec.md §4.A "Free algorithm" step 2.
func (a *Arena) maybeDismantle(al *Pgalloc) {
	if al.parent == 0 {
		return
	}
	if al.nfree != al.npg {
		return
	}

	a.classRemove(al.classIdx, al.id)
	if al.bundleInner != 0 {
		inner := a.alloc(al.bundleInner)
		a.classRemove(inner.classIdx, inner.id)
	}

	parent := al.parent
	al.parent = 0
	a.freeLocked(parent)
}
