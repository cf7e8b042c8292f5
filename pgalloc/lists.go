// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

// Free-list management. The list is doubly linked through Page.freeNext/
// freePrev so a specific page can be unlinked in O(1) during bundle
// reassembly, without scanning. Caller holds a.mu.

func (a *Arena) pushFree(al *Pgalloc, id PageID) {
	p := a.page(id)
	p.inFree = true
	p.freePrev = 0
	p.freeNext = al.freeHead
	if al.freeHead != 0 {
		a.page(al.freeHead).freePrev = id
	}
	al.freeHead = id
	if al.freeTail == 0 {
		al.freeTail = id
	}
	al.nfree++
}

func (a *Arena) popFree(al *Pgalloc) PageID {
	id := al.freeHead
	if id == 0 {
		return 0
	}
	a.unlinkFree(al, id)
	return id
}

func (a *Arena) unlinkFree(al *Pgalloc, id PageID) {
	p := a.page(id)
	if !p.inFree {
		panic("pgalloc: page is not on a free list")
	}
	if p.freePrev != 0 {
		a.page(p.freePrev).freeNext = p.freeNext
	} else {
		al.freeHead = p.freeNext
	}
	if p.freeNext != 0 {
		a.page(p.freeNext).freePrev = p.freePrev
	} else {
		al.freeTail = p.freePrev
	}
	p.freeNext, p.freePrev = 0, 0
	p.inFree = false
	al.nfree--
}

// Class (MRU) list management, doubly linked through Pgalloc.classPrev/
// classNext. Caller holds a.mu.

func (a *Arena) classPushMRU(classIdx int, id AllocID) {
	c := a.class(classIdx)
	al := a.alloc(id)
	al.classPrev = 0
	al.classNext = c.head
	if c.head != 0 {
		a.alloc(c.head).classPrev = id
	}
	c.head = id
	if c.tail == 0 {
		c.tail = id
	}
}

func (a *Arena) classRemove(classIdx int, id AllocID) {
	c := a.class(classIdx)
	al := a.alloc(id)
	if al.classPrev != 0 {
		a.alloc(al.classPrev).classNext = al.classNext
	} else {
		c.head = al.classNext
	}
	if al.classNext != 0 {
		a.alloc(al.classNext).classPrev = al.classPrev
	} else {
		c.tail = al.classPrev
	}
	al.classPrev, al.classNext = 0, 0
}

func (a *Arena) classMoveToHead(classIdx int, id AllocID) {
	c := a.class(classIdx)
	if c.head == id {
		return
	}
	a.classRemove(classIdx, id)
	a.classPushMRU(classIdx, id)
}
