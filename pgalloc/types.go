// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import "sync"

// PageID is a handle into the Arena's page table. The zero value names no
// page. Handles replace the teacher's (and the original kernel's) raw
// pointer-chasing free lists so ownership stays checkable without unsafe
// pointer punning.
type PageID uint32

// AllocID is a handle into the Arena's allocator table. The zero value
// names no allocator.
type AllocID uint32

// Color is a NUMA/locality bucket. AnyColor matches any allocator.
type Color int32

// AnyColor means "any color will do" for an allocation request.
const AnyColor Color = -1

// NotBundled marks a page that is not a constituent of a bundled frame.
const NotBundled int32 = -1

// ClassKind is the provenance of a Pgasz's allocators.
type ClassKind uint8

const (
	// Prealloc allocators are carved from a memory bank at boot.
	Prealloc ClassKind = iota
	// Embed allocators are born inside a page split off a larger class;
	// their control structures are ordinary heap values, not embedded
	// in the page's bytes as in the C original.
	Embed
	// Bundle allocators sit atop a smaller allocator: each of their
	// frames is a contiguous run of smaller pages reserved, not owned.
	Bundle
)

func (k ClassKind) String() string {
	switch k {
	case Prealloc:
		return "PREALLOC"
	case Embed:
		return "EMBED"
	case Bundle:
		return "BUNDLE"
	default:
		return "?"
	}
}

// Page is the metadata for one physical frame. Its content bytes live in
// the Arena's backing store, addressed by PA; Page itself never holds a
// []byte, so copying a Page value copies only bookkeeping.
type Page struct {
	PA       uintptr // physical address, aligned to 1<<Log2Size
	Log2Size uint8
	VA       uintptr // virtual address hint; 0 when not yet placed
	Owner    AllocID // allocator this frame belongs to

	ref       int32 // atomic: reference count
	loadState int32 // atomic: 0 = I/O in flight, 1 = resident

	// Bundle provenance. BundleIndex is NotBundled unless this page is
	// one of the constituents a BUNDLE frame was decomposed into.
	BundleIndex int32
	BundleFirst PageID  // first sibling's handle, siblings are BundleFirst..BundleFirst+N-1
	BundleAlloc AllocID // the BUNDLE allocator to free the reassembled frame to

	inFree   bool
	freeNext PageID
	freePrev PageID
	mmuNext  PageID

	mu sync.Mutex // turnstile: serializes page-in for this frame
}

// Ref returns the current reference count.
func (p *Page) Ref() int32 { return loadRef(&p.ref) }

// LoadState reports whether the page's content has finished loading.
func (p *Page) LoadState() int32 { return loadRef(&p.loadState) }

// Lock acquires the page's turnstile, serializing concurrent page-in.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases the page's turnstile.
func (p *Page) Unlock() { p.mu.Unlock() }

// Pgasz is one configured page-size class.
type Pgasz struct {
	Size int
	Log2 uint8
	Kind ClassKind

	head, tail AllocID // MRU-ordered list of this class's allocators
}

// Pgalloc is one allocator: a contiguous run of same-size, same-color
// pages, or (for a BUNDLE class) a reservation layer atop a smaller
// allocator.
type Pgalloc struct {
	id       AllocID
	start    uintptr
	npg      int
	nfree    int
	color    Color
	classIdx int

	parent PageID // page this allocator was carved from by a split; 0 = none (top-level)

	// Bundle pairing: exactly one of these is set at a time, mirroring
	// which side of the "built upon" relationship this allocator is on.
	bundleOf    AllocID // set on the smaller allocator: the BUNDLE allocator built upon it
	bundleInner AllocID // set on a BUNDLE allocator: the smaller allocator it reserves from

	freeHead, freeTail PageID

	classPrev, classNext AllocID

	used    int // pages currently in use by a segment/caller
	nsplit  int // pages this allocator gave up by being split
	nbundle int // pages of this allocator currently reserved by a bundle layer
}

// Used, NFree, NPages expose read-only accounting for tests and summaries.
func (a *Pgalloc) Used() int    { return a.used }
func (a *Pgalloc) NFree() int   { return a.nfree }
func (a *Pgalloc) NPages() int  { return a.npg }
func (a *Pgalloc) NSplit() int  { return a.nsplit }
func (a *Pgalloc) Color() Color { return a.color }
func (a *Pgalloc) Start() uintptr { return a.start }
