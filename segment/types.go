// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package segment implements the per-process virtual-address-space
// abstraction: segment creation, fork/copy-on-reference, stack
// recycling, mass unmap, and the shared text-segment cache (spec.md
// §4.C).
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/ptemap"
)

// Type is a segment's kind.
type Type uint8

const (
	Free Type = iota
	Text
	Data
	Stack
	Shared
	Physical
)

func (t Type) String() string {
	switch t {
	case Text:
		return "TEXT"
	case Data:
		return "DATA"
	case Stack:
		return "STACK"
	case Shared:
		return "SHARED"
	case Physical:
		return "PHYSICAL"
	default:
		return "FREE"
	}
}

// Flags are per-segment behavior bits.
type Flags uint8

const (
	RONLY Flags = 1 << iota
	CEXEC
	CACHE
)

// PageProducer supplies pages for a PHYSICAL segment in place of the
// default allocator (spec.md §4.C "Physical segments").
type PageProducer interface {
	Produce(off uintptr) pgalloc.PageID
}

// PageFreer frees a page produced by a PageProducer in place of the
// allocator's ordinary Free.
type PageFreer interface {
	FreePage(id pgalloc.PageID)
}

// Segment is a half-open virtual range [Base, Top) on a single page
// size, per spec.md §3. Its page map is sparse, walked via
// segment.Walk; ownership of the lock is the caller's (mu is exported
// only through Lock/Unlock so every mutation site is visible as
// holding it).
type Segment struct {
	mu sync.Mutex

	typ   Type
	flags Flags
	base  uintptr
	top   uintptr

	pageLog2 uint8
	pmap     *ptemap.Map

	ref int32 // atomic

	// Demand-load / copy-on-reference provenance.
	src    *Segment // non-owning: reclaim must not free through this edge
	ch     external.Channel
	fstart int64
	flen   int64 // known file length; 0 if not backed by a channel

	color pgalloc.Color

	// PHYSICAL segment page production.
	producer PageProducer
	freer    PageFreer

	// Cache bookkeeping, meaningful for CACHE segments (spec.md §4.E).
	clength int64 // known EOF, updated on short read
	cbytes  int64 // bytes currently cached

	// Text-cache membership. cacheUsed is the CLOCK "used" bit;
	// cacheKey identifies the segment in the text/file cache keyed
	// map it belongs to, if any.
	cacheUsed int32 // atomic
	cacheKey  cacheKey
	cached    bool

	// onFree lets a PHYSICAL segment or a cache entry hook final
	// teardown (releasing its channel's back-edge under the cache
	// lock, for instance) without the segment package depending on
	// its owners.
	onFree func(*Segment)
}

type cacheKey struct {
	dev  uint32
	path uint64
	typ  uint8
}

func keyOf(ch external.Channel) cacheKey {
	q := ch.Qid()
	return cacheKey{dev: ch.Dev(), path: q.Path, typ: q.Type}
}

// Lock acquires the segment's qlock.
func (s *Segment) Lock() { s.mu.Lock() }

// Unlock releases the segment's qlock.
func (s *Segment) Unlock() { s.mu.Unlock() }

// Type, SegFlags, Base, Top, PageSize and the accessors below read
// their fields without the lock. Base and Top change via RelocateSeg
// and Brk, and PromoteToText changes the type and flags; the caller
// serializes those changes itself.
func (s *Segment) Type() Type           { return s.typ }
func (s *Segment) SegFlags() Flags      { return s.flags }
func (s *Segment) Base() uintptr        { return s.base }
func (s *Segment) Top() uintptr         { return s.top }
func (s *Segment) PageLog2() uint8      { return s.pageLog2 }
func (s *Segment) PageSize() uintptr    { return 1 << s.pageLog2 }
func (s *Segment) Color() pgalloc.Color { return s.color }
func (s *Segment) Channel() external.Channel { return s.ch }
func (s *Segment) FileStart() int64     { return s.fstart }
func (s *Segment) FileLen() int64       { return s.flen }
func (s *Segment) Source() *Segment     { return s.src }

// SetPhysical installs the page producer/freer pair a PHYSICAL
// segment uses instead of the arena; it leaves the segment's flags as
// they are. Callers set this once, right after NewSeg,
// before the segment is attached to any process.
func (s *Segment) SetPhysical(p PageProducer, f PageFreer) {
	s.producer = p
	s.freer = f
}

// Producer returns the PHYSICAL segment's page producer, or nil for
// any other segment type.
func (s *Segment) Producer() PageProducer { return s.producer }

// MarkCache sets the CACHE flag on a DATA segment being used as a
// file-cache entry (spec.md §4.E).
func (s *Segment) MarkCache() { s.flags |= CACHE }

// CacheLen reports the backing channel's known length, as observed
// from a short read; 0 means no short read has been seen yet.
func (s *Segment) CacheLen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clength
}

// ObserveEOF records n as a firm bound on the backing channel's
// length, called whenever a read into this segment's pages returns
// fewer bytes than requested.
func (s *Segment) ObserveEOF(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clength == 0 || n < s.clength {
		s.clength = n
	}
}

// CacheBytes reports how many bytes of content are currently resident
// for this cache entry, for the reclaimer's byte budget.
func (s *Segment) CacheBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cbytes
}

// AddCacheBytes adjusts the resident-byte count as pages are loaded
// into or dropped from the cache. Callers must not hold the segment
// lock when calling this.
func (s *Segment) AddCacheBytes(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbytes += delta
}

// PeekPage resolves va against this segment's own map without the
// caller needing to hold its lock: used by the fault handler to check
// whether a copy-on-reference source already has a page resident at
// the address a dependent segment just faulted on.
func (s *Segment) PeekPage(va uintptr) pgalloc.PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pmap.Walk(s.base, va, false).Get()
}

// Ref returns the current reference count.
func (s *Segment) Ref() int32 { return atomic.LoadInt32(&s.ref) }

// IncRef bumps the reference count and returns the new value. Callers
// normally hold the segment lock, but IncRef is atomic so racy callers
// (the text-cache hit path bumps ref before taking the segment lock)
// are still correct.
func (s *Segment) IncRef() int32 { return atomic.AddInt32(&s.ref, 1) }

// Walk resolves the page-table slot for a virtual address inside this
// segment. The caller must hold the segment lock.
func (s *Segment) Walk(va uintptr, alloc bool) ptemap.Slot {
	return s.pmap.Walk(s.base, va, alloc)
}

// markUsed marks the segment as recently touched, for the cache's
// second-chance reclamation pass.
func (s *Segment) markUsed() { atomic.StoreInt32(&s.cacheUsed, 1) }
