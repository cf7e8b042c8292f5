// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/ptemap"
)

// SegMaxSize bounds a single segment's virtual extent (spec.md §3
// "top - base <= SEGMAXSIZE").
const SegMaxSize = 1 << 40

// Store is the segment-store singleton: the two recycling free lists
// (spec.md §4.C "Segment lifecycle") and the shared text-segment cache.
// One Store serves an entire kernel; it owns no segments of its own,
// only the pools segments pass through between processes.
type Store struct {
	arena *pgalloc.Arena
	mmu   mmu.MMU
	log   *logrus.Logger

	poolMu    sync.Mutex
	stackFree []*Segment
	otherFree []*Segment

	text *textCache

	noPageShare bool
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger installs a structured logger; the default is a fresh
// logger from logrus.New().
func WithLogger(l *logrus.Logger) Option { return func(s *Store) { s.log = l } }

// WithTextCacheSize overrides SCACHESIZE, the shared text-segment
// cache's capacity (spec.md §4.C).
func WithTextCacheSize(n int) Option {
	return func(s *Store) { s.text.resize(n) }
}

// NoPageShare disables copy-on-reference fork entirely: every DATA fork
// deep-copies immediately instead of sharing pages until the first write,
// matching the *nopageshare boot flag.
func NoPageShare() Option { return func(s *Store) { s.noPageShare = true } }

// NewStore creates a segment store backed by arena for page allocation
// and m for MMU installs.
func NewStore(arena *pgalloc.Arena, m mmu.MMU, opts ...Option) *Store {
	st := &Store{arena: arena, mmu: m, log: logrus.New()}
	st.text = newTextCache(st, defaultSCacheSize)
	for _, o := range opts {
		o(st)
	}
	return st
}

// alloc pops a reusable Segment struct from the right pool, or
// allocates a fresh one if the pool is empty.
func (st *Store) alloc(typ Type) *Segment {
	st.poolMu.Lock()
	defer st.poolMu.Unlock()

	pool := &st.otherFree
	if typ == Stack {
		pool = &st.stackFree
	}
	n := len(*pool)
	if n == 0 {
		return &Segment{}
	}
	seg := (*pool)[n-1]
	(*pool)[n-1] = nil
	*pool = (*pool)[:n-1]
	return seg
}

// recycle returns a fully torn-down Segment struct to its pool. Stack
// segments keep their page map (and its mapped pages) together with the
// base, top and page size that map is indexed against; everything else
// has already had its pages freed by the caller.
func (st *Store) recycle(seg *Segment) {
	base, top, log2 := seg.base, seg.top, seg.pageLog2
	*seg = Segment{typ: seg.typ, pmap: seg.recyclePmap()}
	if seg.typ == Stack {
		seg.base, seg.top, seg.pageLog2 = base, top, log2
	}
	st.poolMu.Lock()
	defer st.poolMu.Unlock()
	if seg.typ == Stack {
		st.stackFree = append(st.stackFree, seg)
	} else {
		st.otherFree = append(st.otherFree, seg)
	}
}

// recyclePmap returns the page map a Stack segment should keep across
// recycling (nil for everything else, so the next user starts fresh).
func (s *Segment) recyclePmap() *ptemap.Map {
	if s.typ == Stack {
		return s.pmap
	}
	return nil
}

// freePages drops every page the segment's map holds, returning each to
// the arena (or the segment's PageFreer, for a PHYSICAL segment) once
// its reference count reaches zero.
func (st *Store) freePages(seg *Segment) {
	seg.pmap.Each(seg.base, func(va uintptr, id pgalloc.PageID) {
		p := st.arena.PageAt(id)
		if p.DecRef() > 0 {
			return
		}
		if seg.freer != nil {
			seg.freer.FreePage(id)
			return
		}
		st.arena.Free(id)
	})
}
