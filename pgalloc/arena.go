// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import (
	"fmt"
	"sync"

	"github.com/cznic/mathutil"
	"github.com/sirupsen/logrus"
)

// SizeConfig describes one page-size class as supplied to New, largest
// first.
type SizeConfig struct {
	Size int
	Kind ClassKind
}

// ColorOracle reports the NUMA color of a physical address and the run
// length (in bytes) of memory sharing that color, starting at pa. It
// stands in for the external memcolor(physaddr) hardware topology query
// (spec.md §6).
type ColorOracle func(pa uintptr) (color int, runLength uintptr)

// Arena is the page-frame allocator singleton: one per kernel. Its zero
// value is not ready for use; construct with New.
type Arena struct {
	mu sync.Mutex // the single spinlock guarding class lists and free lists

	classes []Pgasz
	pages   []*Page // index 0 is the nil sentinel
	allocs  []*Pgalloc

	banks     [][]byte
	bankBase  []uintptr

	noColors  bool
	joinPages bool

	colorOf ColorOracle
	reclaim func() bool // external reclaimer, registered by the file cache

	log *logrus.Logger
}

// New validates sizes (largest first) and returns a ready Arena. No memory
// is reserved until Init is called.
func New(sizes []SizeConfig, opts ...Option) (*Arena, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("pgalloc: at least one size class is required")
	}
	classes := make([]Pgasz, len(sizes))
	sawNonPrealloc := false
	for i, sc := range sizes {
		if sc.Size <= 0 || sc.Size&(sc.Size-1) != 0 {
			return nil, fmt.Errorf("pgalloc: class %d size %d is not a positive power of two", i, sc.Size)
		}
		if i > 0 && sc.Size >= sizes[i-1].Size {
			return nil, fmt.Errorf("pgalloc: classes must be ordered strictly largest to smallest (class %d)", i)
		}
		if sc.Kind == Prealloc && sawNonPrealloc {
			return nil, fmt.Errorf("pgalloc: class %d: PREALLOC class cannot follow a non-PREALLOC class", i)
		}
		if sc.Kind != Prealloc {
			sawNonPrealloc = true
		}
		if sc.Kind == Bundle && i == len(sizes)-1 {
			return nil, fmt.Errorf("pgalloc: the smallest class cannot be BUNDLE")
		}
		if sc.Kind == Bundle && i > 0 && sizes[i-1].Kind == Bundle {
			return nil, fmt.Errorf("pgalloc: class %d: BUNDLE classes cannot be adjacent", i)
		}
		classes[i] = Pgasz{Size: sc.Size, Log2: uint8(mathutil.BitLen(sc.Size - 1)), Kind: sc.Kind}
	}

	a := &Arena{
		classes: classes,
		pages:   make([]*Page, 1, 1024),
		allocs:  make([]*Pgalloc, 1, 64),
		log:     logrus.New(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithColorOracle installs the NUMA-color query used during bank split at
// boot. Without one, all memory is treated as a single color.
func WithColorOracle(c ColorOracle) Option { return func(a *Arena) { a.colorOf = c } }

// WithLogger installs a structured logger; the default is a fresh
// logger from logrus.New().
func WithLogger(l *logrus.Logger) Option { return func(a *Arena) { a.log = l } }

// WithReclaimer registers the external reclaimer invoked when every class
// is exhausted at every color (spec.md §4.A step 3, §4.E). It should free
// some pages and report whether it made progress.
func WithReclaimer(fn func() bool) Option { return func(a *Arena) { a.reclaim = fn } }

// NoColors forces color = AnyColor for every allocation, matching the
// *nocolors boot flag.
func NoColors() Option { return func(a *Arena) { a.noColors = true } }

// JoinPages enables split/join reassembly on free, matching the
// *joinpages boot flag.
func JoinPages() Option { return func(a *Arena) { a.joinPages = true } }

// classOf reports the size class of the page currently holding id.
func (a *Arena) classOf(id PageID) int {
	p := a.page(id)
	return a.alloc(p.Owner).classIdx
}

func (a *Arena) class(idx int) *Pgasz { return &a.classes[idx] }

// PageAt returns the page metadata for id, or nil for the zero handle.
// Callers outside this package may read and write its exported fields
// (VA, in particular, for relocation) but must go through Arena.Alloc/
// Free/Copy/Bytes for anything touching allocator bookkeeping.
func (a *Arena) PageAt(id PageID) *Page { return a.page(id) }

func (a *Arena) page(id PageID) *Page {
	if id == 0 {
		return nil
	}
	return a.pages[id-1]
}

func (a *Arena) newPage(p Page) PageID {
	a.pages = append(a.pages, &p)
	return PageID(len(a.pages))
}

func (a *Arena) alloc(id AllocID) *Pgalloc {
	if id == 0 {
		return nil
	}
	return a.allocs[id-1]
}

func (a *Arena) newAlloc(al *Pgalloc) AllocID {
	a.allocs = append(a.allocs, al)
	id := AllocID(len(a.allocs))
	al.id = id
	return id
}

// Bytes returns the live content of a page as a byte slice backed by the
// Arena's memory bank. It is valid until the page is freed.
func (a *Arena) Bytes(id PageID) []byte {
	p := a.page(id)
	size := int(1) << p.Log2Size
	for i, base := range a.bankBase {
		bank := a.banks[i]
		if p.PA >= base && p.PA+uintptr(size) <= base+uintptr(len(bank)) {
			off := p.PA - base
			return bank[off : off+uintptr(size)]
		}
	}
	panic("pgalloc: page address does not belong to any memory bank")
}
