// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"sync"

	"github.com/fjballest/nixvm/pgalloc"
)

type entry struct {
	id    pgalloc.PageID
	flags Flags
}

// FakeMMU is an in-memory double of a hardware page-table walker. It
// satisfies MMU's idempotency and release guarantees without modeling
// any real architecture; Put optionally allocates one "PTP" page per
// process from arena on first use and frees it on Release, so the
// release-frees-PTPs invariant has something concrete to check.
type FakeMMU struct {
	arena *pgalloc.Arena // optional; nil means no PTP simulation

	mu    sync.Mutex
	procs map[ProcID]map[uintptr]entry
	ptps  map[ProcID]pgalloc.PageID
}

// NewFakeMMU creates a FakeMMU. If arena is non-nil, Put lazily
// allocates a PTP-root page per process from it, freed on Release.
func NewFakeMMU(arena *pgalloc.Arena) *FakeMMU {
	return &FakeMMU{
		arena: arena,
		procs: map[ProcID]map[uintptr]entry{},
		ptps:  map[ProcID]pgalloc.PageID{},
	}
}

func (m *FakeMMU) Put(proc ProcID, va uintptr, id pgalloc.PageID, flags Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.procs[proc]
	if !ok {
		tab = map[uintptr]entry{}
		m.procs[proc] = tab
		if m.arena != nil {
			if _, has := m.ptps[proc]; !has {
				m.ptps[proc] = m.arena.Alloc(1, pgalloc.AnyColor, true, 0)
			}
		}
	}
	tab[va] = entry{id: id, flags: flags}
}

func (m *FakeMMU) Walk(proc ProcID, va uintptr) (pgalloc.PageID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.procs[proc]
	if !ok {
		return 0, false
	}
	e, ok := tab[va]
	return e.id, ok
}

func (m *FakeMMU) Switch(proc ProcID) {}

func (m *FakeMMU) Release(proc ProcID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, proc)
	if m.arena != nil {
		if ptp, ok := m.ptps[proc]; ok {
			delete(m.ptps, proc)
			m.arena.Free(ptp)
		}
	}
}

func (m *FakeMMU) Flush() {}

func (m *FakeMMU) FlushPage(id pgalloc.PageID) {}
