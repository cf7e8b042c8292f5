// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fault implements the page-fault entry point: given a
// segment and the virtual address that faulted, it resolves a
// translation and installs it, demand-loading from the segment's
// backing channel or sharing from a copy-on-reference source as
// needed (spec.md §4.D).
package fault

import (
	"context"
	"errors"
	"io"

	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/segment"
	"github.com/fjballest/nixvm/vmerr"
)

// Handler resolves faults against one arena and MMU. One Handler
// serves an entire kernel; it holds no per-process state.
type Handler struct {
	Arena *pgalloc.Arena
	MMU   mmu.MMU
}

// New creates a fault handler over the given arena and MMU.
func New(a *pgalloc.Arena, m mmu.MMU) *Handler {
	return &Handler{Arena: a, MMU: m}
}

// Fault resolves a fault at va inside seg, on behalf of proc, and
// installs a translation before returning nil. write distinguishes a
// write fault, which may trigger copy-on-write duplication, from a
// read fault. ctx bounds only the wait for a page-in already in
// flight on another goroutine; once Fault starts its own I/O it runs
// to completion or failure, uninterrupted.
//
// Dispatch follows the segment's type (spec.md §4.D):
//
//	TEXT              demand-load from Channel(), read-only, shared
//	DATA, SHARED       demand-load or copy-on-reference, read-write
//	STACK              anonymous (zero-fill), read-write
//	PHYSICAL           Producer()-supplied frame, installed uncached
func (h *Handler) Fault(ctx context.Context, proc mmu.ProcID, seg *segment.Segment, va uintptr, write bool) error {
	if write && seg.SegFlags()&segment.RONLY != 0 {
		return vmerr.Eprotect
	}
	if seg.Type() == segment.Physical {
		return h.faultPhysical(proc, seg, va)
	}
	return h.faultPaged(ctx, proc, seg, va, write)
}

func (h *Handler) faultPhysical(proc mmu.ProcID, seg *segment.Segment, va uintptr) error {
	seg.Lock()
	slot := seg.Walk(va, true)
	id := slot.Get()
	if id == 0 {
		prod := seg.Producer()
		if prod == nil {
			seg.Unlock()
			return vmerr.Ebadarg
		}
		id = prod.Produce(va - seg.Base())
		h.Arena.PageAt(id).IncRef()
		slot.Set(id)
	}
	seg.Unlock()
	h.MMU.Put(proc, va, id, mmu.Uncached)
	return nil
}

func (h *Handler) faultPaged(ctx context.Context, proc mmu.ProcID, seg *segment.Segment, va uintptr, write bool) error {
	for {
		seg.Lock()
		slot := seg.Walk(va, true)
		id := slot.Get()

		if id != 0 {
			p := h.Arena.PageAt(id)
			if p.LoadState() == 0 {
				// Another fault is already loading this frame.
				seg.Unlock()
				if err := h.waitResident(ctx, p); err != nil {
					return err
				}
				continue
			}
			if write && p.Ref() > 1 {
				newID := h.copyOnWrite(seg, va, id)
				slot.Set(newID)
				id = newID
			}
			seg.Unlock()
			h.MMU.Put(proc, va, id, h.installFlags(seg))
			return nil
		}

		// Absent. A copy-on-reference source that already resolved
		// this address lets us share its page instead of reloading.
		if src := seg.Source(); src != nil {
			if shared := src.PeekPage(va); shared != 0 {
				h.Arena.PageAt(shared).IncRef()
				slot.Set(shared)
				seg.Unlock()
				h.MMU.Put(proc, va, shared, mmu.RO)
				return nil
			}
		}

		id = h.Arena.AllocLoading(int(seg.PageSize()), seg.Color(), va)
		p := h.Arena.PageAt(id)
		p.IncRef() // this segment's mapping is now the page's one owner
		slot.Set(id)
		p.Lock()
		seg.Unlock()

		err := h.load(seg, va, id)
		p.MarkResident()
		p.Unlock()
		if err != nil {
			return err
		}

		h.MMU.Put(proc, va, id, h.installFlags(seg))
		return nil
	}
}

func (h *Handler) installFlags(seg *segment.Segment) mmu.Flags {
	if seg.SegFlags()&segment.RONLY != 0 {
		return mmu.RO
	}
	return mmu.RW
}

// waitResident blocks until p's turnstile is free (its load has
// finished one way or another) or ctx is done, whichever comes first.
func (h *Handler) waitResident(ctx context.Context, p *pgalloc.Page) error {
	done := make(chan struct{})
	go func() {
		p.Lock()
		p.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return vmerr.Eintr
	}
}

// copyOnWrite duplicates a shared page so the faulting write lands on
// a private copy; the original page's reference count only drops,
// never to zero, since the caller already observed it above 1.
func (h *Handler) copyOnWrite(seg *segment.Segment, va uintptr, id pgalloc.PageID) pgalloc.PageID {
	newID := h.Arena.Alloc(int(seg.PageSize()), seg.Color(), false, va)
	copy(h.Arena.Bytes(newID), h.Arena.Bytes(id))
	h.Arena.PageAt(newID).IncRef()
	h.Arena.PageAt(id).DecRef()
	return newID
}

// load fills a freshly allocated page's content from seg's backing
// channel, or zero-fills it for an anonymous segment. A short read
// (the tail of a file's last page) is zero-padded rather than treated
// as an error, matching an ordinary demand-paged executable's last
// page. The read loops to fill buf (readn semantics: one Read call may
// return less than asked for) and retries on Eintr rather than failing
// the fault.
func (h *Handler) load(seg *segment.Segment, va uintptr, id pgalloc.PageID) error {
	buf := h.Arena.Bytes(id)
	ch := seg.Channel()
	if ch == nil {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	off := seg.FileStart() + int64(va-seg.Base())

	var tot int
	for tot < len(buf) {
		n, err := ch.Read(buf[tot:], off+int64(tot))
		tot += n
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, vmerr.Eintr) {
				continue
			}
			return vmerr.Eioload
		}
		if n == 0 {
			break
		}
	}
	for i := tot; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}
