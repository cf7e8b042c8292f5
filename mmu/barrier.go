// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import "sync"

// FlushBarrier coordinates the cross-CPU TLB invalidation spec.md §5
// requires before a mass-unmapped or write-shared page can safely enter
// a free list: set a flag on every CPU whose current process
// references the segment, then spin until every flag clears. In this
// emulation one ProcID stands in for "the CPU currently running it";
// a real per-CPU implementation would key on CPU number instead.
type FlushBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[ProcID]bool
}

// NewFlushBarrier creates an idle barrier.
func NewFlushBarrier() *FlushBarrier {
	b := &FlushBarrier{pending: map[ProcID]bool{}}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Request raises the flush flag for every proc in procs and returns
// once all of them have been observed to clear it. Callers must not
// free the page(s) being invalidated until Request returns.
func (b *FlushBarrier) Request(procs []ProcID) {
	b.mu.Lock()
	for _, p := range procs {
		b.pending[p] = true
	}
	for b.anyPending(procs) {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

func (b *FlushBarrier) anyPending(procs []ProcID) bool {
	for _, p := range procs {
		if b.pending[p] {
			return true
		}
	}
	return false
}

// Ack clears proc's pending flush flag, as if its CPU had taken a clock
// interrupt after a context switch and noticed the flag. Tests and the
// scheduler's clock-tick handler call this.
func (b *FlushBarrier) Ack(proc ProcID) {
	b.mu.Lock()
	delete(b.pending, proc)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Pending reports whether proc currently has its flush flag set.
func (b *FlushBarrier) Pending(proc ProcID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[proc]
}
