// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import "sync"

// Selfish is a per-process cache of free pages at one size class and
// color, consulted before the shared arena on Alloc and topped up
// opportunistically on Free. It is guarded by a try-lock rather than a
// blocking mutex: a process racing its own cache maintenance against
// another CPU running the same process falls straight through to the
// shared arena instead of waiting. Spec.md §4.A "Per-process cache".
type Selfish struct {
	mu    sync.Mutex
	arena *Arena

	size  int
	color Color
	cap   int

	free []PageID
}

// NewSelfish creates a process-local cache for pages of at least size
// bytes, holding up to capacity pages before Put starts spilling to the
// shared arena.
func NewSelfish(a *Arena, size int, color Color, capacity int) *Selfish {
	return &Selfish{arena: a, size: size, color: color, cap: capacity}
}

// Get satisfies the request from the local cache when possible, falling
// back to the shared arena's Alloc otherwise.
func (s *Selfish) Get(clear bool, vaHint uintptr) PageID {
	if id, ok := s.take(); ok {
		return s.arena.finishAlloc(id, clear, vaHint)
	}
	return s.arena.Alloc(s.size, s.color, clear, vaHint)
}

// Put tries to stash id in the local cache; if the cache is full, busy,
// or the page is the wrong size, it is returned to the shared arena.
func (s *Selfish) Put(id PageID) {
	if s.arena.classOf(id) != s.arena.targetClass(s.size) {
		s.arena.Free(id)
		return
	}
	if s.give(id) {
		return
	}
	s.arena.Free(id)
}

// Drain empties the local cache back into the shared arena. Callers use
// this at process exit, when the cache's color no longer matches the
// running CPU, or when the shared allocator needs to reclaim memory.
func (s *Selfish) Drain() {
	s.mu.Lock()
	ids := s.free
	s.free = nil
	s.mu.Unlock()

	for _, id := range ids {
		s.arena.Free(id)
	}
}

func (s *Selfish) take() (PageID, bool) {
	if !s.mu.TryLock() {
		return 0, false
	}
	defer s.mu.Unlock()
	n := len(s.free)
	if n == 0 {
		return 0, false
	}
	id := s.free[n-1]
	s.free = s.free[:n-1]
	return id, true
}

func (s *Selfish) give(id PageID) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if len(s.free) >= s.cap {
		return false
	}
	s.free = append(s.free, id)
	return true
}
