// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/ptemap"
)

// defaultSCacheSize is SCACHESIZE, the shared text-segment cache's
// default capacity (spec.md §4.C).
const defaultSCacheSize = 256

// textCache is the hash+LRU over all cached TEXT segments, keyed by
// (dev, qid.path, qid.type). Lookups race construction through
// singleflight, matching "speculatively construct, release the lock,
// race the lookup again; the loser discards its construction."
// Reclamation is second-chance over the LRU's recency order rather
// than the library's own automatic eviction, so a pinned (ref>1)
// segment is never evicted out from under a live attach.
type textCache struct {
	store *Store

	mu    sync.Mutex
	size  int // SCACHESIZE: entry count at which a miss runs reclaimLocked
	cache *lru.Cache[cacheKey, *Segment]
	group singleflight.Group
}

func newTextCache(store *Store, size int) *textCache {
	tc := &textCache{store: store, size: size}
	// Sized with headroom: eviction is driven by reclaimLocked's
	// second-chance pass, not the library's own LRU-order eviction: a
	// pinned (ref>1) segment must never be evicted out from under a
	// live attach just because it is the library's least-recent entry.
	c, _ := lru.NewWithEvict[cacheKey, *Segment](size*4, tc.onEvict)
	tc.cache = c
	return tc
}

// onEvict runs whenever a segment leaves the cache map, whether via
// reclaimLocked's explicit Remove or Purge. It drops the cache's own
// reference, routing teardown through the ordinary PutSeg path.
func (tc *textCache) onEvict(key cacheKey, seg *Segment) {
	seg.cached = false
	tc.store.PutSeg(seg)
}

func (tc *textCache) resize(n int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cache.Purge()
	tc.size = n
	c, _ := lru.NewWithEvict[cacheKey, *Segment](n*4, tc.onEvict)
	tc.cache = c
}

// lookupOrCreate implements the TEXT-segment cache lookup of spec.md
// §4.C: on hit, bump the LRU and return an additional reference; on
// miss, construct under singleflight so concurrent opens of the same
// file share one construction.
func (tc *textCache) lookupOrCreate(st *Store, base, top uintptr, ch external.Channel, pageLog2 uint8) (*Segment, error) {
	key := keyOf(ch)

	tc.mu.Lock()
	if seg, ok := tc.cache.Get(key); ok {
		seg.markUsed()
		seg.IncRef()
		tc.mu.Unlock()
		return seg, nil
	}
	tc.mu.Unlock()

	ran := false
	v, err, _ := tc.group.Do(keyStr(key), func() (any, error) {
		ran = true
		tc.mu.Lock()
		if seg, ok := tc.cache.Get(key); ok {
			seg.markUsed()
			seg.IncRef()
			tc.mu.Unlock()
			return seg, nil
		}
		tc.mu.Unlock()

		seg := st.alloc(Text)
		seg.typ = Text
		seg.base, seg.top = base, top
		seg.pageLog2 = pageLog2
		seg.ch = ch
		seg.flags = RONLY | CEXEC
		seg.ref = 1
		seg.color = pgalloc.AnyColor
		seg.pmap = ptemap.NewMap(pageLog2)
		seg.cached = true
		seg.cacheKey = key

		tc.mu.Lock()
		if existing, ok := tc.cache.Get(key); ok {
			// Another goroutine won the race between our first Get and
			// singleflight.Do; discard our construction.
			existing.markUsed()
			existing.IncRef()
			tc.mu.Unlock()
			return existing, nil
		}
		if tc.cache.Len() >= tc.size {
			tc.reclaimLocked()
		}
		tc.cache.Add(key, seg)
		tc.mu.Unlock()
		return seg, nil
	})
	if err != nil {
		return nil, err
	}
	seg := v.(*Segment)
	if !ran {
		// This caller joined another caller's in-flight Do, whose
		// reference is that caller's own: take one for this caller too.
		seg.IncRef()
	}
	return seg, nil
}

// reclaimLocked runs one CLOCK pass over the cache: a segment whose
// used bit is set gets a second chance (bit cleared, skipped); the
// first segment found with used==0 and ref==1 is evicted. Caller holds
// tc.mu.
func (tc *textCache) reclaimLocked() {
	keys := tc.cache.Keys()
	for _, k := range keys {
		seg, ok := tc.cache.Peek(k)
		if !ok {
			continue
		}
		if atomic.CompareAndSwapInt32(&seg.cacheUsed, 1, 0) {
			continue
		}
		if seg.Ref() == 1 {
			tc.cache.Remove(k) // onEvict runs synchronously, tearing seg down
			return
		}
	}
}

// keyStr gives singleflight a comparable string key; cacheKey is
// already comparable but singleflight.Group requires a string.
func keyStr(k cacheKey) string {
	var b [24]byte
	putU32(b[0:4], k.dev)
	putU64(b[4:12], k.path)
	b[12] = k.typ
	return string(b[:])
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
