// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filecache implements the file-content page cache: one
// DATA|CACHE segment per open file, keyed by (device, qid.path,
// qid.type), demand-loaded a page at a time through an external
// RPC pipeline and topped up by a bounded read-ahead worker pool.
// Spec.md §4.E.
package filecache

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/segment"
)

const (
	// DefaultMaxFiles is NFILES, the cache-entry count past which open
	// tries to reclaim before growing further.
	DefaultMaxFiles = 512
	// DefaultMaxBytes is NBYTES, the resident-byte budget past which
	// open tries to reclaim before growing further.
	DefaultMaxBytes = 256 << 20

	nrprocs       = 4 // read-ahead worker pool cap
	idleTimeout   = 5 * time.Second
	cachePageLog2 = 12
)

type key struct {
	dev  uint32
	path uint64
	typ  uint8
}

func keyOf(ch external.Channel) key {
	q := ch.Qid()
	return key{dev: ch.Dev(), path: q.Path, typ: q.Type}
}

// entry is one cached file's segment plus the qid.vers observed the
// last time its content was known fresh: a jump in vers means some
// other writer touched the channel, so the cached pages are stale
// (spec.md §4.E cache coherence).
type entry struct {
	seg  *segment.Segment
	vers uint32
}

// Cache is the file-content page cache singleton.
type Cache struct {
	store    *segment.Store
	arena    *pgalloc.Arena
	pipeline external.Pipeline

	maxFiles int
	maxBytes int64
	noCache  bool
	noLater  bool

	mu        sync.Mutex
	reclaimMu sync.Mutex
	entries   map[key]*entry

	ra *readAhead
	wg errgroup.Group
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLimits overrides NFILES/NBYTES.
func WithLimits(maxFiles int, maxBytes int64) Option {
	return func(c *Cache) { c.maxFiles, c.maxBytes = maxFiles, maxBytes }
}

// WithNoCache disables retention: every open builds a fresh segment
// that is never stored in the entries map, so nothing survives past
// the call that created it, matching the *nocache boot flag.
func WithNoCache() Option {
	return func(c *Cache) { c.noCache = true }
}

// WithNoLater disables read-ahead: Read never touches the read-ahead
// queue, matching the *nolater boot flag.
func WithNoLater() Option {
	return func(c *Cache) { c.noLater = true }
}

// New creates a file cache backed by store for segment bookkeeping,
// arena for page allocation, and pipeline for the RPCs that actually
// move bytes to and from the backing channel.
func New(store *segment.Store, arena *pgalloc.Arena, pipeline external.Pipeline, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		arena:    arena,
		pipeline: pipeline,
		maxFiles: DefaultMaxFiles,
		maxBytes: DefaultMaxBytes,
		entries:  map[key]*entry{},
	}
	for _, o := range opts {
		o(c)
	}
	c.ra = newReadAhead(c, nrprocs, idleTimeout)
	external.AddSummary("filecache", c.summary)
	return c
}

// Close waits for every in-flight read-ahead worker to exit, for a
// clean shutdown in tests and cmd/testpage.
func (c *Cache) Close() error { return c.wg.Wait() }

func (c *Cache) summary() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{"nseg": len(c.entries), "nbytes": c.totalBytesLocked()}
}

// totalBytesLocked sums resident bytes across every entry. Callers must
// hold c.mu. Summing on demand keeps reclaim's budget check honest
// without a running counter that could drift out of sync with the
// segments' own AddCacheBytes bookkeeping.
func (c *Cache) totalBytesLocked() int64 {
	var n int64
	for _, e := range c.entries {
		n += e.seg.CacheBytes()
	}
	return n
}

// open returns the cache segment for ch, creating it on first use.
// The caller owns the returned reference and must PutSeg it.
func (c *Cache) open(ch external.Channel) (*segment.Segment, error) {
	if c.noCache {
		seg, err := c.store.NewSeg(segment.Data, 0, segment.SegMaxSize, ch, cachePageLog2)
		if err != nil {
			return nil, err
		}
		seg.MarkCache()
		return seg, nil
	}

	k := keyOf(ch)
	vers := ch.Qid().Vers

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		if e.vers != vers {
			// Some other writer touched the channel since this entry
			// was last known fresh: drop its pages so every access
			// after this one re-fetches (spec.md §4.E, boundary
			// scenario "cache invalidation on version change").
			c.store.ClearSeg(e.seg)
			e.vers = vers
		}
		e.seg.IncRef()
		c.mu.Unlock()
		return e.seg, nil
	}
	full := len(c.entries) >= c.maxFiles || c.totalBytesLocked() >= c.maxBytes
	c.mu.Unlock()

	if full {
		c.tryReclaim()
	}

	seg, err := c.store.NewSeg(segment.Data, 0, segment.SegMaxSize, ch, cachePageLog2)
	if err != nil {
		return nil, err
	}
	seg.MarkCache()
	// NewSeg hands back a single reference. The entries map itself
	// holds one claim on the segment for as long as it is cached;
	// the extra IncRef here is the caller's own, handed back below,
	// so a caller's PutSeg alone never tears down a live cache entry.
	seg.IncRef()

	c.mu.Lock()
	if existing, ok := c.entries[k]; ok {
		// Lost a race with a concurrent opener; discard our segment.
		existing.seg.IncRef()
		c.mu.Unlock()
		c.store.PutSeg(seg)
		c.store.PutSeg(seg)
		return existing.seg, nil
	}
	c.entries[k] = &entry{seg: seg, vers: vers}
	c.mu.Unlock()
	return seg, nil
}

// tryReclaim drops every cache entry with no other referent until the
// cache is back under budget, or gives up immediately if another
// goroutine is already reclaiming: reclamation is best-effort, never
// worth a reader blocking on.
func (c *Cache) tryReclaim() {
	if !c.reclaimMu.TryLock() {
		return
	}
	defer c.reclaimMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if len(c.entries) < c.maxFiles && c.totalBytesLocked() < c.maxBytes {
			return
		}
		if e.seg.Ref() != 1 {
			continue
		}
		delete(c.entries, k)
		c.store.PutSeg(e.seg)
	}
}
