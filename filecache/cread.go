// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filecache

import (
	"context"
	"io"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/segment"
	"github.com/fjballest/nixvm/vmerr"
)

// Read copies up to len(buf) bytes starting at off from ch's cache
// entry, demand-loading any page not yet resident and touching the
// read-ahead queue for the page that follows. Cancelling ctx aborts
// any RPC still in flight and returns whatever bytes were already
// copied alongside vmerr.Eintr (spec.md §4.E, "cached reads observe an
// interrupt flag").
func (c *Cache) Read(ctx context.Context, ch external.Channel, off int64, buf []byte) (int, error) {
	seg, err := c.open(ch)
	if err != nil {
		return 0, err
	}
	defer c.store.PutSeg(seg)

	pageSize := int64(seg.PageSize())
	var done int
	for done < len(buf) {
		if ctx.Err() != nil {
			return done, vmerr.Eintr
		}
		cur := off + int64(done)
		base := cur - cur%pageSize
		inPage := int(cur - base)

		n, err := c.readPage(ctx, seg, ch, base, buf[done:], inPage)
		done += n
		if err != nil {
			return done, err
		}
		if n == 0 {
			break // hit EOF
		}
	}

	if !c.noLater {
		c.ra.touch(seg, ch, off+int64(done))
	}
	return done, nil
}

// readPage satisfies as much of dst as fits in the page starting at
// pageBase, loading the page first if it is not yet resident.
func (c *Cache) readPage(ctx context.Context, seg *segment.Segment, ch external.Channel, pageBase int64, dst []byte, inPage int) (int, error) {
	id, eof, err := c.loadPage(ctx, seg, ch, pageBase)
	if err != nil {
		return 0, err
	}
	pageSize := int(seg.PageSize())
	avail := pageSize - inPage
	if eof >= 0 {
		// eof is the known file length; clamp to the bytes of this page
		// that lie between inPage and it.
		onPage := int(eof-pageBase) - inPage
		if onPage < 0 {
			onPage = 0
		}
		if onPage < avail {
			avail = onPage
		}
	}
	if avail <= 0 {
		return 0, nil
	}
	n := copy(dst, c.arena.Bytes(id)[inPage:inPage+avail])
	return n, nil
}

// loadPage returns the resident page covering pageBase, loading it
// through the pipeline on a miss. eof is the segment's known EOF bound
// (-1 if none has been observed yet). Cancelling ctx aborts the load
// RPC if it is still in flight.
func (c *Cache) loadPage(ctx context.Context, seg *segment.Segment, ch external.Channel, pageBase int64) (id pgalloc.PageID, eof int64, err error) {
	pageSize := int(seg.PageSize())

	seg.Lock()
	slot := seg.Walk(uintptr(pageBase), true)
	if existing := slot.Get(); existing != 0 {
		seg.Unlock()
		if p := c.arena.PageAt(existing); p.LoadState() == 0 {
			// Another load of this page is still in flight: wait on the
			// page's turnstile until it finishes, then look again.
			p.Lock()
			p.Unlock()
			return c.loadPage(ctx, seg, ch, pageBase)
		}
		id = existing
		eof = seg.CacheLen()
		if eof == 0 {
			eof = -1
		}
		return id, eof, nil
	}

	id = c.arena.AllocLoading(pageSize, seg.Color(), uintptr(pageBase))
	p := c.arena.PageAt(id)
	p.IncRef()
	slot.Set(id)
	p.Lock()
	seg.Unlock()

	buf := c.arena.Bytes(id)
	batch := c.pipeline.Batch([]external.Request{{Ch: ch, Op: external.OpRead, Buf: buf, Off: pageBase}})
	res := c.collect(ctx, batch)

	short := false
	if res.Err != nil && res.Err != io.EOF {
		p.MarkResident()
		p.Unlock()
		// The load never finished (I/O failure, or aborted by ctx
		// cancellation): clear the slot this call installed rather than
		// leaving it pointing at a page nothing ever filled in, which
		// would let a later reader mistake it for valid cached content.
		seg.Lock()
		if s := seg.Walk(uintptr(pageBase), false); s.Valid() && s.Get() == id {
			s.Clear()
		}
		seg.Unlock()
		if p.DecRef() == 0 {
			c.arena.Free(id)
		}
		return 0, -1, res.Err
	}
	if res.N < len(buf) {
		short = true
		for i := res.N; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	p.MarkResident()
	p.Unlock()

	if short {
		seg.ObserveEOF(pageBase + int64(res.N))
	}
	seg.AddCacheBytes(int64(pageSize))

	eof = seg.CacheLen()
	if eof == 0 {
		eof = -1
	}
	return id, eof, nil
}

// Write invalidates the cache's view of [off, off+len(buf)) and issues
// a synchronous passthrough write, then returns. Cancelling ctx aborts
// the write RPC if it is still in flight.
//
// TODO: write-behind through the cache instead of a synchronous
// passthrough, once a dirty-page list exists to track what still
// needs flushing back.
func (c *Cache) Write(ctx context.Context, ch external.Channel, off int64, buf []byte) (int, error) {
	seg, err := c.open(ch)
	if err != nil {
		return 0, err
	}
	defer c.store.PutSeg(seg)

	c.invalidateRange(seg, off, int64(len(buf)))

	batch := c.pipeline.Batch([]external.Request{{Ch: ch, Op: external.OpWrite, Buf: buf, Off: off}})
	res := c.collect(ctx, batch)
	return res.N, res.Err
}

// collect waits for batch's single in-flight result, aborting it and
// unblocking early if ctx is cancelled first. A request still pending
// at the time of Abort surfaces as vmerr.Eintr in the returned
// Result.Err (external.Batch's documented Abort semantics), letting
// callers return whatever bytes were already copied alongside that
// error instead of blocking indefinitely on a cancelled caller.
func (c *Cache) collect(ctx context.Context, batch external.Batch) external.Result {
	if ctx.Done() == nil {
		// ctx can never be cancelled (e.g. the read-ahead pool's
		// context.Background()): collect directly, no goroutine needed.
		res, _ := batch.Collect()
		return res
	}

	done := make(chan external.Result, 1)
	go func() {
		res, _ := batch.Collect()
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		batch.Abort()
		return <-done
	}
}

// invalidateRange drops every cached page overlapping [off, off+length)
// so the next read reloads fresh content. Freed pages are collected
// while the segment lock is held and only dropped afterward: Segment's
// AddCacheBytes takes seg's own non-reentrant lock, so calling it under
// the lock held here would deadlock; Arena.Free runs after the release
// as well.
func (c *Cache) invalidateRange(seg *segment.Segment, off, length int64) {
	pageSize := int64(seg.PageSize())
	base := off - off%pageSize
	end := off + length

	var freed []pgalloc.PageID
	seg.Lock()
	for va := base; va < end; va += pageSize {
		slot := seg.Walk(uintptr(va), false)
		if !slot.Valid() {
			continue
		}
		if id := slot.Get(); id != 0 {
			freed = append(freed, id)
			slot.Clear()
		}
	}
	seg.Unlock()

	if len(freed) == 0 {
		return
	}
	seg.AddCacheBytes(-int64(len(freed)) * pageSize)
	for _, id := range freed {
		p := c.arena.PageAt(id)
		if p.DecRef() == 0 {
			c.arena.Free(id)
		}
	}
}
