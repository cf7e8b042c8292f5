// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filecache

import (
	"context"
	"sync"
	"time"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/segment"
)

// raRequest is one page a reader is likely to touch next.
type raRequest struct {
	seg *segment.Segment
	ch  external.Channel
	off int64
}

// readAhead runs a small, bounded pool of workers that speculatively
// fault in the page following a read, so a sequential reader rarely
// blocks on the pipeline. A worker exits after sitting idle for
// idleTimeout rather than living for the cache's whole lifetime, so an
// idle cache costs nothing.
type readAhead struct {
	c     *Cache
	cap   int
	idle  time.Duration
	queue chan raRequest

	mu      sync.Mutex
	running int
}

func newReadAhead(c *Cache, cap int, idle time.Duration) *readAhead {
	return &readAhead{
		c:     c,
		cap:   cap,
		idle:  idle,
		queue: make(chan raRequest, cap*4),
	}
}

// touch enqueues the page at off for speculative loading, starting a
// worker if the pool has room. A full queue just drops the request:
// read-ahead is an optimization, never a correctness requirement.
func (ra *readAhead) touch(seg *segment.Segment, ch external.Channel, off int64) {
	select {
	case ra.queue <- raRequest{seg: seg, ch: ch, off: off}:
	default:
		return
	}
	ra.maybeSpawn()
}

func (ra *readAhead) maybeSpawn() {
	ra.mu.Lock()
	if ra.running >= ra.cap {
		ra.mu.Unlock()
		return
	}
	ra.running++
	ra.mu.Unlock()

	ra.c.wg.Go(func() error {
		ra.work()
		ra.mu.Lock()
		ra.running--
		ra.mu.Unlock()
		return nil
	})
}

func (ra *readAhead) work() {
	for {
		select {
		case req := <-ra.queue:
			ra.serve(req)
		case <-time.After(ra.idle):
			return
		}
	}
}

// serve loads the page at req.off if it is not already resident,
// bumping the owning segment's reference across the call so a racing
// close of the file can't free it out from under the worker. It runs
// detached from any particular reader's context: a speculative load
// outlives the request that triggered it, so it is cancelled only by
// the worker pool's own idle timeout and shutdown, never by a caller.
func (ra *readAhead) serve(req raRequest) {
	req.seg.IncRef()
	defer ra.c.store.PutSeg(req.seg)

	pageSize := int64(req.seg.PageSize())
	base := req.off - req.off%pageSize
	_, _, _ = ra.c.loadPage(context.Background(), req.seg, req.ch, base)
}
