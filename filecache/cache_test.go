// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/segment"
	"github.com/fjballest/nixvm/vmerr"
)

// blockingPipeline never completes a Batch on its own: Collect blocks
// until Abort is called, letting tests exercise ctx cancellation
// against an RPC that is genuinely still in flight.
type blockingPipeline struct {
	started chan struct{}
}

func newBlockingPipeline() *blockingPipeline {
	return &blockingPipeline{started: make(chan struct{})}
}

func (p *blockingPipeline) Batch(reqs []external.Request) external.Batch {
	return &blockingBatch{started: p.started, abort: make(chan struct{})}
}

type blockingBatch struct {
	started chan struct{}
	abort   chan struct{}
	once    sync.Once
}

func (b *blockingBatch) Collect() (external.Result, bool) {
	close(b.started)
	<-b.abort
	return external.Result{Err: vmerr.Eintr}, true
}

func (b *blockingBatch) Abort() {
	b.once.Do(func() { close(b.abort) })
}

// abortOncePipeline blocks its first Batch call until the caller aborts
// it, then serves every later Batch normally through FakePipeline, so a
// test can cancel one load mid-flight and then confirm the cache
// recovers rather than staying poisoned.
type abortOncePipeline struct {
	started chan struct{}

	mu      sync.Mutex
	blocked bool
}

func newAbortOncePipeline() *abortOncePipeline {
	return &abortOncePipeline{started: make(chan struct{})}
}

func (p *abortOncePipeline) Batch(reqs []external.Request) external.Batch {
	p.mu.Lock()
	first := !p.blocked
	p.blocked = true
	p.mu.Unlock()
	if first {
		return &blockingBatch{started: p.started, abort: make(chan struct{})}
	}
	return external.FakePipeline{}.Batch(reqs)
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *pgalloc.Arena) {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	st := segment.NewStore(a, mmu.NewFakeMMU(a))
	return New(st, a, external.FakePipeline{}, opts...), a
}

func TestReadRereadHitsSamePage(t *testing.T) {
	c, _ := newTestCache(t)
	ch := external.NewMemChannel(1, external.Qid{Path: 1}, []byte("hello, world"))

	buf1 := make([]byte, 5)
	n, err := c.Read(context.Background(), ch, 0, buf1)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf1))

	seg, err := c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)
	id := seg.Walk(0, false).Get()
	require.NotZero(t, id)

	buf2 := make([]byte, 5)
	n, err = c.Read(context.Background(), ch, 0, buf2)
	require.NoError(t, err)
	require.Equal(t, buf1, buf2)
	require.Equal(t, id, seg.Walk(0, false).Get())
}

func TestReadShortFileZeroPadsAndObservesEOF(t *testing.T) {
	c, _ := newTestCache(t)
	data := []byte("short")
	ch := external.NewMemChannel(2, external.Qid{Path: 2}, data)

	buf := make([]byte, 4096)
	n, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf[:len(data)])

	seg, err := c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)
	require.EqualValues(t, len(data), seg.CacheLen())
}

func TestWriteInvalidatesCachedPage(t *testing.T) {
	c, a := newTestCache(t)
	ch := external.NewMemChannel(3, external.Qid{Path: 3}, []byte("aaaaaaaa"))

	buf := make([]byte, 8)
	_, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaa", string(buf))

	seg, err := c.open(ch)
	require.NoError(t, err)
	oldID := seg.Walk(0, false).Get()
	c.store.PutSeg(seg)
	require.NotZero(t, oldID)

	_, err = c.Write(context.Background(), ch, 0, []byte("bbbb"))
	require.NoError(t, err)

	seg, err = c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)
	require.Zero(t, seg.Walk(0, false).Get())

	buf2 := make([]byte, 8)
	_, err = c.Read(context.Background(), ch, 0, buf2)
	require.NoError(t, err)
	require.Equal(t, "bbbbaaaa", string(buf2))

	newID := seg.Walk(0, false).Get()
	require.NotEqual(t, oldID, newID)
	require.EqualValues(t, 0, a.PageAt(oldID).Ref())
}

func TestExternalWriteInvalidatesCacheOnVersionBump(t *testing.T) {
	c, a := newTestCache(t)
	ch := external.NewMemChannel(7, external.Qid{Path: 7}, []byte("aaaaaaaa"))

	buf := make([]byte, 8)
	_, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaa", string(buf))

	seg, err := c.open(ch)
	require.NoError(t, err)
	oldID := seg.Walk(0, false).Get()
	c.store.PutSeg(seg)
	require.NotZero(t, oldID)

	// Some other writer replaces the file behind the channel's back and
	// bumps qid.vers, without going through this cache at all.
	ch.SetData([]byte("zzzzzzzz"))

	seg, err = c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)
	require.Zero(t, seg.Walk(0, false).Get(), "version bump must drop the stale page")
	require.EqualValues(t, 0, a.PageAt(oldID).Ref())

	buf2 := make([]byte, 8)
	_, err = c.Read(context.Background(), ch, 0, buf2)
	require.NoError(t, err)
	require.Equal(t, "zzzzzzzz", string(buf2))
}

func TestReadCtxCancelAbortsInFlightRPCAndReturnsEintr(t *testing.T) {
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	st := segment.NewStore(a, mmu.NewFakeMMU(a))
	pipeline := newBlockingPipeline()
	c := New(st, a, pipeline)

	ch := external.NewMemChannel(9, external.Qid{Path: 9}, make([]byte, 4096))

	ctx, cancel := context.WithCancel(context.Background())
	type readResult struct {
		n   int
		err error
	}
	results := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := c.Read(ctx, ch, 0, buf)
		results <- readResult{n, err}
	}()

	<-pipeline.started // the read is genuinely blocked inside Collect
	cancel()
	r := <-results

	require.ErrorIs(t, r.err, vmerr.Eintr)
	require.Zero(t, r.n)
}

func TestReadRecoversAfterCtxCancelDuringLoad(t *testing.T) {
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	st := segment.NewStore(a, mmu.NewFakeMMU(a))
	pipeline := newAbortOncePipeline()
	c := New(st, a, pipeline)

	ch := external.NewMemChannel(10, external.Qid{Path: 10}, []byte("hello"))

	ctx, cancel := context.WithCancel(context.Background())
	type readResult struct {
		n   int
		err error
	}
	results := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 5)
		n, err := c.Read(ctx, ch, 0, buf)
		results <- readResult{n, err}
	}()

	<-pipeline.started
	cancel()
	r := <-results
	require.ErrorIs(t, r.err, vmerr.Eintr)

	// The cancelled load must not leave the page looking resident: a
	// fresh read with a live context has to reload for real, not see a
	// stale/zeroed slot left behind by the aborted attempt.
	buf2 := make([]byte, 5)
	n2, err2 := c.Read(context.Background(), ch, 0, buf2)
	require.NoError(t, err2)
	require.Equal(t, 5, n2)
	require.Equal(t, "hello", string(buf2))
}

func TestOpenReclaimsUnreferencedEntriesUnderFileBudget(t *testing.T) {
	c, _ := newTestCache(t, WithLimits(2, DefaultMaxBytes))

	ch1 := external.NewMemChannel(1, external.Qid{Path: 1}, []byte("one"))
	ch2 := external.NewMemChannel(1, external.Qid{Path: 2}, []byte("two"))
	ch3 := external.NewMemChannel(1, external.Qid{Path: 3}, []byte("three"))

	seg1, err := c.open(ch1)
	require.NoError(t, err)
	c.store.PutSeg(seg1) // no outstanding referent: reclaimable

	seg2, err := c.open(ch2)
	require.NoError(t, err)
	c.store.PutSeg(seg2)

	require.Len(t, c.entries, 2)

	seg3, err := c.open(ch3)
	require.NoError(t, err)
	defer c.store.PutSeg(seg3)

	require.LessOrEqual(t, len(c.entries), 2)
	require.Contains(t, c.entries, keyOf(ch3))
}

func TestNoCacheNeverRetainsASegment(t *testing.T) {
	c, _ := newTestCache(t, WithNoCache())
	ch := external.NewMemChannel(5, external.Qid{Path: 5}, []byte("xyz"))

	buf := make([]byte, 3)
	_, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "xyz", string(buf))
	require.Empty(t, c.entries)
}

func TestNoLaterNeverEnqueuesReadAhead(t *testing.T) {
	c, _ := newTestCache(t, WithNoLater())
	data := make([]byte, 4096*2)
	ch := external.NewMemChannel(6, external.Qid{Path: 6}, data)

	buf := make([]byte, 4096)
	_, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)

	seg, err := c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)
	require.Zero(t, seg.Walk(4096, false).Get())
}

func TestReadTouchesReadAhead(t *testing.T) {
	c, _ := newTestCache(t)
	data := make([]byte, 4096*2)
	for i := range data {
		data[i] = byte(i)
	}
	ch := external.NewMemChannel(4, external.Qid{Path: 4}, data)

	buf := make([]byte, 4096)
	_, err := c.Read(context.Background(), ch, 0, buf)
	require.NoError(t, err)

	seg, err := c.open(ch)
	require.NoError(t, err)
	defer c.store.PutSeg(seg)

	require.Eventually(t, func() bool {
		return seg.Walk(4096, false).Get() != 0
	}, 1*time.Second, time.Millisecond)

	require.NoError(t, c.Close())
}
