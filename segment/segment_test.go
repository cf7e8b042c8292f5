// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/vmerr"
)

const pageLog2 = 12 // 4096

func newTestStore(t *testing.T) (*Store, *pgalloc.Arena) {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	st := NewStore(a, mmu.NewFakeMMU(a))
	return st, a
}

func TestNewSegRejectsMisalignedRange(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.NewSeg(Data, 0x1000, 0x1001, nil, pageLog2)
	require.ErrorIs(t, err, vmerr.Ebadarg)
}

func TestNewSegRejectsOversize(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.NewSeg(Data, 0, SegMaxSize+0x1000, nil, pageLog2)
	require.Error(t, err)
}

func TestTextCacheReturnsSameSegmentOnRepeatedAttach(t *testing.T) {
	st, _ := newTestStore(t)
	ch := external.NewMemChannel(1, external.Qid{Path: 7}, make([]byte, 4096))

	s1, err := st.NewSeg(Text, 0x1000, 0x2000, ch, pageLog2)
	require.NoError(t, err)
	s2, err := st.NewSeg(Text, 0x1000, 0x2000, ch, pageLog2)
	require.NoError(t, err)

	require.Same(t, s1, s2)
	require.EqualValues(t, 2, s1.Ref())
}

func TestTextCacheConcurrentOpensShareOneConstruction(t *testing.T) {
	st, _ := newTestStore(t)
	ch := external.NewMemChannel(1, external.Qid{Path: 9}, make([]byte, 4096))

	const n = 8
	results := make(chan *Segment, n)
	for i := 0; i < n; i++ {
		go func() {
			seg, err := st.NewSeg(Text, 0x3000, 0x4000, ch, pageLog2)
			require.NoError(t, err)
			results <- seg
		}()
	}
	first := <-results
	for i := 1; i < n; i++ {
		require.Same(t, first, <-results)
	}
	require.EqualValues(t, n, first.Ref())
}

func TestPutSegFreesPagesAtZeroRef(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Data, 0x5000, 0x7000, nil, pageLog2)
	require.NoError(t, err)

	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x5000)
	a.PageAt(id).IncRef()
	seg.Lock()
	seg.Walk(0x5000, true).Set(id)
	seg.Unlock()

	require.EqualValues(t, 1, a.PageAt(id).Ref())
	st.PutSeg(seg)
	require.EqualValues(t, 0, a.PageAt(id).Ref())
}

func TestForkDataCopyOnReferenceSharesPagesUntilWrite(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Data, 0x6000, 0x7000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x6000)
	a.PageAt(id).IncRef() // segment's own reference to its mapped page
	seg.Lock()
	seg.Walk(0x6000, true).Set(id)
	seg.Unlock()

	child, err := st.ForkSeg(seg, mmu.ProcID(2), mmu.NewFakeMMU(a), false, nil)
	require.NoError(t, err)
	require.NotSame(t, seg, child)
	require.Equal(t, seg.Base(), child.Base())

	childSlot := child.Walk(0x6000, false)
	require.True(t, childSlot.Valid())
	require.Equal(t, id, childSlot.Get())
	require.EqualValues(t, 2, a.PageAt(id).Ref())
}

func TestForkStackDeepCopiesImmediately(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Stack, 0x8000, 0x9000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x8000)
	a.PageAt(id).IncRef()
	copy(a.Bytes(id), []byte("hello"))
	seg.Lock()
	seg.Walk(0x8000, true).Set(id)
	seg.Unlock()

	childMMU := mmu.NewFakeMMU(a)
	child, err := st.ForkSeg(seg, mmu.ProcID(3), childMMU, false, nil)
	require.NoError(t, err)

	childSlot := child.Walk(0x8000, false)
	require.True(t, childSlot.Valid())
	childID := childSlot.Get()
	require.NotEqual(t, id, childID)
	require.Equal(t, "hello", string(a.Bytes(childID)[:5]))

	got, ok := childMMU.Walk(3, 0x8000)
	require.True(t, ok)
	require.Equal(t, childID, got)
}

func TestNoPageShareDeepCopiesDataInsteadOfSharing(t *testing.T) {
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	st := NewStore(a, mmu.NewFakeMMU(a), NoPageShare())

	seg, err := st.NewSeg(Data, 0x6000, 0x7000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x6000)
	a.PageAt(id).IncRef()
	seg.Lock()
	seg.Walk(0x6000, true).Set(id)
	seg.Unlock()

	child, err := st.ForkSeg(seg, mmu.ProcID(2), mmu.NewFakeMMU(a), false, nil)
	require.NoError(t, err)

	childID := child.Walk(0x6000, false).Get()
	require.NotEqual(t, id, childID)
	require.EqualValues(t, 1, a.PageAt(id).Ref())
}

func TestMfreeSegClearsBeforeFlushBeforeFree(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Data, 0xA000, 0xC000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0xA000)
	a.PageAt(id).IncRef()
	seg.Lock()
	seg.Walk(0xA000, true).Set(id)
	seg.Unlock()

	barrier := mmu.NewFlushBarrier()
	done := make(chan struct{})
	go func() {
		st.MfreeSeg(seg, 0xA000, 0xB000, []Sharer{{Barrier: barrier, Proc: 5}})
		close(done)
	}()

	// The slot must already be cleared by the time the barrier is
	// waiting on CPU 5's ack: a late reader must see "unmapped", not
	// a page that is about to vanish underneath it.
	for !barrier.Pending(5) {
	}
	slot := seg.Walk(0xA000, false)
	require.False(t, slot.Valid() && slot.Get() != 0)

	barrier.Ack(5)
	<-done
	require.EqualValues(t, 0, a.PageAt(id).Ref())
}

func TestStackSegmentRecyclingKeepsPageMap(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Stack, 0xD000, 0xE000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0xD000)
	a.PageAt(id).IncRef()
	seg.Lock()
	seg.Walk(0xD000, true).Set(id)
	seg.Unlock()

	st.PutSeg(seg)
	recycled := st.alloc(Stack)
	require.Same(t, seg, recycled)
	slot := recycled.Walk(0xD000, false)
	require.True(t, slot.Valid())
	require.Equal(t, id, slot.Get())
	require.EqualValues(t, 1, a.PageAt(id).Ref())
}

func TestRelocateSegRewritesPageVAWithoutCopy(t *testing.T) {
	st, a := newTestStore(t)
	seg, err := st.NewSeg(Stack, 0x10000, 0x11000, nil, pageLog2)
	require.NoError(t, err)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x10000)
	a.PageAt(id).IncRef()
	seg.Lock()
	seg.Walk(0x10000, true).Set(id)
	seg.Unlock()

	st.RelocateSeg(seg, 0x20000)
	require.Equal(t, uintptr(0x20000), seg.Base())
	require.Equal(t, uintptr(0x21000), seg.Top())
	require.Equal(t, uintptr(0x20000), a.PageAt(id).VA)

	slot := seg.Walk(0x20000, false)
	require.True(t, slot.Valid())
	require.Equal(t, id, slot.Get())
}
