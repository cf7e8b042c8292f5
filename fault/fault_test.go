// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fjballest/nixvm/external"
	"github.com/fjballest/nixvm/mmu"
	"github.com/fjballest/nixvm/pgalloc"
	"github.com/fjballest/nixvm/segment"
	"github.com/fjballest/nixvm/vmerr"
)

const pageLog2 = 12

// flakyChannel wraps a MemChannel, making the first failReads calls to
// Read fail with vmerr.Eintr before delegating, and splitting every
// successful read into at most maxChunk bytes so callers relying on
// readn semantics are exercised against genuinely short reads.
type flakyChannel struct {
	*external.MemChannel
	failReads int
	maxChunk  int
}

func (c *flakyChannel) Read(buf []byte, off int64) (int, error) {
	if c.failReads > 0 {
		c.failReads--
		return 0, vmerr.Eintr
	}
	if c.maxChunk > 0 && len(buf) > c.maxChunk {
		buf = buf[:c.maxChunk]
	}
	return c.MemChannel.Read(buf, off)
}

func newTestHandler(t *testing.T) (*Handler, *pgalloc.Arena, *segment.Store, mmu.MMU) {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(256*4096))
	m := mmu.NewFakeMMU(a)
	st := segment.NewStore(a, m)
	return New(a, m), a, st, m
}

func TestFaultDemandLoadsTextFromChannel(t *testing.T) {
	h, _, st, m := newTestHandler(t)
	data := make([]byte, 4096)
	copy(data, []byte("entrypoint"))
	ch := external.NewMemChannel(1, external.Qid{Path: 1}, data)

	seg, err := st.NewSeg(segment.Text, 0x1000, 0x2000, ch, pageLog2)
	require.NoError(t, err)

	require.NoError(t, h.Fault(context.Background(), 1, seg, 0x1000, false))
	id, ok := m.Walk(1, 0x1000)
	require.True(t, ok)
	require.Equal(t, "entrypoint", string(h.Arena.Bytes(id)[:10]))
}

func TestFaultWriteToTextIsProtectionViolation(t *testing.T) {
	h, _, st, _ := newTestHandler(t)
	ch := external.NewMemChannel(1, external.Qid{Path: 2}, make([]byte, 4096))
	seg, err := st.NewSeg(segment.Text, 0x3000, 0x4000, ch, pageLog2)
	require.NoError(t, err)

	err = h.Fault(context.Background(), 1, seg, 0x3000, true)
	require.ErrorIs(t, err, vmerr.Eprotect)
}

func TestFaultAnonymousDataZeroFills(t *testing.T) {
	h, _, st, m := newTestHandler(t)
	seg, err := st.NewSeg(segment.Data, 0x5000, 0x6000, nil, pageLog2)
	require.NoError(t, err)

	require.NoError(t, h.Fault(context.Background(), 1, seg, 0x5000, true))
	id, ok := m.Walk(1, 0x5000)
	require.True(t, ok)
	for _, b := range h.Arena.Bytes(id) {
		require.Zero(t, b)
	}
}

func TestFaultCopyOnReferenceSharesThenDuplicatesOnWrite(t *testing.T) {
	h, a, st, m := newTestHandler(t)
	parent, err := st.NewSeg(segment.Data, 0x7000, 0x8000, nil, pageLog2)
	require.NoError(t, err)
	require.NoError(t, h.Fault(context.Background(), 1, parent, 0x7000, true))
	parentID, _ := m.Walk(1, 0x7000)
	copy(a.Bytes(parentID), []byte("parent"))

	child, err := st.ForkSeg(parent, mmu.ProcID(2), mmu.NewFakeMMU(a), false, nil)
	require.NoError(t, err)

	// Read fault on the child resolves to the same frame the fork
	// already installed in its map.
	require.NoError(t, h.Fault(context.Background(), 2, child, 0x7000, false))
	childID, ok := m.Walk(2, 0x7000)
	require.True(t, ok)
	require.Equal(t, parentID, childID)
	require.EqualValues(t, 2, a.PageAt(parentID).Ref())

	// A write fault on the child now duplicates: the child's frame
	// changes, the parent's does not, and the parent's ref count
	// drops back to reflect only its own mapping.
	require.NoError(t, h.Fault(context.Background(), 2, child, 0x7000, true))
	childID2, ok := m.Walk(2, 0x7000)
	require.True(t, ok)
	require.NotEqual(t, parentID, childID2)
	require.Equal(t, "parent", string(a.Bytes(childID2)[:6]))
	require.EqualValues(t, 1, a.PageAt(parentID).Ref())
}

func TestFaultRetriesDemandLoadOnEintr(t *testing.T) {
	h, _, st, m := newTestHandler(t)
	data := make([]byte, 4096)
	copy(data, []byte("entrypoint"))
	ch := &flakyChannel{
		MemChannel: external.NewMemChannel(1, external.Qid{Path: 3}, data),
		failReads:  2,
	}

	seg, err := st.NewSeg(segment.Text, 0xB000, 0xC000, ch, pageLog2)
	require.NoError(t, err)

	require.NoError(t, h.Fault(context.Background(), 1, seg, 0xB000, false))
	id, ok := m.Walk(1, 0xB000)
	require.True(t, ok)
	require.Equal(t, "entrypoint", string(h.Arena.Bytes(id)[:10]))
}

func TestFaultDemandLoadLoopsToFillPageAcrossShortReads(t *testing.T) {
	h, _, st, m := newTestHandler(t)
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	ch := &flakyChannel{
		MemChannel: external.NewMemChannel(1, external.Qid{Path: 4}, data),
		maxChunk:   128, // forces many short reads to fill one 4096-byte page
	}

	seg, err := st.NewSeg(segment.Text, 0xD000, 0xE000, ch, pageLog2)
	require.NoError(t, err)

	require.NoError(t, h.Fault(context.Background(), 1, seg, 0xD000, false))
	id, ok := m.Walk(1, 0xD000)
	require.True(t, ok)
	require.Equal(t, data, h.Arena.Bytes(id))
}

func TestFaultWaitsForConcurrentLoadThenSharesFrame(t *testing.T) {
	h, a, st, m := newTestHandler(t)
	id := a.AllocLoading(4096, pgalloc.AnyColor, 0x9000)

	seg, err := st.NewSeg(segment.Data, 0x9000, 0xA000, nil, pageLog2)
	require.NoError(t, err)
	seg.Lock()
	seg.Walk(0x9000, true).Set(id)
	seg.Unlock()

	p := a.PageAt(id)
	p.Lock()

	done := make(chan error, 1)
	go func() {
		done <- h.Fault(context.Background(), 1, seg, 0x9000, false)
	}()

	p.Unlock()
	p.MarkResident()

	require.NoError(t, <-done)
	got, ok := m.Walk(1, 0x9000)
	require.True(t, ok)
	require.Equal(t, id, got)
}
