// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"sync"
	"testing"
	"time"

	"github.com/fjballest/nixvm/pgalloc"
	"github.com/stretchr/testify/require"
)

func newArena(t *testing.T) *pgalloc.Arena {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.SizeConfig{{Size: 4096, Kind: pgalloc.Prealloc}})
	require.NoError(t, err)
	require.NoError(t, a.Init(16*4096))
	return a
}

func TestPutIsIdempotent(t *testing.T) {
	a := newArena(t)
	m := NewFakeMMU(a)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x1000)

	m.Put(1, 0x1000, id, RW)
	m.Put(1, 0x1000, id, RW)

	got, ok := m.Walk(1, 0x1000)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestReleaseFreesPTP(t *testing.T) {
	a := newArena(t)
	m := NewFakeMMU(a)
	id := a.Alloc(4096, pgalloc.AnyColor, true, 0x2000)
	m.Put(1, 0x2000, id, RW)

	m.Release(1)
	_, ok := m.Walk(1, 0x2000)
	require.False(t, ok)

	// id is still held; every other page of the 16-page bank, including
	// the one the PTP used, must be allocatable again.
	require.NotPanics(t, func() {
		for i := 0; i < 15; i++ {
			a.Alloc(4096, pgalloc.AnyColor, false, 0)
		}
	})
}

func TestFlushBarrierWaitsForAllAcks(t *testing.T) {
	b := NewFlushBarrier()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Request([]ProcID{1, 2, 3})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Request returned before every proc acked")
	default:
	}

	b.Ack(1)
	b.Ack(2)
	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Request returned before the last proc acked")
	default:
	}

	b.Ack(3)
	wg.Wait()
	require.False(t, b.Pending(1))
	require.False(t, b.Pending(2))
	require.False(t, b.Pending(3))
}
