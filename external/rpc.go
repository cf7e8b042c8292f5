// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package external

import (
	"sync"

	"github.com/fjballest/nixvm/vmerr"
)

// Op is the kind of I/O an RPC request performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Request is one page-sized I/O to submit through a Pipeline.
type Request struct {
	Ch  Channel
	Op  Op
	Buf []byte
	Off int64
}

// Result is one completed Request, named by its index in the slice
// passed to Pipeline.Batch so the caller can map it back to a page.
type Result struct {
	Index int
	N     int
	Err   error
}

// Batch is an in-flight group of RPCs. Collect returns completed
// results in arbitrary order, not necessarily the submission order;
// ok is false once every request has been collected. Abort is safe to
// call on any batch, collected or not, any number of times; results
// not yet collected at the time of Abort fail with vmerr.Eintr.
type Batch interface {
	Collect() (Result, bool)
	Abort()
}

// Pipeline is the pipelined RPC facility the file cache uses for
// mcread's batched window reads and for writeback (spec.md §6).
type Pipeline interface {
	Batch(reqs []Request) Batch
}

// FakePipeline runs each request on its own goroutine against the
// Channel it names, standing in for the real 9P RPC fabric in tests
// and cmd/testpage.
type FakePipeline struct{}

func (FakePipeline) Batch(reqs []Request) Batch {
	b := &fakeBatch{
		results: make(chan Result, len(reqs)),
		abort:   make(chan struct{}),
	}
	var wg sync.WaitGroup
	for i, r := range reqs {
		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			select {
			case <-b.abort:
				b.results <- Result{Index: i, Err: vmerr.Eintr}
				return
			default:
			}
			var n int
			var err error
			switch r.Op {
			case OpRead:
				n, err = r.Ch.Read(r.Buf, r.Off)
			case OpWrite:
				n, err = r.Ch.Write(r.Buf, r.Off)
			}
			b.results <- Result{Index: i, N: n, Err: err}
		}(i, r)
	}
	go func() {
		wg.Wait()
		close(b.results)
	}()
	return b
}

type fakeBatch struct {
	results chan Result
	abort   chan struct{}
	once    sync.Once
}

func (b *fakeBatch) Collect() (Result, bool) {
	r, ok := <-b.results
	if ok {
		select {
		case <-b.abort:
			// Collected after Abort: reported as interrupted.
			r = Result{Index: r.Index, Err: vmerr.Eintr}
		default:
		}
	}
	return r, ok
}

func (b *fakeBatch) Abort() {
	b.once.Do(func() { close(b.abort) })
}
