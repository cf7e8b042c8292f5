// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import "sync/atomic"

func loadRef(p *int32) int32        { return atomic.LoadInt32(p) }
func storeRef(p *int32, v int32)    { atomic.StoreInt32(p, v) }
func addRef(p *int32, delta int32) int32 { return atomic.AddInt32(p, delta) }

// IncRef bumps a page's reference count and returns the new value.
func (p *Page) IncRef() int32 { return addRef(&p.ref, 1) }

// DecRef drops a page's reference count and returns the new value. It must
// never be called on a page with ref == 0.
func (p *Page) DecRef() int32 {
	v := addRef(&p.ref, -1)
	if v < 0 {
		panic("pgalloc: page reference count went negative")
	}
	return v
}

func (p *Page) setResident() { storeRef(&p.loadState, 1) }
func (p *Page) setLoading()  { storeRef(&p.loadState, 0) }

// MarkLoading flags the page as having I/O in flight. A caller outside
// this package that demand-loads a page's content (the fault handler)
// pairs this with MarkResident once the read completes, so a
// concurrent fault on the same page sees loadState==0 and waits on the
// page's turnstile instead of reading a half-filled frame.
func (p *Page) MarkLoading() { p.setLoading() }

// MarkResident flags the page's content as fully loaded.
func (p *Page) MarkResident() { p.setResident() }
