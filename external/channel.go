// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package external models the collaborators the VM core calls but does
// not implement: the 9P-style channel/RPC pipeline, the NUMA topology
// oracle, thread creation for worker pools, and summary registration
// (spec.md §6). Production kernels wire these to the real mount driver,
// scheduler and hardware; this package gives the core a real interface
// to call plus small in-memory fakes for tests and the *testpage
// self-check.
package external

import (
	"fmt"
	"io"
)

// Qid identifies a file the way the channel layer does: a path unique
// within its device, a version that increments on every modification,
// and a type (directory, append-only, ...).
type Qid struct {
	Path uint64
	Vers uint32
	Type uint8
}

// Channel is a handle to an open file as seen by the fault handler and
// file cache. It is the core's entire view of the 9P mount layer.
type Channel interface {
	Qid() Qid
	Dev() uint32
	Read(buf []byte, off int64) (int, error)
	Write(buf []byte, off int64) (int, error)
}

// MemChannel is an in-memory Channel backed by a byte slice, used by
// tests and cmd/testpage in place of a real mount.
type MemChannel struct {
	qid  Qid
	dev  uint32
	data []byte
}

// NewMemChannel wraps data as a channel with the given identity. The
// caller owns data; MemChannel does not copy it.
func NewMemChannel(dev uint32, qid Qid, data []byte) *MemChannel {
	return &MemChannel{qid: qid, dev: dev, data: data}
}

func (c *MemChannel) Qid() Qid    { return c.qid }
func (c *MemChannel) Dev() uint32 { return c.dev }

func (c *MemChannel) Read(buf []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(c.data)) {
		return 0, io.EOF
	}
	n := copy(buf, c.data[off:])
	return n, nil
}

func (c *MemChannel) Write(buf []byte, off int64) (int, error) {
	end := off + int64(len(buf))
	if end > int64(len(c.data)) {
		grown := make([]byte, end)
		copy(grown, c.data)
		c.data = grown
	}
	n := copy(c.data[off:], buf)
	c.qid.Vers++
	return n, nil
}

// Bump increments the channel's qid.vers without touching content,
// simulating an external modification the cache must notice.
func (c *MemChannel) Bump() { c.qid.Vers++ }

// SetData replaces the channel's content, as if a remote writer
// replaced the file out from under the cache, and bumps its version.
func (c *MemChannel) SetData(data []byte) {
	c.data = data
	c.qid.Vers++
}

func (q Qid) String() string {
	return fmt.Sprintf("(%d.%d.%d)", q.Path, q.Vers, q.Type)
}
