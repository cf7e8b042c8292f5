// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmu defines the hardware page-table shim the fault handler
// and segment store install translations through (spec.md §4.F). The
// interface is architecture-neutral; FakeMMU is the in-memory double
// used by tests and cmd/testpage in place of a real page-table walker.
package mmu

import "github.com/fjballest/nixvm/pgalloc"

// ProcID names a process's address space for Put/Walk/Switch/Release.
type ProcID uint64

// Flags describes how a translation should be installed.
type Flags uint8

const (
	// RW is the zero value: a writable, cached translation.
	RW Flags = 0
	// RO marks the translation read-only; a write through it faults.
	RO Flags = 1 << 0
	// Uncached marks the translation uncached, used for PHYSICAL
	// segments per the fault-handler dispatch table (spec.md §4.D).
	Uncached Flags = 1 << 1
)

// MMU is the architecture-specific hardware page-table interface.
// Implementations must satisfy: installing the same (va, page) pair
// twice is idempotent; Release frees every page-table page the process
// owns back to the PTP pool; a flush of page P invalidates any TLB
// that could contain P on any CPU running a process that maps it.
type MMU interface {
	// Put installs a translation from va to the physical frame id,
	// with the given flags, for proc.
	Put(proc ProcID, va uintptr, id pgalloc.PageID, flags Flags)

	// Walk resolves va to whatever frame is installed, returning
	// (0, false) if none is. It never allocates page-table pages: that
	// happens inside Put.
	Walk(proc ProcID, va uintptr) (pgalloc.PageID, bool)

	// Switch makes proc's page tables the ones the calling CPU uses.
	Switch(proc ProcID)

	// Release tears down every translation and page-table page proc
	// owns.
	Release(proc ProcID)

	// Flush invalidates every TLB entry on every CPU.
	Flush()

	// FlushPage invalidates any TLB entry that could map id, on every
	// CPU that has a process referencing it active.
	FlushPage(id pgalloc.PageID)
}
