// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmerr holds the sentinel errors returned across the VM core's
// package boundaries, replacing the original kernel's waserror/nexterror
// long-jump unwinding with ordinary wrapped errors compared via
// errors.Is. Invariant violations are not in this taxonomy: those panic,
// by design (spec.md §7).
package vmerr

import "errors"

var (
	// Enovmem means the process's virtual address space has no room
	// left for the requested segment.
	Enovmem = errors.New("vmerr: out of virtual memory")

	// Esoverlap means a requested virtual range overlaps an existing
	// segment.
	Esoverlap = errors.New("vmerr: segment overlap")

	// Ebadarg means a caller-supplied argument is structurally invalid
	// (misaligned address, zero length, unknown segment type, ...).
	Ebadarg = errors.New("vmerr: bad argument")

	// Eioload means a demand load from the backing channel failed.
	// The fault handler returns it to its caller and never retries it;
	// no code in this module kills the faulting process.
	Eioload = errors.New("vmerr: I/O load failure")

	// Eintr means an operation was interrupted and may be retried by
	// its caller; the fault handler retries demand loads that fail
	// with Eintr instead of propagating it.
	Eintr = errors.New("vmerr: interrupted")

	// Eprotect means a write fault landed on a read-only mapping (a
	// TEXT segment, or a segment explicitly flagged RONLY). The fault
	// handler never resolves this one; it is a fatal access violation
	// for the faulting process.
	Eprotect = errors.New("vmerr: write to read-only segment")
)
